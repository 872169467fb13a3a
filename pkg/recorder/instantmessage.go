package recorder

import (
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// InstantMessageRecorder records an instant messaging call and every message
// received on it.
type InstantMessageRecorder struct {
	callRecorder
}

var _ callHandle = (*InstantMessageRecorder)(nil)

func newInstantMessageRecorder(s *Session, call platform.Call) *InstantMessageRecorder {
	r := &InstantMessageRecorder{}
	r.init(s, TypeInstantMessage, call, r)
	return r
}

func (r *InstantMessageRecorder) OnFlowStateChanged(flow platform.Flow, prev, next platform.FlowState) {
	r.logFlowState(prev, next)
}

func (r *InstantMessageRecorder) OnMessageReceived(flow platform.Flow, from platform.Participant, text string) {
	r.emit(newMessage(r.conversation(), transcript.ModalityInstantMessage, transcript.DirectionIncoming, senderOf(from), text))
}
