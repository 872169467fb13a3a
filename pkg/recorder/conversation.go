package recorder

import (
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// ConversationRecorder records participant and property changes of one
// conversation. The session's root recorder follows the primary conversation;
// other instances follow sub-conversations.
type ConversationRecorder struct {
	session *Session
	conv    platform.Conversation
	sub     bool
	logger  logging.Logger
	lc      lifecycle
}

var (
	_ MediaRecorder                 = (*ConversationRecorder)(nil)
	_ platform.ConversationObserver = (*ConversationRecorder)(nil)
)

func newConversationRecorder(s *Session, conv platform.Conversation, sub bool) *ConversationRecorder {
	return &ConversationRecorder{
		session: s,
		conv:    conv,
		sub:     sub,
		logger: s.logger.With(
			logging.F("recorder_type", string(TypeConversation)),
			logging.F("conversation", conv.ID()),
		),
	}
}

func (r *ConversationRecorder) Type() Type   { return TypeConversation }
func (r *ConversationRecorder) State() State { return r.lc.get() }

// Conversation returns the conversation being recorded.
func (r *ConversationRecorder) Conversation() platform.Conversation { return r.conv }

// IsSubConversation reports whether the recorder follows a sub-conversation.
func (r *ConversationRecorder) IsSubConversation() bool { return r.sub }

func (r *ConversationRecorder) start() {
	if !r.lc.activate() {
		return
	}
	r.conv.Subscribe(r)
	if r.lc.get() == StateTerminated {
		r.conv.Unsubscribe(r)
		return
	}
	if r.sub {
		r.emit(infoMessage(r.conv, transcript.ModalityConversationInfo, "Sub-conversation %s attached.", r.conv.ID()))
	}
}

func (r *ConversationRecorder) Shutdown() {
	if !r.lc.terminate() {
		return
	}
	r.conv.Unsubscribe(r)
	r.logger.Debug("Conversation recorder terminated")
	r.session.OnMediaTranscriptRecorderTerminated(r)
}

func (r *ConversationRecorder) emit(m transcript.Message) {
	if r.lc.get() == StateTerminated {
		return
	}
	r.session.OnMessageReceived(m)
}

func (r *ConversationRecorder) OnConversationStateChanged(conv platform.Conversation, prev, next platform.ConversationState) {
	r.emit(infoMessage(conv, transcript.ModalityConversationInfo, "%s", stateChange("Conversation", prev, next, "")))
	if next.IsTerminal() {
		r.Shutdown()
	}
}

func (r *ConversationRecorder) OnParticipantJoined(conv platform.Conversation, p platform.Participant) {
	r.emit(newMessage(conv, transcript.ModalityConversationInfo, transcript.DirectionIncoming, senderOf(p), "Participant joined."))
}

func (r *ConversationRecorder) OnParticipantLeft(conv platform.Conversation, p platform.Participant) {
	r.emit(newMessage(conv, transcript.ModalityConversationInfo, transcript.DirectionIncoming, senderOf(p), "Participant left."))
}

func (r *ConversationRecorder) OnPropertyChanged(conv platform.Conversation, name, value string) {
	r.emit(infoMessage(conv, transcript.ModalityConversationInfo, "Conversation property %s changed to %q.", name, value))
}

func (r *ConversationRecorder) OnEscalationRequested(conv platform.Conversation) {
	if r.lc.get() != StateActive {
		return
	}
	if err := r.session.OnEscalatedConferenceJoinRequested(conv); err != nil {
		r.logger.Warn("Escalation not followed", logging.Err(err))
	}
}
