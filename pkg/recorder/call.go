package recorder

import (
	"sync"

	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// callHandle is implemented by the recorders that own a call.
type callHandle interface {
	MediaRecorder
	platform.CallObserver
	platform.FlowObserver
	Call() platform.Call
	conversationID() string
	start(outgoing bool)
}

// callRecorder holds what the audio/video and instant messaging recorders
// share: the call, its flow and the conversation context it currently
// lives in.
type callRecorder struct {
	session *Session
	typ     Type
	call    platform.Call
	logger  logging.Logger
	lc      lifecycle

	// self is the variant embedding this callRecorder. It is what gets
	// subscribed, so the variant's flow handlers receive flow events.
	self callHandle
	// stopMedia releases variant resources bound to the flow, on shutdown
	// and when the flow is replaced.
	stopMedia func()

	mu   sync.Mutex
	flow platform.Flow
	conv platform.Conversation
}

func (c *callRecorder) init(s *Session, typ Type, call platform.Call, self callHandle) {
	c.session = s
	c.typ = typ
	c.call = call
	c.conv = call.Conversation()
	c.self = self
	c.logger = s.logger.With(
		logging.F("recorder_type", string(typ)),
		logging.F("call_id", call.ID()),
	)
}

func (c *callRecorder) Type() Type   { return c.typ }
func (c *callRecorder) State() State { return c.lc.get() }

// Call returns the call being recorded.
func (c *callRecorder) Call() platform.Call { return c.call }

func (c *callRecorder) conversation() platform.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

func (c *callRecorder) conversationID() string {
	return c.conversation().ID()
}

// start subscribes to the call and accepts it, or establishes it when the
// recorder placed the call itself.
func (c *callRecorder) start(outgoing bool) {
	c.call.Subscribe(c.self)
	if c.lc.get() == StateTerminated {
		c.call.Unsubscribe(c.self)
		return
	}

	op := "accept call"
	if outgoing {
		op = "establish call"
	}
	done := func(err error) {
		if err != nil {
			c.session.ReportError(op, err)
			c.self.Shutdown()
			return
		}
		c.lc.activate()
	}

	err := platform.Guard(op, func() {
		if outgoing {
			c.call.Establish(done)
		} else {
			c.call.Accept(done)
		}
	})
	if err != nil {
		c.session.ReportError(op, err)
		c.self.Shutdown()
	}
}

func (c *callRecorder) emit(m transcript.Message) {
	if c.lc.get() == StateTerminated {
		return
	}
	c.session.OnMessageReceived(m)
}

func (c *callRecorder) info(format string, args ...any) {
	c.emit(infoMessage(c.conversation(), c.typ.modality(), format, args...))
}

func (c *callRecorder) OnCallStateChanged(call platform.Call, prev, next platform.CallState, reason string) {
	c.info("%s", stateChange("Call", prev, next, reason))

	switch {
	case next == platform.CallEstablished:
		c.lc.activate()
	case next.IsTerminal():
		c.self.Shutdown()
	}
}

func (c *callRecorder) OnFlowConfigured(call platform.Call, flow platform.Flow) {
	c.mu.Lock()
	old := c.flow
	c.flow = flow
	c.mu.Unlock()

	if old != nil && old != flow {
		old.Unsubscribe(c.self)
		if c.stopMedia != nil {
			c.stopMedia()
		}
	}

	flow.Subscribe(c.self)
	if c.lc.get() == StateTerminated {
		flow.Unsubscribe(c.self)
		return
	}
	c.info("Media flow %s configured.", flow.ID())
}

func (c *callRecorder) OnConversationChanged(call platform.Call, prev, next platform.Conversation) {
	if next == nil || (prev != nil && prev.ID() == next.ID()) {
		return
	}

	c.mu.Lock()
	c.conv = next
	c.mu.Unlock()

	if c.lc.get() == StateTerminated {
		return
	}
	if next.ID() == c.session.PrimaryConversationID() {
		c.session.OnSubConversationRemoved(prev, c.self)
		return
	}
	c.session.OnSubConversationAdded(next, c.self)
}

// logFlowState records a flow transition.
func (c *callRecorder) logFlowState(prev, next platform.FlowState) {
	c.info("%s", stateChange("Media flow", prev, next, ""))
}

func (c *callRecorder) Shutdown() {
	if !c.lc.terminate() {
		return
	}

	c.call.Unsubscribe(c.self)
	c.mu.Lock()
	flow := c.flow
	c.mu.Unlock()
	if flow != nil {
		flow.Unsubscribe(c.self)
	}
	if c.stopMedia != nil {
		c.stopMedia()
	}

	if st := c.call.State(); !st.IsTerminal() && st != platform.CallIdle {
		done := func(err error) {
			if err != nil {
				c.session.ReportError("terminate call", err)
			}
		}
		if err := platform.Guard("terminate call", func() { c.call.Terminate(done) }); err != nil {
			c.session.ReportError("terminate call", err)
		}
	}

	c.logger.Debug("Call recorder terminated")
	c.session.OnMediaTranscriptRecorderTerminated(c.self)
}
