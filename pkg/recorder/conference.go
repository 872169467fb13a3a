package recorder

import (
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// ConferenceRecorder records the conference a session's conversation joined,
// either by accepting an invitation or by escalating the conversation.
type ConferenceRecorder struct {
	session *Session
	conv    platform.Conversation
	conf    platform.ConferenceSession
	// inviteURI is the conference an invitation pointed at. It is empty on
	// the escalation path.
	inviteURI string
	logger    logging.Logger
	lc        lifecycle
}

var (
	_ MediaRecorder               = (*ConferenceRecorder)(nil)
	_ platform.ConferenceObserver = (*ConferenceRecorder)(nil)
)

func newConferenceRecorder(s *Session, conv platform.Conversation, inviteURI string) *ConferenceRecorder {
	return &ConferenceRecorder{
		session:   s,
		conv:      conv,
		conf:      conv.Conference(),
		inviteURI: inviteURI,
		logger:    s.logger.With(logging.F("recorder_type", string(TypeConference))),
	}
}

func (r *ConferenceRecorder) Type() Type   { return TypeConference }
func (r *ConferenceRecorder) State() State { return r.lc.get() }

// URI returns the joined conference, or "" before the join completes.
func (r *ConferenceRecorder) URI() string { return r.conf.URI() }

// Invited reports whether the conference was joined from an invitation.
func (r *ConferenceRecorder) Invited() bool { return r.inviteURI != "" }

// join starts the join handshake. On the escalation path an ad hoc conference
// is joined first and the conversation is then escalated into it.
func (r *ConferenceRecorder) join() {
	if r.Invited() {
		r.guard("join conference", func() { r.conf.Join(r.inviteURI, r.completion("join conference", r.joined)) })
		return
	}

	r.guard("join ad hoc conference", func() {
		r.conf.Join("", r.completion("join ad hoc conference", func() {
			r.guard("escalate conversation", func() {
				r.conv.Escalate(r.completion("escalate conversation", r.joined))
			})
		}))
	})
}

func (r *ConferenceRecorder) guard(op string, fn func()) {
	if err := platform.Guard(op, fn); err != nil {
		r.fail(op, err)
	}
}

// completion reports a failed step and otherwise continues with next.
func (r *ConferenceRecorder) completion(op string, next func()) platform.Completion {
	return func(err error) {
		if err != nil {
			r.fail(op, err)
			return
		}
		if r.lc.get() == StateTerminated {
			return
		}
		next()
	}
}

func (r *ConferenceRecorder) fail(op string, err error) {
	r.session.ReportError(op, err)
	r.Shutdown()
}

func (r *ConferenceRecorder) joined() {
	if !r.lc.activate() {
		return
	}
	r.conf.Subscribe(r)
	if r.lc.get() == StateTerminated {
		r.conf.Unsubscribe(r)
		return
	}
	r.logger.Info("Conference joined", logging.F("conference_uri", r.URI()))
	r.session.OnConferenceJoined(r)
}

func (r *ConferenceRecorder) Shutdown() {
	if !r.lc.terminate() {
		return
	}
	r.conf.Unsubscribe(r)
	r.logger.Debug("Conference recorder terminated")
	r.session.OnMediaTranscriptRecorderTerminated(r)
}

func (r *ConferenceRecorder) emit(m transcript.Message) {
	if r.lc.get() == StateTerminated {
		return
	}
	r.session.OnMessageReceived(m)
}

func (r *ConferenceRecorder) OnConferenceStateChanged(conf platform.ConferenceSession, prev, next platform.ConferenceState) {
	r.emit(infoMessage(r.conv, transcript.ModalityConferenceInfo, "%s", stateChange("Conference", prev, next, "")))
	if next == platform.ConferenceDisconnected {
		r.Shutdown()
	}
}

func (r *ConferenceRecorder) OnRosterChanged(conf platform.ConferenceSession, p platform.Participant, joined bool) {
	content := "Participant left the conference."
	if joined {
		content = "Participant joined the conference."
	}
	r.emit(newMessage(r.conv, transcript.ModalityConferenceInfo, transcript.DirectionIncoming, senderOf(p), content))
}

func (r *ConferenceRecorder) OnConferencePropertyChanged(conf platform.ConferenceSession, name, value string) {
	r.emit(infoMessage(r.conv, transcript.ModalityConferenceInfo, "Conference property %s changed to %q.", name, value))
}
