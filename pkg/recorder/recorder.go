// Package recorder follows conversations on the communications platform and
// records their transcripts.
//
// A Manager routes inbound calls and conference invitations to Sessions. A
// Session owns the tree of media recorders attached to one conversation: a
// ConversationRecorder at the root, call recorders for each modality, a
// ConferenceRecorder once the conversation joins a conference, and further
// ConversationRecorders for sub-conversations calls are moved into. Recorders
// turn platform events into transcript messages and report their own
// termination to the Session, which decides when the whole session ends.
//
// Platform callbacks arrive on arbitrary goroutines. Locks are never held
// while calling into the platform, a recorder or the manager; the manager
// takes its conversation lock before its conference lock, and both before a
// session's lock.
package recorder

import (
	"sync/atomic"

	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// Type identifies a media recorder variant.
type Type string

const (
	TypeAudioVideo     Type = "AudioVideo"
	TypeInstantMessage Type = "InstantMessage"
	TypeConversation   Type = "Conversation"
	TypeConference     Type = "Conference"
)

// typeForMedia maps a call's media to the recorder variant handling it.
func typeForMedia(m platform.MediaType) (Type, bool) {
	switch m {
	case platform.MediaAudioVideo:
		return TypeAudioVideo, true
	case platform.MediaInstantMessaging:
		return TypeInstantMessage, true
	}
	return "", false
}

// modality is the transcript modality of messages a recorder type emits.
func (t Type) modality() transcript.Modality {
	switch t {
	case TypeAudioVideo:
		return transcript.ModalityAudioVideo
	case TypeInstantMessage:
		return transcript.ModalityInstantMessage
	case TypeConference:
		return transcript.ModalityConferenceInfo
	}
	return transcript.ModalityConversationInfo
}

// State is the lifecycle state of a recorder or session.
type State int32

const (
	StateInitialized State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateActive:
		return "Active"
	case StateTerminated:
		return "Terminated"
	}
	return "Unknown"
}

// MediaRecorder is the capability set shared by every recorder variant.
type MediaRecorder interface {
	Type() Type
	State() State
	// Shutdown unsubscribes from the platform, releases the handle the
	// recorder owns and reports the termination to the session. Repeated
	// calls are no-ops.
	Shutdown()
}

// lifecycle moves Initialized -> Active -> Terminated and never backwards.
type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) get() State {
	return State(l.state.Load())
}

// activate reports whether this call moved the state from Initialized to Active.
func (l *lifecycle) activate() bool {
	return l.state.CompareAndSwap(int32(StateInitialized), int32(StateActive))
}

// terminate reports whether this call moved the state to Terminated.
func (l *lifecycle) terminate() bool {
	for {
		cur := l.state.Load()
		if State(cur) == StateTerminated {
			return false
		}
		if l.state.CompareAndSwap(cur, int32(StateTerminated)) {
			return true
		}
	}
}
