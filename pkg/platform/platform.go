// Package platform defines the boundary of the real-time communications
// platform the recorder attaches to.
//
// Every asynchronous operation takes a Completion that the platform invokes
// exactly once, from any goroutine, with nil on success or a failure that
// errors.ClassifyPlatformError can map to a code. Observer callbacks may be
// delivered concurrently and in no particular order across handles.
package platform

import (
	"context"
	"fmt"

	rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
)

// Completion receives the outcome of an asynchronous platform operation.
type Completion func(err error)

// Participant is a remote or local endpoint of a conversation.
type Participant struct {
	DisplayName string `yaml:"display_name" json:"display_name"`
	Alias       string `yaml:"alias" json:"alias"`
	URI         string `yaml:"uri" json:"uri"`
}

// MediaType is the modality of a call.
type MediaType string

const (
	MediaAudioVideo       MediaType = "audio-video"
	MediaInstantMessaging MediaType = "instant-messaging"
)

// CallState is the lifecycle state of a call.
type CallState string

const (
	CallIdle         CallState = "Idle"
	CallIncoming     CallState = "Incoming"
	CallEstablishing CallState = "Establishing"
	CallEstablished  CallState = "Established"
	CallTerminating  CallState = "Terminating"
	CallTerminated   CallState = "Terminated"
)

// IsTerminal reports whether the call is going away.
func (s CallState) IsTerminal() bool {
	return s == CallTerminating || s == CallTerminated
}

// FlowState is the state of the media flow of an established call.
type FlowState string

const (
	FlowIdle       FlowState = "Idle"
	FlowActive     FlowState = "Active"
	FlowTerminated FlowState = "Terminated"
)

// ConversationState is the lifecycle state of a conversation.
type ConversationState string

const (
	ConversationIdle        ConversationState = "Idle"
	ConversationEstablished ConversationState = "Established"
	ConversationConferenced ConversationState = "Conferenced"
	ConversationTerminating ConversationState = "Terminating"
	ConversationTerminated  ConversationState = "Terminated"
)

// IsTerminal reports whether the conversation is going away.
func (s ConversationState) IsTerminal() bool {
	return s == ConversationTerminating || s == ConversationTerminated
}

// ConferenceState is the state of a conference session.
type ConferenceState string

const (
	ConferenceIdle          ConferenceState = "Idle"
	ConferenceConnecting    ConferenceState = "Connecting"
	ConferenceConnected     ConferenceState = "Connected"
	ConferenceDisconnecting ConferenceState = "Disconnecting"
	ConferenceDisconnected  ConferenceState = "Disconnected"
)

// Conversation bridges the participants of one interaction and may gain a
// conference.
type Conversation interface {
	ID() string
	Subject() string
	// ConferenceURI is empty until the conversation has joined a conference.
	ConferenceURI() string
	State() ConversationState
	Participants() []Participant
	Conference() ConferenceSession
	// NewCall creates an outgoing call of the given media in this conversation.
	NewCall(media MediaType) Call
	Escalate(done Completion)
	Terminate(done Completion)
	Subscribe(o ConversationObserver)
	Unsubscribe(o ConversationObserver)
}

// ConversationObserver receives conversation events.
type ConversationObserver interface {
	OnConversationStateChanged(conv Conversation, prev, next ConversationState)
	OnParticipantJoined(conv Conversation, p Participant)
	OnParticipantLeft(conv Conversation, p Participant)
	OnPropertyChanged(conv Conversation, name, value string)
	// OnEscalationRequested fires when a remote party escalates the
	// conversation into a conference.
	OnEscalationRequested(conv Conversation)
}

// Call is one media leg of a conversation.
type Call interface {
	ID() string
	Media() MediaType
	Conversation() Conversation
	Remote() Participant
	State() CallState
	// Flow is nil until media has been negotiated.
	Flow() Flow
	Accept(done Completion)
	Establish(done Completion)
	Terminate(done Completion)
	Subscribe(o CallObserver)
	Unsubscribe(o CallObserver)
}

// CallObserver receives call events.
type CallObserver interface {
	OnCallStateChanged(call Call, prev, next CallState, reason string)
	OnFlowConfigured(call Call, flow Flow)
	// OnConversationChanged fires when the platform moves the call into a
	// different conversation context, for example a sub-conversation created
	// during escalation, and again when it moves back.
	OnConversationChanged(call Call, prev, next Conversation)
}

// Flow is the negotiated media of a call.
type Flow interface {
	ID() string
	State() FlowState
	Subscribe(o FlowObserver)
	Unsubscribe(o FlowObserver)
}

// FlowObserver receives flow events.
type FlowObserver interface {
	OnFlowStateChanged(flow Flow, prev, next FlowState)
	// OnMessageReceived delivers inbound text on an instant messaging flow.
	OnMessageReceived(flow Flow, from Participant, text string)
}

// ConferenceSession is the conference side of a conversation.
type ConferenceSession interface {
	URI() string
	State() ConferenceState
	Modalities() []MediaType
	Participants() []Participant
	// Join joins the conference at uri. An empty uri creates an ad hoc
	// conference, used before escalating a conversation.
	Join(uri string, done Completion)
	Subscribe(o ConferenceObserver)
	Unsubscribe(o ConferenceObserver)
}

// ConferenceObserver receives conference events.
type ConferenceObserver interface {
	OnConferenceStateChanged(conf ConferenceSession, prev, next ConferenceState)
	OnRosterChanged(conf ConferenceSession, p Participant, joined bool)
	OnConferencePropertyChanged(conf ConferenceSession, name, value string)
}

// ConferenceInvitation is an inbound invitation to join a conference.
type ConferenceInvitation interface {
	ID() string
	Conversation() Conversation
	ConferenceURI() string
	Inviter() Participant
	Accept(done Completion)
}

// CallReceived describes an inbound call.
type CallReceived struct {
	Call Call
	// NewConversation is set when the call starts a conversation the
	// platform has not seen before.
	NewConversation bool
	// ConferenceDialOut is set when the call arrives for a conference the
	// platform is dialing out to.
	ConferenceDialOut bool
}

// Handler receives inbound platform events.
type Handler interface {
	OnCallReceived(ev CallReceived) error
	OnConferenceInvitationReceived(inv ConferenceInvitation) error
}

// Platform is a connection to the communications platform.
type Platform interface {
	// Start registers h and begins delivering inbound events.
	Start(ctx context.Context, h Handler) error
	// Shutdown releases the platform connection.
	Shutdown(done Completion)
}

// Guard runs fn and converts a panic raised by collaborator code into a
// realtime PlatformError.
func Guard(op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &rerrors.PlatformError{
				Code:    rerrors.CodeRealTime,
				Op:      op,
				Message: fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	fn()
	return nil
}
