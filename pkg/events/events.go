// Package events publishes recorder session lifecycle events.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Redis channels
const (
	ChannelSessionEvents    = "events.recorder.session"
	TranscriptChannelPrefix = "transcripts."
)

// Event types
const (
	TypeSessionStarted           = "session.started"
	TypeSessionPromoted          = "session.promoted"
	TypeSessionPromotionConflict = "session.promotion_conflict"
	TypeSessionTerminated        = "session.terminated"
)

// TranscriptChannel returns the channel carrying a session's transcript lines.
func TranscriptChannel(sessionID string) string {
	return TranscriptChannelPrefix + sessionID
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

// NewBaseEvent creates a BaseEvent with sensible defaults.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "penf-recorder",
		Version:   "1.0",
	}
}

// SessionEvent describes a change in a recording session's lifecycle.
type SessionEvent struct {
	BaseEvent

	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	ConferenceURI  string `json:"conference_uri,omitempty"`
	State          string `json:"state"`

	MessageCount    int      `json:"message_count"`
	Participants    []string `json:"participants,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
}

// Listener receives session events.
type Listener interface {
	OnSessionEvent(ctx context.Context, ev SessionEvent) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev SessionEvent) error

func (f ListenerFunc) OnSessionEvent(ctx context.Context, ev SessionEvent) error {
	return f(ctx, ev)
}

// Listeners fans an event out to every listener and joins their errors.
type Listeners []Listener

func (ls Listeners) OnSessionEvent(ctx context.Context, ev SessionEvent) error {
	var errs []error
	for _, l := range ls {
		if l == nil {
			continue
		}
		if err := l.OnSessionEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
