// Package transcript holds the recorded messages of a session and their
// export format.
package transcript

import (
	"time"

	"golang.org/x/text/unicode/norm"
)

// Modality classifies what a message records.
type Modality string

const (
	ModalityAudioVideo       Modality = "AudioVideo"
	ModalityInstantMessage   Modality = "InstantMessage"
	ModalityConversationInfo Modality = "ConversationInfo"
	ModalityConferenceInfo   Modality = "ConferenceInfo"
	ModalityError            Modality = "Error"
	ModalityInfo             Modality = "Info"
)

// IsValid reports whether m is a known modality.
func (m Modality) IsValid() bool {
	switch m {
	case ModalityAudioVideo, ModalityInstantMessage, ModalityConversationInfo,
		ModalityConferenceInfo, ModalityError, ModalityInfo:
		return true
	}
	return false
}

// Direction is the flow of a message relative to the recorder.
type Direction string

const (
	DirectionIncoming Direction = "Incoming"
	DirectionOutgoing Direction = "Outgoing"
)

// Sender identifies who produced a message. The zero value means no sender.
type Sender struct {
	DisplayName string `json:"display_name,omitempty"`
	Alias       string `json:"alias,omitempty"`
	URI         string `json:"uri,omitempty"`
}

// IsZero reports whether the sender is unset.
func (s Sender) IsZero() bool {
	return s.DisplayName == "" && s.Alias == "" && s.URI == ""
}

// MessageParams carries the fields of a new Message.
type MessageParams struct {
	Content        string
	Sender         Sender
	Timestamp      time.Time
	ConversationID string
	ConferenceURI  string
	Modality       Modality
	Direction      Direction
}

// Message is one recorded event. It cannot be changed after construction.
type Message struct {
	content        string
	sender         Sender
	timestamp      time.Time
	conversationID string
	conferenceURI  string
	modality       Modality
	direction      Direction
}

// NewMessage builds a Message. A zero timestamp is replaced with the current
// time, an empty modality with Info and an empty direction with Incoming.
func NewMessage(p MessageParams) Message {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	if p.Modality == "" {
		p.Modality = ModalityInfo
	}
	if p.Direction == "" {
		p.Direction = DirectionIncoming
	}
	p.Sender.DisplayName = norm.NFC.String(p.Sender.DisplayName)
	p.Sender.Alias = norm.NFC.String(p.Sender.Alias)

	return Message{
		content:        p.Content,
		sender:         p.Sender,
		timestamp:      p.Timestamp,
		conversationID: p.ConversationID,
		conferenceURI:  p.ConferenceURI,
		modality:       p.Modality,
		direction:      p.Direction,
	}
}

func (m Message) Content() string        { return m.content }
func (m Message) Sender() Sender         { return m.sender }
func (m Message) Timestamp() time.Time   { return m.timestamp }
func (m Message) ConversationID() string { return m.conversationID }
func (m Message) ConferenceURI() string  { return m.conferenceURI }
func (m Message) Modality() Modality     { return m.modality }
func (m Message) Direction() Direction   { return m.direction }

// Record is the serialisable view of a Message used by storage and events.
type Record struct {
	Content        string    `json:"content"`
	Sender         Sender    `json:"sender"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ConferenceURI  string    `json:"conference_uri,omitempty"`
	Modality       Modality  `json:"modality"`
	Direction      Direction `json:"direction"`
}

// Record returns the serialisable view of m.
func (m Message) Record() Record {
	return Record{
		Content:        m.content,
		Sender:         m.sender,
		Timestamp:      m.timestamp,
		ConversationID: m.conversationID,
		ConferenceURI:  m.conferenceURI,
		Modality:       m.modality,
		Direction:      m.direction,
	}
}

// Message rebuilds an immutable Message from a record.
func (r Record) Message() Message {
	return NewMessage(MessageParams(r))
}
