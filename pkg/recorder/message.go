package recorder

import (
	"fmt"

	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

func senderOf(p platform.Participant) transcript.Sender {
	return transcript.Sender{DisplayName: p.DisplayName, Alias: p.Alias, URI: p.URI}
}

// newMessage builds a message correlated with conv. A nil conv leaves the
// correlation fields empty.
func newMessage(conv platform.Conversation, modality transcript.Modality, dir transcript.Direction, sender transcript.Sender, content string) transcript.Message {
	p := transcript.MessageParams{
		Content:   content,
		Sender:    sender,
		Modality:  modality,
		Direction: dir,
	}
	if conv != nil {
		p.ConversationID = conv.ID()
		p.ConferenceURI = conv.ConferenceURI()
	}
	return transcript.NewMessage(p)
}

// infoMessage is an incoming message without a sender.
func infoMessage(conv platform.Conversation, modality transcript.Modality, format string, args ...any) transcript.Message {
	return newMessage(conv, modality, transcript.DirectionIncoming, transcript.Sender{}, fmt.Sprintf(format, args...))
}

func startedContent(trigger Type) string {
	return fmt.Sprintf("%s Conversation/Conference Started.", trigger)
}

func stateChange(subject string, prev, next any, reason string) string {
	if reason != "" {
		return fmt.Sprintf("%s state changed from %v to %v (%s).", subject, prev, next, reason)
	}
	return fmt.Sprintf("%s state changed from %v to %v.", subject, prev, next)
}
