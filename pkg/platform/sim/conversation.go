package sim

import (
	"fmt"
	"sync"

	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
)

// Conversation is a simulated conversation.
type Conversation struct {
	p       *Platform
	id      string
	subject string

	mu            sync.Mutex
	state         platform.ConversationState
	conferenceURI string
	participants  []platform.Participant
	conference    *Conference
	calls         []*Call
	observers     observers[platform.ConversationObserver]
	announced     bool
	failEscalate  error
	failTerminate error
	terminations  int
}

var _ platform.Conversation = (*Conversation)(nil)

func (c *Conversation) ID() string      { return c.id }
func (c *Conversation) Subject() string { return c.subject }

func (c *Conversation) ConferenceURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conferenceURI
}

func (c *Conversation) State() platform.ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conversation) Participants() []platform.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.Participant(nil), c.participants...)
}

func (c *Conversation) Conference() platform.ConferenceSession {
	return c.conference
}

// SimConference returns the simulated conference of the conversation.
func (c *Conversation) SimConference() *Conference {
	return c.conference
}

func (c *Conversation) NewCall(media platform.MediaType) platform.Call {
	return c.newCall(media, platform.Participant{}, true)
}

// Calls returns every call created in the conversation.
func (c *Conversation) Calls() []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Call(nil), c.calls...)
}

func (c *Conversation) newCall(media platform.MediaType, remote platform.Participant, outgoing bool) *Call {
	call := &Call{
		p:        c.p,
		id:       c.p.nextID("call"),
		media:    media,
		remote:   remote,
		outgoing: outgoing,
		conv:     c,
		state:    platform.CallIdle,
	}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	return call
}

// announce marks the conversation as seen by the handler and reports whether
// this is the first time.
func (c *Conversation) announce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := !c.announced
	c.announced = true
	return first
}

// FailEscalate makes the next Escalate complete with err.
func (c *Conversation) FailEscalate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failEscalate = err
}

// FailTerminate makes the next Terminate complete with err.
func (c *Conversation) FailTerminate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failTerminate = err
}

// Terminations returns how many times Terminate was called.
func (c *Conversation) Terminations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminations
}

func (c *Conversation) Escalate(done platform.Completion) {
	c.mu.Lock()
	err := c.failEscalate
	c.failEscalate = nil
	if err == nil && c.conference.URI() == "" {
		err = fmt.Errorf("operation failed: escalate: conversation %s has no conference", c.id)
	}
	c.mu.Unlock()

	if err == nil {
		c.mu.Lock()
		c.conferenceURI = c.conference.URI()
		c.mu.Unlock()
		c.setState(platform.ConversationConferenced)
	}
	done(err)
}

func (c *Conversation) attachConference(uri string) {
	c.mu.Lock()
	c.conferenceURI = uri
	c.mu.Unlock()
	c.setState(platform.ConversationConferenced)
}

func (c *Conversation) Terminate(done platform.Completion) {
	c.mu.Lock()
	c.terminations++
	err := c.failTerminate
	c.failTerminate = nil
	c.mu.Unlock()

	if err != nil {
		done(err)
		return
	}
	c.setState(platform.ConversationTerminating)
	c.setState(platform.ConversationTerminated)
	done(nil)
}

func (c *Conversation) Subscribe(o platform.ConversationObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.add(o)
}

func (c *Conversation) Unsubscribe(o platform.ConversationObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.remove(o)
}

// ObserverCount returns the number of subscribed observers.
func (c *Conversation) ObserverCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers.list)
}

// SetState moves the conversation to next and notifies observers.
func (c *Conversation) SetState(next platform.ConversationState) {
	c.setState(next)
}

func (c *Conversation) setState(next platform.ConversationState) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	obs := c.observers.snapshot()
	c.mu.Unlock()

	for _, o := range obs {
		o.OnConversationStateChanged(c, prev, next)
	}
}

// AddParticipant adds p and notifies observers.
func (c *Conversation) AddParticipant(p platform.Participant) {
	c.mu.Lock()
	c.participants = append(c.participants, p)
	obs := c.observers.snapshot()
	c.mu.Unlock()

	for _, o := range obs {
		o.OnParticipantJoined(c, p)
	}
}

// RemoveParticipant removes the participant with p's URI and notifies observers.
func (c *Conversation) RemoveParticipant(p platform.Participant) {
	c.mu.Lock()
	for i, existing := range c.participants {
		if existing.URI == p.URI {
			c.participants = append(c.participants[:i:i], c.participants[i+1:]...)
			break
		}
	}
	obs := c.observers.snapshot()
	c.mu.Unlock()

	for _, o := range obs {
		o.OnParticipantLeft(c, p)
	}
}

// SetProperty notifies observers of a property change.
func (c *Conversation) SetProperty(name, value string) {
	c.mu.Lock()
	obs := c.observers.snapshot()
	c.mu.Unlock()

	for _, o := range obs {
		o.OnPropertyChanged(c, name, value)
	}
}

// RequestEscalation simulates a remote party escalating the conversation
// into a conference.
func (c *Conversation) RequestEscalation() {
	c.mu.Lock()
	obs := c.observers.snapshot()
	c.mu.Unlock()

	for _, o := range obs {
		o.OnEscalationRequested(c)
	}
}

// callEnded terminates a conversation that never joined a conference once
// its last call has ended.
func (c *Conversation) callEnded() {
	c.mu.Lock()
	if c.state.IsTerminal() || c.conferenceURI != "" {
		c.mu.Unlock()
		return
	}
	for _, call := range c.calls {
		if call.conversationID() == c.id && !call.State().IsTerminal() && call.State() != platform.CallIdle {
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	c.setState(platform.ConversationTerminating)
	c.setState(platform.ConversationTerminated)
}
