package sim

import (
	"fmt"
	"sync"

	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
)

// Conference is the simulated conference session of a conversation.
type Conference struct {
	conv *Conversation

	mu           sync.Mutex
	uri          string
	state        platform.ConferenceState
	modalities   []platform.MediaType
	participants []platform.Participant
	observers    observers[platform.ConferenceObserver]
	failJoin     error
}

var _ platform.ConferenceSession = (*Conference)(nil)

func (c *Conference) URI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uri
}

func (c *Conference) State() platform.ConferenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conference) Modalities() []platform.MediaType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.MediaType(nil), c.modalities...)
}

// SetModalities sets the media types the conference offers.
func (c *Conference) SetModalities(m ...platform.MediaType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modalities = append([]platform.MediaType(nil), m...)
}

func (c *Conference) Participants() []platform.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.Participant(nil), c.participants...)
}

// FailJoin makes the next Join complete with err.
func (c *Conference) FailJoin(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failJoin = err
}

func (c *Conference) Join(uri string, done platform.Completion) {
	invited := uri != ""

	c.mu.Lock()
	err := c.failJoin
	c.failJoin = nil
	if err == nil {
		if uri == "" {
			uri = fmt.Sprintf("sip:%s@conference.sim;gruu;opaque=app:conf:focus:id:%s", c.conv.id, c.conv.p.nextID("adhoc"))
		}
		c.uri = uri
	}
	c.mu.Unlock()

	if err != nil {
		done(err)
		return
	}
	c.SetState(platform.ConferenceConnecting)
	c.SetState(platform.ConferenceConnected)
	if invited {
		// An ad hoc conference is attached by Escalate instead.
		c.conv.attachConference(uri)
	}
	done(nil)
}

func (c *Conference) Subscribe(o platform.ConferenceObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.add(o)
}

func (c *Conference) Unsubscribe(o platform.ConferenceObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.remove(o)
}

// ObserverCount returns the number of subscribed observers.
func (c *Conference) ObserverCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers.list)
}

// SetState moves the conference to next and notifies observers.
func (c *Conference) SetState(next platform.ConferenceState) {
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
		o.OnConferenceStateChanged(c, prev, next)
	}
}

// Disconnect ends the conference session.
func (c *Conference) Disconnect() {
	c.SetState(platform.ConferenceDisconnecting)
	c.SetState(platform.ConferenceDisconnected)
}

// Roster adds or removes a participant and notifies observers.
func (c *Conference) Roster(p platform.Participant, joined bool) {
	c.mu.Lock()
	if joined {
		c.participants = append(c.participants, p)
	} else {
		for i, existing := range c.participants {
			if existing.URI == p.URI {
				c.participants = append(c.participants[:i:i], c.participants[i+1:]...)
				break
			}
		}
	}
	obs := c.observers.snapshot()
	c.mu.Unlock()

	for _, o := range obs {
		o.OnRosterChanged(c, p, joined)
	}
}

// SetProperty notifies observers of a conference property change.
func (c *Conference) SetProperty(name, value string) {
	c.mu.Lock()
	obs := c.observers.snapshot()
	c.mu.Unlock()

	for _, o := range obs {
		o.OnConferencePropertyChanged(c, name, value)
	}
}
