package sim

import (
	"sync"

	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
)

// Call is a simulated call.
type Call struct {
	p        *Platform
	id       string
	media    platform.MediaType
	remote   platform.Participant
	outgoing bool

	mu            sync.Mutex
	conv          *Conversation
	state         platform.CallState
	flow          *Flow
	observers     observers[platform.CallObserver]
	failAccept    error
	failEstablish error
	failTerminate error
	holdTerminate chan struct{}
	terminations  int
}

var _ platform.Call = (*Call)(nil)

func (c *Call) ID() string                   { return c.id }
func (c *Call) Media() platform.MediaType    { return c.media }
func (c *Call) Remote() platform.Participant { return c.remote }
func (c *Call) Outgoing() bool               { return c.outgoing }

func (c *Call) Conversation() platform.Conversation {
	return c.simConversation()
}

func (c *Call) simConversation() *Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

func (c *Call) conversationID() string {
	return c.simConversation().id
}

func (c *Call) State() platform.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) Flow() platform.Flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flow == nil {
		return nil
	}
	return c.flow
}

// SimFlow returns the simulated flow, or nil before media is configured.
func (c *Call) SimFlow() *Flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flow
}

// FailAccept makes the next Accept complete with err.
func (c *Call) FailAccept(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAccept = err
}

// FailEstablish makes the next Establish complete with err.
func (c *Call) FailEstablish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failEstablish = err
}

// FailTerminate makes the next Terminate complete with err. The call stays in
// its current state.
func (c *Call) FailTerminate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failTerminate = err
}

// HoldTerminate makes the next Terminate block, before the call changes
// state, until release is called.
func (c *Call) HoldTerminate() (release func()) {
	hold := make(chan struct{})
	c.mu.Lock()
	c.holdTerminate = hold
	c.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

// Terminations returns how many times Terminate was called.
func (c *Call) Terminations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminations
}

func (c *Call) Accept(done platform.Completion) {
	c.mu.Lock()
	err := c.failAccept
	c.failAccept = nil
	c.mu.Unlock()
	c.connect(err, done)
}

func (c *Call) Establish(done platform.Completion) {
	c.mu.Lock()
	err := c.failEstablish
	c.failEstablish = nil
	c.mu.Unlock()
	c.connect(err, done)
}

// connect moves the call to Established, completes the operation and then
// brings up an active media flow.
func (c *Call) connect(err error, done platform.Completion) {
	if err != nil {
		done(err)
		return
	}
	c.SetState(platform.CallEstablishing, "")
	c.SetState(platform.CallEstablished, "")
	c.simConversation().setState(platform.ConversationEstablished)
	done(nil)

	flow := c.configureFlow()
	flow.SetState(platform.FlowActive)
}

func (c *Call) configureFlow() *Flow {
	c.mu.Lock()
	if c.flow != nil {
		f := c.flow
		c.mu.Unlock()
		return f
	}
	f := &Flow{id: c.p.nextID("flow"), call: c, state: platform.FlowIdle}
	c.flow = f
	obs := c.observers.snapshot()
	c.mu.Unlock()

	for _, o := range obs {
		o.OnFlowConfigured(c, f)
	}
	return f
}

// Renegotiate replaces the call's media flow with a new active one. The old
// flow keeps its state.
func (c *Call) Renegotiate() *Flow {
	f := &Flow{id: c.p.nextID("flow"), call: c, state: platform.FlowIdle}
	c.mu.Lock()
	c.flow = f
	obs := c.observers.snapshot()
	c.mu.Unlock()

	for _, o := range obs {
		o.OnFlowConfigured(c, f)
	}
	f.SetState(platform.FlowActive)
	return f
}

func (c *Call) Terminate(done platform.Completion) {
	c.mu.Lock()
	c.terminations++
	err := c.failTerminate
	c.failTerminate = nil
	hold := c.holdTerminate
	c.holdTerminate = nil
	c.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if err != nil {
		done(err)
		return
	}
	c.SetState(platform.CallTerminating, "local")
	c.SetState(platform.CallTerminated, "local")
	done(nil)
}

func (c *Call) Subscribe(o platform.CallObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.add(o)
}

func (c *Call) Unsubscribe(o platform.CallObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.remove(o)
}

// ObserverCount returns the number of subscribed observers.
func (c *Call) ObserverCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers.list)
}

func (c *Call) setStateQuiet(s platform.CallState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// SetState moves the call to next and notifies observers. When a call ends,
// its flow terminates and a conversation left without live calls ends too.
func (c *Call) SetState(next platform.CallState, reason string) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	obs := c.observers.snapshot()
	flow := c.flow
	conv := c.conv
	c.mu.Unlock()

	for _, o := range obs {
		o.OnCallStateChanged(c, prev, next, reason)
	}
	if next == platform.CallTerminated {
		if flow != nil {
			flow.SetState(platform.FlowTerminated)
		}
		conv.callEnded()
	}
}

// MoveTo transfers the call into another conversation context and notifies
// observers.
func (c *Call) MoveTo(next *Conversation) {
	c.mu.Lock()
	prev := c.conv
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.conv = next
	obs := c.observers.snapshot()
	c.mu.Unlock()

	next.mu.Lock()
	next.calls = append(next.calls, c)
	next.mu.Unlock()
	next.announce()

	for _, o := range obs {
		o.OnConversationChanged(c, prev, next)
	}
}
