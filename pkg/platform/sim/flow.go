package sim

import (
	"sync"

	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/speech"
)

// Flow is the simulated media flow of a call.
type Flow struct {
	id   string
	call *Call

	mu          sync.Mutex
	state       platform.FlowState
	observers   observers[platform.FlowObserver]
	recognizers []*Recognizer
}

var _ platform.Flow = (*Flow)(nil)

func (f *Flow) ID() string { return f.id }

func (f *Flow) State() platform.FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) Subscribe(o platform.FlowObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers.add(o)
}

func (f *Flow) Unsubscribe(o platform.FlowObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers.remove(o)
}

// SetState moves the flow to next and notifies observers.
func (f *Flow) SetState(next platform.FlowState) {
	f.mu.Lock()
	prev := f.state
	if prev == next {
		f.mu.Unlock()
		return
	}
	f.state = next
	obs := f.observers.snapshot()
	f.mu.Unlock()

	for _, o := range obs {
		o.OnFlowStateChanged(f, prev, next)
	}
}

// Receive delivers inbound instant message text from a participant.
func (f *Flow) Receive(from platform.Participant, text string) {
	f.mu.Lock()
	obs := f.observers.snapshot()
	f.mu.Unlock()

	for _, o := range obs {
		o.OnMessageReceived(f, from, text)
	}
}

// Speak delivers a recognition result to every started recognizer attached
// to the flow.
func (f *Flow) Speak(res speech.Result) {
	f.mu.Lock()
	recs := append([]*Recognizer(nil), f.recognizers...)
	f.mu.Unlock()

	for _, r := range recs {
		r.deliver(res)
	}
}

func (f *Flow) attach(r *Recognizer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recognizers = append(f.recognizers, r)
}
