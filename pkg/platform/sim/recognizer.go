package sim

import (
	"fmt"
	"sync"

	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/speech"
)

// SpeechFactory creates recognizers bound to simulated flows. Results are
// injected with Flow.Speak.
type SpeechFactory struct {
	mu          sync.Mutex
	failLoad    error
	recognizers []*Recognizer
}

var _ speech.Factory = (*SpeechFactory)(nil)

// NewSpeechFactory returns a factory for simulated recognizers.
func NewSpeechFactory() *SpeechFactory {
	return &SpeechFactory{}
}

// FailLoad makes grammar loading of the next recognizer fail with err.
func (f *SpeechFactory) FailLoad(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLoad = err
}

// Recognizers returns every recognizer created so far.
func (f *SpeechFactory) Recognizers() []*Recognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Recognizer(nil), f.recognizers...)
}

func (f *SpeechFactory) NewRecognizer(flow platform.Flow) (speech.Recognizer, error) {
	sf, ok := flow.(*Flow)
	if !ok {
		return nil, fmt.Errorf("flow %T is not a simulated flow", flow)
	}

	f.mu.Lock()
	r := &Recognizer{failLoad: f.failLoad}
	f.failLoad = nil
	f.recognizers = append(f.recognizers, r)
	f.mu.Unlock()

	sf.attach(r)
	return r, nil
}

// Recognizer is a simulated speech recognizer.
type Recognizer struct {
	mu       sync.Mutex
	failLoad error
	handler  speech.Handler
	started  bool
	stopped  bool
}

var _ speech.Recognizer = (*Recognizer)(nil)

func (r *Recognizer) LoadGrammar(done platform.Completion) {
	r.mu.Lock()
	err := r.failLoad
	r.mu.Unlock()
	done(err)
}

func (r *Recognizer) Start(h speech.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return fmt.Errorf("recognizer stopped")
	}
	r.handler = h
	r.started = true
	return nil
}

func (r *Recognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.handler = nil
}

// Running reports whether the recognizer is started and not stopped.
func (r *Recognizer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.stopped
}

func (r *Recognizer) deliver(res speech.Result) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(res)
	}
}
