// Package speech is the boundary of the speech recognition collaborator used
// by the audio/video recorder.
package speech

import "github.com/otherjamesbrown/penf-recorder/pkg/platform"

// Outcome classifies a recognition result.
type Outcome string

const (
	OutcomeRecognized Outcome = "recognized"
	OutcomeNoMatch    Outcome = "no_match"
	OutcomeFailed     Outcome = "failed"
)

// Result is one completed utterance or a recognition failure.
type Result struct {
	Outcome    Outcome
	Text       string
	Confidence float64
	Err        error
}

// Handler receives results. It may be called from any goroutine.
type Handler func(Result)

// Recognizer recognizes speech continuously on one media flow.
type Recognizer interface {
	// LoadGrammar prepares the recognizer and reports completion through done.
	LoadGrammar(done platform.Completion)
	// Start begins continuous recognition, delivering results to h.
	Start(h Handler) error
	// Stop ends recognition. It is safe to call more than once.
	Stop()
}

// Factory attaches recognizers to active flows.
type Factory interface {
	NewRecognizer(flow platform.Flow) (Recognizer, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(flow platform.Flow) (Recognizer, error)

func (f FactoryFunc) NewRecognizer(flow platform.Flow) (Recognizer, error) {
	return f(flow)
}

// Nop returns a factory whose recognizers load immediately and never report.
func Nop() Factory {
	return FactoryFunc(func(platform.Flow) (Recognizer, error) {
		return nopRecognizer{}, nil
	})
}

type nopRecognizer struct{}

func (nopRecognizer) LoadGrammar(done platform.Completion) { done(nil) }
func (nopRecognizer) Start(Handler) error                  { return nil }
func (nopRecognizer) Stop()                                {}
