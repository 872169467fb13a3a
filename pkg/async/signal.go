// Package async bridges the platform's callback-style operations back into
// blocking call paths.
//
// A Signal carries the result of one asynchronous operation. It admits at most
// one outstanding waiter and must be Reset before it is reused for the next
// operation; completions left over from an earlier use are ignored.
package async

import (
	"context"
	"sync"

	rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
)

// Signal is a resettable one-shot completion.
type Signal struct {
	mu         sync.Mutex
	done       chan struct{}
	err        error
	fired      bool
	waiting    bool
	consumed   bool
	generation uint64
}

// NewSignal returns an armed signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Completion returns the callback that fires the signal for its current use.
// Calling it more than once, or after the signal was reset, has no effect.
func (s *Signal) Completion() func(error) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	return func(err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.generation || s.fired {
			return
		}
		s.fired = true
		s.err = err
		close(s.done)
	}
}

// Fired reports whether the current use has completed.
func (s *Signal) Fired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Wait blocks until the signal fires or ctx is done and returns the error the
// operation completed with. It returns ErrWaiterPending if another goroutine is
// already waiting and ErrInvalidState if the result was already consumed and
// the signal was not reset since.
func (s *Signal) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.waiting {
		s.mu.Unlock()
		return rerrors.ErrWaiterPending
	}
	if s.consumed {
		s.mu.Unlock()
		return rerrors.ErrInvalidState
	}
	s.waiting = true
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = false
	if !s.fired {
		return ctx.Err()
	}
	s.consumed = true
	return s.err
}

// Reset re-arms the signal for another operation. It fails with
// ErrWaiterPending while a waiter is outstanding.
func (s *Signal) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiting {
		return rerrors.ErrWaiterPending
	}
	s.generation++
	s.done = make(chan struct{})
	s.err = nil
	s.fired = false
	s.consumed = false
	return nil
}

// Await resets sig, starts the operation with its completion and waits for it.
func Await(ctx context.Context, sig *Signal, start func(complete func(error))) error {
	if err := sig.Reset(); err != nil {
		return err
	}
	start(sig.Completion())
	return sig.Wait(ctx)
}
