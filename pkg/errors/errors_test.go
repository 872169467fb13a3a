package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"direct match", ErrNotFound, true},
		{"wrapped once", fmt.Errorf("lookup session: %w", ErrNotFound), true},
		{"wrapped twice", fmt.Errorf("manager: %w", fmt.Errorf("index: %w", ErrNotFound)), true},
		{"different error", ErrAlreadyExists, false},
		{"nil error", nil, false},
		{"unrelated error", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNotSupported(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"direct match", ErrNotSupported, true},
		{"wrapped", fmt.Errorf("conference dial-out: %w", ErrNotSupported), true},
		{"different error", ErrInvalidState, false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotSupported(tt.err); got != tt.want {
				t.Errorf("IsNotSupported() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSentinelHelpers(t *testing.T) {
	tests := []struct {
		name  string
		check func(error) bool
		match error
	}{
		{"already exists", IsAlreadyExists, ErrAlreadyExists},
		{"invalid state", IsInvalidState, ErrInvalidState},
		{"session terminated", IsSessionTerminated, ErrSessionTerminated},
		{"shutdown", IsShutdown, ErrShutdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(fmt.Errorf("wrapped: %w", tt.match)) {
				t.Errorf("expected wrapped %v to match", tt.match)
			}
			if tt.check(ErrNotFound) {
				t.Errorf("expected ErrNotFound not to match")
			}
			if tt.check(nil) {
				t.Errorf("expected nil not to match")
			}
		})
	}
}

func TestSentinelErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrNotFound, "not found"},
		{ErrNotSupported, "not yet supported"},
		{ErrSessionTerminated, "session terminated"},
		{ErrWaiterPending, "signal already has a waiter"},
	}

	for _, tt := range tests {
		if tt.err.Error() != tt.want {
			t.Errorf("got %q, want %q", tt.err.Error(), tt.want)
		}
	}
}
