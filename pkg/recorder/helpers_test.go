package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-recorder/pkg/events"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform/sim"
	"github.com/otherjamesbrown/penf-recorder/pkg/storage"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

var (
	alice = platform.Participant{DisplayName: "Alice Example", Alias: "alice", URI: "sip:alice@example.com"}
	bob   = platform.Participant{DisplayName: "Bob Example", Alias: "bob", URI: "sip:bob@example.com"}
)

type memWriter struct {
	mu      sync.Mutex
	records []storage.Record
	err     error
}

func (w *memWriter) Write(_ context.Context, rec storage.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
	return w.err
}

func (w *memWriter) Records() []storage.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]storage.Record(nil), w.records...)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.SessionEvent
}

func (l *eventLog) OnSessionEvent(_ context.Context, ev events.SessionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) Count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	platform *sim.Platform
	speech   *sim.SpeechFactory
	writer   *memWriter
	events   *eventLog
	manager  *Manager
}

func newHarness(t *testing.T, cfg ManagerConfig) *harness {
	t.Helper()
	h := &harness{
		platform: sim.New(),
		speech:   sim.NewSpeechFactory(),
		writer:   &memWriter{},
		events:   &eventLog{},
	}
	m, err := NewManager(cfg, Options{
		Platform: h.platform,
		Writer:   h.writer,
		Speech:   h.speech,
		Listener: h.events,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	h.manager = m

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return h
}

// keepAlive disables idle shutdown so tests can inspect state after the
// last session ended.
func keepAlive() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.ShutdownWhenIdle = false
	return cfg
}

func (h *harness) session(t *testing.T, conversationID string) *Session {
	t.Helper()
	s, ok := h.manager.Lookup(conversationID)
	require.True(t, ok, "no session for %s", conversationID)
	return s
}

func recordersOf[T MediaRecorder](s *Session) []T {
	var out []T
	for _, r := range s.Recorders() {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func contents(msgs []transcript.Message, modality transcript.Modality) []string {
	var out []string
	for _, m := range msgs {
		if m.Modality() == modality {
			out = append(out, m.Content())
		}
	}
	return out
}

// requireTree checks that every recorder but the root sits in exactly one
// child bucket.
func requireTree(t *testing.T, s *Session) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	for r := range s.recorders {
		if r == MediaRecorder(s.primaryRecorder) {
			continue
		}
		n := 0
		for _, bucket := range s.children {
			if _, ok := bucket[r]; ok {
				n++
			}
		}
		require.Equal(t, 1, n, "%s recorder is in %d buckets", r.Type(), n)
	}
}
