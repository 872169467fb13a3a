// Package storage persists finished session transcripts.
//
// The recorder hands every terminated session to a Writer exactly once. Writers
// are composed: an AsyncWriter buffers records in front of slow backends, a
// MultiWriter fans out to several, and FileWriter and PostgresStore are the
// durable backends.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// Reason records why a transcript was persisted.
type Reason string

const (
	// ReasonSessionTerminated is used when the session ended on its own.
	ReasonSessionTerminated Reason = "session_terminated"
	// ReasonManagerShutdown is used for sessions still active at process shutdown.
	ReasonManagerShutdown Reason = "manager_shutdown"
)

// Record is the finished transcript of one session.
type Record struct {
	SessionID      string
	ConversationID string
	ConferenceURI  string
	Reason         Reason
	StartedAt      time.Time
	EndedAt        time.Time
	Messages       []transcript.Message
	// Transcript is the export format of Messages, one message per line.
	Transcript string
}

// ContentHash returns the hex blake2b-256 digest of the formatted transcript.
func (r Record) ContentHash() string {
	sum := blake2b.Sum256([]byte(r.Transcript))
	return hex.EncodeToString(sum[:])
}

// Writer persists transcripts.
type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// BatchWriter is implemented by backends that store several records at once.
type BatchWriter interface {
	WriteBatch(ctx context.Context, recs []Record) error
}

// Flusher is implemented by writers that buffer.
type Flusher interface {
	Flush(ctx context.Context) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, rec Record) error

func (f WriterFunc) Write(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// Discard drops every record.
var Discard Writer = WriterFunc(func(context.Context, Record) error { return nil })

// MultiWriter writes each record to every writer and joins their errors.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter returns a writer fanning out to writers. Nil entries are skipped.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	mw := &MultiWriter{}
	for _, w := range writers {
		if w != nil {
			mw.writers = append(mw.writers, w)
		}
	}
	return mw
}

func (mw *MultiWriter) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush flushes every writer that buffers.
func (mw *MultiWriter) Flush(ctx context.Context) error {
	var errs []error
	for _, w := range mw.writers {
		if f, ok := w.(Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
