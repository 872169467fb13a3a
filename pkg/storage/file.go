package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// TranscriptExt is the file extension of exported transcripts.
const TranscriptExt = ".transcript"

// FileWriter writes each transcript to <dir>/<session-id>.transcript in the
// export format.
type FileWriter struct {
	dir string
}

// NewFileWriter creates the directory if needed and returns a writer into it.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating transcript dir: %w", err)
	}
	return &FileWriter{dir: dir}, nil
}

// Path returns the file a session's transcript is written to.
func (w *FileWriter) Path(sessionID string) string {
	return filepath.Join(w.dir, sessionID+TranscriptExt)
}

// Write stores rec atomically by writing a temporary file and renaming it.
func (w *FileWriter) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.SessionID == "" || strings.ContainsAny(rec.SessionID, `/\`) {
		return fmt.Errorf("invalid session id %q", rec.SessionID)
	}

	tmp, err := os.CreateTemp(w.dir, "."+rec.SessionID+"-*")
	if err != nil {
		return fmt.Errorf("creating transcript file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(rec.Transcript); err != nil {
		tmp.Close()
		return fmt.Errorf("writing transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing transcript: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.Path(rec.SessionID)); err != nil {
		return fmt.Errorf("renaming transcript: %w", err)
	}
	return nil
}

// ReadFile parses an exported transcript file.
func ReadFile(path string) ([]transcript.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msgs []transcript.Message
	for i, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := transcript.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
