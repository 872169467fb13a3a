package transcript

import (
	"io"
	"strings"
	"sync"
)

// Log is the ordered, append-only message sequence of one session. Insertion
// order is transcript order; nothing is reordered or deduplicated.
type Log struct {
	mu       sync.RWMutex
	messages []Message
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds m at the end of the log and returns its position.
func (l *Log) Append(m Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, m)
	return len(l.messages) - 1
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Messages returns a copy of the messages in append order.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Format renders the whole log in the export format, one message per line.
func (l *Log) Format() string {
	var b strings.Builder
	_, _ = l.WriteTo(&b)
	return b.String()
}

// WriteTo writes the export format of every message to w.
func (l *Log) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, m := range l.Messages() {
		n, err := io.WriteString(w, m.Format()+"\n")
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
