// Package audit keeps an append-only trail of recorder session events in
// PostgreSQL.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/otherjamesbrown/penf-recorder/pkg/events"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
)

// DB is the subset of *sql.DB used by the audit client.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PingContext(ctx context.Context) error
	Close() error
}

// Entry is one row of the audit trail.
type Entry struct {
	ID             int64     `json:"id"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	ConferenceURI  string    `json:"conference_uri,omitempty"`
	State          string    `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	MessageCount   int       `json:"message_count"`
	Participants   []string  `json:"participants,omitempty"`
	Hostname       string    `json:"hostname,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Client writes session events to the recorder_session_audit table.
type Client struct {
	db       DB
	hostname string
	logger   logging.Logger
}

var _ events.Listener = (*Client)(nil)

// Open connects to the audit database using the lib/pq driver.
func Open(dsn string, logger logging.Logger) (*Client, error) {
	if dsn == "" {
		return nil, fmt.Errorf("audit database not configured")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Audit writes are small and infrequent.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewClient(db, logger), nil
}

// NewClient wraps an existing connection.
func NewClient(db DB, logger logging.Logger) *Client {
	hostname, _ := os.Hostname()
	return &Client{
		db:       db,
		hostname: hostname,
		logger:   logger.With(logging.Component("audit")),
	}
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

const insertEntry = `
	INSERT INTO recorder_session_audit
		(event_id, event_type, session_id, conversation_id, conference_uri,
		 state, reason, message_count, participants, hostname, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (event_id) DO NOTHING`

// OnSessionEvent appends ev to the audit trail.
func (c *Client) OnSessionEvent(ctx context.Context, ev events.SessionEvent) error {
	_, err := c.db.ExecContext(ctx, insertEntry,
		ev.EventID,
		ev.EventType,
		ev.SessionID,
		ev.ConversationID,
		nullIfEmpty(ev.ConferenceURI),
		ev.State,
		nullIfEmpty(truncate(ev.Reason, 500)),
		ev.MessageCount,
		pq.Array(ev.Participants),
		nullIfEmpty(c.hostname),
		ev.Timestamp,
	)
	if err != nil {
		c.logger.Warn("Audit write failed",
			logging.Err(err),
			logging.F("event_type", ev.EventType),
			logging.F("session_id", ev.SessionID))
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return nil
}

// List returns the audit trail of a session, oldest first. An empty
// sessionID lists the most recent entries across all sessions.
func (c *Client) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, event_id, event_type, session_id, conversation_id,
		       COALESCE(conference_uri, ''), state, COALESCE(reason, ''),
		       message_count, participants, COALESCE(hostname, ''), created_at
		FROM recorder_session_audit
		WHERE ($1 = '' OR session_id = $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit trail: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.EventType, &e.SessionID, &e.ConversationID,
			&e.ConferenceURI, &e.State, &e.Reason,
			&e.MessageCount, pq.Array(&e.Participants), &e.Hostname, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit trail: %w", err)
	}

	return entries, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
