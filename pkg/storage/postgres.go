package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var messageColumns = []string{
	"session_id", "seq", "modality", "direction",
	"sender_display_name", "sender_alias", "sender_uri",
	"conversation_id", "conference_uri", "sent_at", "content",
}

// Summary is one row of the transcript listing.
type Summary struct {
	SessionID      string
	ConversationID string
	ConferenceURI  string
	Reason         Reason
	StartedAt      time.Time
	EndedAt        time.Time
	MessageCount   int
	ContentHash    string
}

// ListOptions filters List.
type ListOptions struct {
	Limit          int
	ConversationID string
	Since          time.Time
}

// PostgresStore persists transcripts in PostgreSQL.
type PostgresStore struct {
	db     DB
	logger logging.Logger
}

// NewPostgresStore creates a store on db, normally a *pgxpool.Pool.
func NewPostgresStore(db DB, logger logging.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger.With(logging.F("component", "transcript_store")),
	}
}

// Write stores one transcript. Writing the same session twice keeps the first.
func (s *PostgresStore) Write(ctx context.Context, rec Record) error {
	return s.WriteBatch(ctx, []Record{rec})
}

// WriteBatch stores several transcripts in one transaction.
func (s *PostgresStore) WriteBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO recorder_transcripts (
			session_id, conversation_id, conference_uri, reason,
			started_at, ended_at, message_count, content_hash,
			transcript, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, NOW()
		)
		ON CONFLICT (session_id) DO NOTHING
	`

	for _, rec := range recs {
		tag, err := tx.Exec(ctx, query,
			rec.SessionID,
			rec.ConversationID,
			nullable(rec.ConferenceURI),
			string(rec.Reason),
			rec.StartedAt,
			rec.EndedAt,
			len(rec.Messages),
			rec.ContentHash(),
			rec.Transcript,
		)
		if err != nil {
			s.logger.Error("Failed to store transcript",
				logging.Err(err),
				logging.F("session_id", rec.SessionID))
			return fmt.Errorf("failed to store transcript %s: %w", rec.SessionID, err)
		}
		if tag.RowsAffected() == 0 {
			s.logger.Warn("Transcript already stored",
				logging.F("session_id", rec.SessionID))
			continue
		}

		if len(rec.Messages) > 0 {
			_, err = tx.CopyFrom(ctx,
				pgx.Identifier{"recorder_transcript_messages"},
				messageColumns,
				pgx.CopyFromRows(messageRows(rec)),
			)
			if err != nil {
				return fmt.Errorf("failed to store messages of %s: %w", rec.SessionID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transcripts: %w", err)
	}

	s.logger.Debug("Transcripts stored", logging.F("count", len(recs)))
	return nil
}

// messageRows lays out the messages of rec in messageColumns order.
func messageRows(rec Record) [][]any {
	rows := make([][]any, 0, len(rec.Messages))
	for i, m := range rec.Messages {
		sender := m.Sender()
		rows = append(rows, []any{
			rec.SessionID,
			i,
			string(m.Modality()),
			string(m.Direction()),
			nullable(sender.DisplayName),
			nullable(sender.Alias),
			nullable(sender.URI),
			nullable(m.ConversationID()),
			nullable(m.ConferenceURI()),
			m.Timestamp(),
			m.Content(),
		})
	}
	return rows
}

// List returns stored transcripts, newest first.
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT session_id, conversation_id, COALESCE(conference_uri, ''), reason,
			started_at, ended_at, message_count, content_hash
		FROM recorder_transcripts
		WHERE ($1 = '' OR conversation_id = $1)
		  AND ($2::timestamptz IS NULL OR ended_at >= $2)
		ORDER BY ended_at DESC
		LIMIT $3
	`

	var since *time.Time
	if !opts.Since.IsZero() {
		since = &opts.Since
	}

	rows, err := s.db.Query(ctx, query, opts.ConversationID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var reason string
		if err := rows.Scan(
			&sum.SessionID,
			&sum.ConversationID,
			&sum.ConferenceURI,
			&reason,
			&sum.StartedAt,
			&sum.EndedAt,
			&sum.MessageCount,
			&sum.ContentHash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		sum.Reason = Reason(reason)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	return out, nil
}

// Get loads one transcript with its messages.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	rec := &Record{SessionID: sessionID}
	var conferenceURI *string
	var reason string
	err := s.db.QueryRow(ctx, `
		SELECT conversation_id, conference_uri, reason, started_at, ended_at, transcript
		FROM recorder_transcripts
		WHERE session_id = $1
	`, sessionID).Scan(
		&rec.ConversationID,
		&conferenceURI,
		&reason,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.Transcript,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transcript %s: %w", sessionID, rerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	rec.Reason = Reason(reason)
	if conferenceURI != nil {
		rec.ConferenceURI = *conferenceURI
	}

	rows, err := s.db.Query(ctx, `
		SELECT modality, direction,
			COALESCE(sender_display_name, ''), COALESCE(sender_alias, ''), COALESCE(sender_uri, ''),
			COALESCE(conversation_id, ''), COALESCE(conference_uri, ''), sent_at, content
		FROM recorder_transcript_messages
		WHERE session_id = $1
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r transcript.Record
		var modality, direction string
		if err := rows.Scan(
			&modality,
			&direction,
			&r.Sender.DisplayName,
			&r.Sender.Alias,
			&r.Sender.URI,
			&r.ConversationID,
			&r.ConferenceURI,
			&r.Timestamp,
			&r.Content,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		r.Modality = transcript.Modality(modality)
		r.Direction = transcript.Direction(direction)
		rec.Messages = append(rec.Messages, r.Message())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get transcript messages: %w", err)
	}
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
