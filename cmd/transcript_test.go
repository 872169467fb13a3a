package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-recorder/config"
	rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
	"github.com/otherjamesbrown/penf-recorder/pkg/storage"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

var sentAt = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

func sampleMessages() []transcript.Message {
	alice := transcript.Sender{DisplayName: "Alice Example", Alias: "alice", URI: "sip:alice@example.com"}
	return []transcript.Message{
		transcript.NewMessage(transcript.MessageParams{
			Content: "InstantMessage Conversation/Conference Started.", Timestamp: sentAt,
			ConversationID: "C1", Modality: transcript.ModalityConversationInfo, Direction: transcript.DirectionIncoming,
		}),
		transcript.NewMessage(transcript.MessageParams{
			Content: "morning all", Sender: alice, Timestamp: sentAt.Add(time.Second),
			ConversationID: "C1", Modality: transcript.ModalityInstantMessage, Direction: transcript.DirectionIncoming,
		}),
	}
}

type fakeStore struct {
	summaries []storage.Summary
	records   map[string]*storage.Record
	lastList  storage.ListOptions
	released  bool
}

func (f *fakeStore) List(_ context.Context, opts storage.ListOptions) ([]storage.Summary, error) {
	f.lastList = opts
	return f.summaries, nil
}

func (f *fakeStore) Get(_ context.Context, sessionID string) (*storage.Record, error) {
	rec, ok := f.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("transcript %s: %w", sessionID, rerrors.ErrNotFound)
	}
	return rec, nil
}

func transcriptDeps(store *fakeStore) *TranscriptCommandDeps {
	return &TranscriptCommandDeps{
		LoadConfig: func() (*config.RecorderConfig, error) { return config.DefaultConfig(), nil },
		OpenStore: func(context.Context, *config.RecorderConfig) (TranscriptStore, func(), error) {
			return store, func() { store.released = true }, nil
		},
	}
}

func TestTranscriptCommand_Structure(t *testing.T) {
	cmd := NewTranscriptCommand(nil)

	assert.Equal(t, "transcript", cmd.Use)
	for _, name := range []string{"list", "show"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.NotEmpty(t, sub.Short)
	}
}

func TestTranscriptList_Table(t *testing.T) {
	store := &fakeStore{summaries: []storage.Summary{{
		SessionID:      "s-1",
		ConversationID: "C1",
		Reason:         storage.ReasonSessionTerminated,
		StartedAt:      sentAt,
		EndedAt:        sentAt.Add(90 * time.Second),
		MessageCount:   4,
	}}}

	var out bytes.Buffer
	err := runTranscriptList(context.Background(), transcriptDeps(store), &out,
		transcriptListOptions{limit: 10, conversation: "C1", since: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, 10, store.lastList.Limit)
	assert.Equal(t, "C1", store.lastList.ConversationID)
	assert.False(t, store.lastList.Since.IsZero())
	assert.True(t, store.released)

	s := out.String()
	assert.Contains(t, s, "SESSION")
	assert.Contains(t, s, "s-1")
	assert.Contains(t, s, "1m30s")
	assert.Contains(t, s, "session_terminated")
}

func TestTranscriptList_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runTranscriptList(context.Background(), transcriptDeps(&fakeStore{}), &out, transcriptListOptions{}))
	assert.Equal(t, "No transcripts found.\n", out.String())
}

func TestTranscriptShow_FromStore(t *testing.T) {
	store := &fakeStore{records: map[string]*storage.Record{
		"s-1": {SessionID: "s-1", Messages: sampleMessages()},
	}}

	var out bytes.Buffer
	err := runTranscriptShow(context.Background(), transcriptDeps(store), &out, "s-1", transcriptShowOptions{})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "Alice Example")
	assert.Contains(t, lines[1], "morning all")
}

func TestTranscriptShow_NotFound(t *testing.T) {
	err := runTranscriptShow(context.Background(), transcriptDeps(&fakeStore{}), &bytes.Buffer{}, "missing", transcriptShowOptions{})
	assert.True(t, rerrors.IsNotFound(err))
}

func TestTranscriptShow_FileRawAndFiltered(t *testing.T) {
	msgs := sampleMessages()
	var data strings.Builder
	for _, m := range msgs {
		data.WriteString(m.Format())
		data.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "s-1"+storage.TranscriptExt)
	require.NoError(t, os.WriteFile(path, []byte(data.String()), 0o600))

	deps := transcriptDeps(&fakeStore{})

	var raw bytes.Buffer
	require.NoError(t, runTranscriptShow(context.Background(), deps, &raw, "", transcriptShowOptions{file: path, raw: true}))
	assert.Equal(t, data.String(), raw.String())

	var js bytes.Buffer
	require.NoError(t, runTranscriptShow(context.Background(), deps, &js, "",
		transcriptShowOptions{file: path, output: "json", modality: string(transcript.ModalityInstantMessage)}))
	var records []transcript.Record
	require.NoError(t, json.Unmarshal(js.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "morning all", records[0].Content)
	assert.Equal(t, "sip:alice@example.com", records[0].Sender.URI)
}

func TestTranscriptShow_ArgumentErrors(t *testing.T) {
	deps := transcriptDeps(&fakeStore{})

	err := runTranscriptShow(context.Background(), deps, &bytes.Buffer{}, "", transcriptShowOptions{})
	assert.ErrorContains(t, err, "either a session id or --file")

	err = runTranscriptShow(context.Background(), deps, &bytes.Buffer{}, "s-1", transcriptShowOptions{file: "x"})
	assert.ErrorContains(t, err, "either a session id or --file")

	err = runTranscriptShow(context.Background(), deps, &bytes.Buffer{}, "s-1", transcriptShowOptions{modality: "Video"})
	assert.ErrorContains(t, err, "unknown modality")
}
