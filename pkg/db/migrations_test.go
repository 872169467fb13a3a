package db

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "with .sql suffix", input: "001_test.sql", expected: "001_test"},
		{name: "with .SQL suffix (uppercase)", input: "002_test.SQL", expected: "002_test"},
		{name: "without .sql suffix", input: "003_test", expected: "003_test"},
		{name: "empty string", input: "", expected: ""},
		{name: "just .sql", input: ".sql", expected: ".sql"},
		{name: "mixed case .Sql", input: "004_test.Sql", expected: "004_test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeVersion(tt.input))
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := findMigrations(Migrations())
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, "001_transcripts", migrations[0].Version)
	assert.Equal(t, "002_session_audit", migrations[1].Version)

	schema, err := fs.ReadFile(Migrations(), migrations[0].Name)
	require.NoError(t, err)
	for _, table := range []string{"recorder_transcripts", "recorder_transcript_messages"} {
		assert.Contains(t, string(schema), "CREATE TABLE IF NOT EXISTS "+table)
	}
	for _, col := range []string{"sender_display_name", "sent_at", "content_hash"} {
		assert.Contains(t, string(schema), col)
	}

	audit, err := fs.ReadFile(Migrations(), migrations[1].Name)
	require.NoError(t, err)
	assert.Contains(t, string(audit), "recorder_session_audit")
	assert.Contains(t, string(audit), "event_id        TEXT NOT NULL UNIQUE")
}

func TestFindMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"003_third.sql":  {Data: []byte("SELECT 3;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"002_second.SQL": {Data: []byte("SELECT 2;")},
		"README.md":      {Data: []byte("docs")},
		"nested/004.sql": {Data: []byte("SELECT 4;")},
	}

	migrations, err := findMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	assert.Equal(t, "001_first", migrations[0].Version)
	assert.Equal(t, "001_first.sql", migrations[0].Name)
	assert.Equal(t, "002_second", migrations[1].Version)
	assert.Equal(t, "003_third", migrations[2].Version)
}

func TestFindMigrations_Empty(t *testing.T) {
	migrations, err := findMigrations(fstest.MapFS{})
	require.NoError(t, err)
	assert.Empty(t, migrations)
}

func TestUpTo(t *testing.T) {
	all := []Migration{{Version: "001_a"}, {Version: "002_b"}, {Version: "003_c"}}

	got, err := upTo(all, "")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = upTo(all, "002_b.sql")
	require.NoError(t, err)
	assert.Equal(t, []Migration{{Version: "001_a"}, {Version: "002_b"}}, got)

	_, err = upTo(all, "999_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestBuildStatus(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	migrations := []Migration{
		{Version: "001_a", Name: "001_a.sql"},
		{Version: "002_b", Name: "002_b.sql"},
	}
	applied := map[string]time.Time{
		"001_a":   at,
		"000_old": at,
	}

	status := buildStatus(migrations, applied)

	require.Len(t, status.Applied, 1)
	assert.Equal(t, "001_a", status.Applied[0].Version)
	assert.Equal(t, at, *status.Applied[0].AppliedAt)

	require.Len(t, status.Pending, 1)
	assert.Equal(t, "002_b", status.Pending[0].Version)
	assert.Nil(t, status.Pending[0].AppliedAt)

	require.Len(t, status.Drift, 1)
	assert.Equal(t, "000_old.sql", status.Drift[0].Name)
}

func TestMigrations_NilPool(t *testing.T) {
	ctx := context.Background()

	_, err := RunMigrations(ctx, nil, Migrations())
	assert.EqualError(t, err, "pool is nil")

	_, err = RunMigrationsToTarget(ctx, nil, Migrations(), "001_transcripts")
	assert.EqualError(t, err, "pool is nil")

	_, err = GetMigrationStatus(ctx, nil, Migrations())
	assert.EqualError(t, err, "pool is nil")
}

// TestRunMigrations_Integration applies the embedded schema twice against
// RECORDER_DB_TEST_URL.
func TestRunMigrations_Integration(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	first, err := RunMigrations(ctx, pool, Migrations())
	require.NoError(t, err)

	second, err := RunMigrations(ctx, pool, Migrations())
	require.NoError(t, err)
	assert.Empty(t, second.Applied)
	assert.Len(t, second.Skipped, len(first.Applied)+len(first.Skipped))

	status, err := GetMigrationStatus(ctx, pool, Migrations())
	require.NoError(t, err)
	assert.Empty(t, status.Pending)
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("RECORDER_DB_TEST_URL")
	if dbURL == "" || testing.Short() {
		t.Skip("RECORDER_DB_TEST_URL not set")
	}
	if !strings.HasPrefix(dbURL, "postgres") {
		t.Fatalf("RECORDER_DB_TEST_URL must be a postgres:// URL")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(context.Background()))
	return pool
}
