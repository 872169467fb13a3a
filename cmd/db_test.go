package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-recorder/config"
	"github.com/otherjamesbrown/penf-recorder/pkg/db"
)

// TestDbCommand tests the parent db command structure.
func TestDbCommand(t *testing.T) {
	cmd := NewDbCommand(nil)

	assert.Equal(t, "db", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)
	assert.Contains(t, cmd.Aliases, "migrations")
}

// TestDbCommand_HasSubcommands verifies the db command has migrate and status subcommands.
func TestDbCommand_HasSubcommands(t *testing.T) {
	cmd := NewDbCommand(nil)

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Use] = true
	}
	assert.True(t, names["migrate"], "db command should have 'migrate' subcommand")
	assert.True(t, names["status"], "db command should have 'status' subcommand")
}

// TestDbMigrateCommand_Flags verifies the migrate subcommand has expected flags.
func TestDbMigrateCommand_Flags(t *testing.T) {
	cmd := NewDbCommand(nil)

	migrateCmd, _, err := cmd.Find([]string{"migrate"})
	require.NoError(t, err)

	for name, typ := range map[string]string{"dry-run": "bool", "target": "string", "yes": "bool"} {
		f := migrateCmd.Flags().Lookup(name)
		require.NotNil(t, f, "migrate command should have --%s", name)
		assert.Equal(t, typ, f.Value.Type())
		assert.NotEmpty(t, f.Usage)
	}
	assert.NotEmpty(t, migrateCmd.Example)
}

func TestDbStatusCommand_OutputFlag(t *testing.T) {
	cmd := NewDbCommand(nil)

	statusCmd, _, err := cmd.Find([]string{"status"})
	require.NoError(t, err)

	f := statusCmd.Flags().Lookup("output")
	require.NotNil(t, f)
	assert.Equal(t, "o", f.Shorthand)
}

func TestRunDbStatus_ConnectError(t *testing.T) {
	deps := &DbCommandDeps{
		LoadConfig: func() (*config.RecorderConfig, error) { return config.DefaultConfig(), nil },
		ConnectToDB: func(context.Context, *config.RecorderConfig) (*pgxpool.Pool, error) {
			return nil, errors.New("connection refused")
		},
	}

	err := runDbStatus(context.Background(), deps, &bytes.Buffer{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to database")
}

func TestRunDbStatus_InvalidOutput(t *testing.T) {
	deps := &DbCommandDeps{
		LoadConfig: func() (*config.RecorderConfig, error) { return config.DefaultConfig(), nil },
		ConnectToDB: func(context.Context, *config.RecorderConfig) (*pgxpool.Pool, error) {
			t.Fatal("should not connect with an invalid output format")
			return nil, nil
		},
	}

	err := runDbStatus(context.Background(), deps, &bytes.Buffer{}, "xml")
	assert.ErrorContains(t, err, "invalid output format")
}

func TestRunDbMigrate_ConfigError(t *testing.T) {
	deps := &DbCommandDeps{
		LoadConfig: func() (*config.RecorderConfig, error) { return nil, errors.New("bad yaml") },
	}

	err := runDbMigrate(context.Background(), deps, nil, &bytes.Buffer{}, false, "", true)
	assert.ErrorContains(t, err, "loading configuration")
}

func TestConnectToDatabase_Disabled(t *testing.T) {
	_, err := connectToDatabase(context.Background(), config.DefaultConfig())
	assert.ErrorContains(t, err, "disabled")
}

func TestOutputMigrationStatusText(t *testing.T) {
	at := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	status := &db.MigrationStatus{
		Applied: []db.MigrationStatusEntry{{Version: "001", Name: "001_transcripts.sql", AppliedAt: &at}},
		Pending: []db.MigrationStatusEntry{{Version: "002", Name: "002_session_audit.sql"}},
		Drift:   []db.MigrationStatusEntry{{Version: "000", Name: "000.sql", AppliedAt: &at}},
	}

	var out bytes.Buffer
	require.NoError(t, outputMigrationStatusText(&out, status))

	s := out.String()
	assert.Contains(t, s, "Applied Migrations (1)")
	assert.Contains(t, s, "2026-10-01 09:00:00")
	assert.Contains(t, s, "Pending Migrations (1)")
	assert.Contains(t, s, "Summary: 1 applied, 1 pending, 1 drift")
}

func TestOutputMigrationStatusText_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, outputMigrationStatusText(&out, &db.MigrationStatus{}))
	assert.Equal(t, "No migrations found.\n", out.String())
}
