package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-recorder/config"
	"github.com/otherjamesbrown/penf-recorder/pkg/db"
)

// DbCommandDeps holds the dependencies for database commands.
type DbCommandDeps struct {
	LoadConfig  func() (*config.RecorderConfig, error)
	ConnectToDB func(context.Context, *config.RecorderConfig) (*pgxpool.Pool, error)
}

// DefaultDbDeps returns the default dependencies for production use.
func DefaultDbDeps() *DbCommandDeps {
	return &DbCommandDeps{
		LoadConfig:  config.LoadConfig,
		ConnectToDB: connectToDatabase,
	}
}

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand(deps *DbCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDbDeps()
	}

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Transcript database management commands",
		Long: `Manage the schema of the transcript database.

The recorder's migrations are compiled into the binary and tracked in the
schema_migrations table. The database section of the configuration (or the
RECORDER_DB_* environment variables) selects the database.

Examples:
  # Show migration status
  penf-recorder db status

  # Apply all pending migrations
  penf-recorder db migrate --yes

  # Preview migrations without applying
  penf-recorder db migrate --dry-run`,
		Aliases: []string{"database", "migrations"},
	}

	cmd.AddCommand(newDbMigrateCommand(deps))
	cmd.AddCommand(newDbStatusCommand(deps))

	return cmd
}

func newDbMigrateCommand(deps *DbCommandDeps) *cobra.Command {
	var (
		dryRun bool
		target string
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending transcript database migrations.

Pending migrations are listed before anything is applied. Each migration runs
in its own transaction; a failure stops the run and keeps earlier ones.`,
		Example: `  penf-recorder db migrate
  penf-recorder db migrate --dry-run
  penf-recorder db migrate --target 002 --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbMigrate(cmd.Context(), deps, cmd.InOrStdin(), cmd.OutOrStdout(), dryRun, target, yes)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be applied without executing")
	cmd.Flags().StringVarP(&target, "target", "t", "", "Target version to migrate to (e.g., 002)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Apply without asking for confirmation")

	return cmd
}

func newDbStatusCommand(deps *DbCommandDeps) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show database migration status",
		Long: `Show applied and pending migrations, and drift: versions recorded in
schema_migrations that this binary no longer ships.`,
		Example: `  penf-recorder db status
  penf-recorder db status --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbStatus(cmd.Context(), deps, cmd.OutOrStdout(), output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")

	return cmd
}

func runDbMigrate(ctx context.Context, deps *DbCommandDeps, in io.Reader, out io.Writer, dryRun bool, target string, yes bool) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := deps.ConnectToDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close(pool)

	status, err := db.GetMigrationStatus(ctx, pool, db.Migrations())
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	if len(status.Pending) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}

	fmt.Fprintf(out, "Pending migrations (%d):\n", len(status.Pending))
	for _, m := range status.Pending {
		fmt.Fprintf(out, "  %s - %s\n", m.Version, m.Name)
	}
	fmt.Fprintln(out)

	if dryRun {
		fmt.Fprintln(out, "Dry run mode: no migrations applied.")
		return nil
	}

	if !yes {
		fmt.Fprint(out, "Apply these migrations? (y/N): ")
		response, _ := bufio.NewReader(in).ReadString('\n')
		if strings.ToLower(strings.TrimSpace(response)) != "y" {
			fmt.Fprintln(out, "Migration cancelled.")
			return nil
		}
	}

	result, err := db.RunMigrationsToTarget(ctx, pool, db.Migrations(), target)
	if err != nil {
		fmt.Fprintf(out, "\nMigration failed: %v\n", err)
		if result != nil && len(result.Applied) > 0 {
			fmt.Fprintln(out, "\nApplied before failure:")
			for _, v := range result.Applied {
				fmt.Fprintf(out, "  ✓ %s\n", v)
			}
		}
		return err
	}

	for _, v := range result.Applied {
		fmt.Fprintf(out, "  ✓ %s\n", v)
	}
	fmt.Fprintf(out, "Applied %d migration(s).\n", len(result.Applied))
	return nil
}

func runDbStatus(ctx context.Context, deps *DbCommandDeps, out io.Writer, output string) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	format, err := resolveFormat(cfg, output)
	if err != nil {
		return err
	}

	pool, err := deps.ConnectToDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close(pool)

	status, err := db.GetMigrationStatus(ctx, pool, db.Migrations())
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	if done, err := writeStructured(out, format, status); done {
		return err
	}
	return outputMigrationStatusText(out, status)
}

// outputMigrationStatusText formats migration status for terminal display.
func outputMigrationStatusText(out io.Writer, status *db.MigrationStatus) error {
	section := func(title string, entries []db.MigrationStatusEntry) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(out, "%s (%d):\n", title, len(entries))
		fmt.Fprintln(out, "  VERSION    NAME                              APPLIED")
		for _, m := range entries {
			appliedAt := "-"
			if m.AppliedAt != nil {
				appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "  %-10s %-33s %s\n", truncate(m.Version, 10), truncate(m.Name, 33), appliedAt)
		}
		fmt.Fprintln(out)
	}

	section("Applied Migrations", status.Applied)
	section("Pending Migrations", status.Pending)
	section("Drift - applied but not shipped", status.Drift)

	if len(status.Applied) == 0 && len(status.Pending) == 0 && len(status.Drift) == 0 {
		fmt.Fprintln(out, "No migrations found.")
		return nil
	}

	fmt.Fprintf(out, "Summary: %d applied, %d pending", len(status.Applied), len(status.Pending))
	if len(status.Drift) > 0 {
		fmt.Fprintf(out, ", %d drift", len(status.Drift))
	}
	fmt.Fprintln(out)
	return nil
}
