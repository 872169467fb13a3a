package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-recorder/config"
	"github.com/otherjamesbrown/penf-recorder/credentials"
	"github.com/otherjamesbrown/penf-recorder/pkg/audit"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
)

// AuditTrail reads session audit entries. *audit.Client implements it.
type AuditTrail interface {
	List(ctx context.Context, sessionID string, limit int) ([]audit.Entry, error)
	Close() error
}

// AuditCommandDeps holds the dependencies for audit commands.
type AuditCommandDeps struct {
	LoadConfig func() (*config.RecorderConfig, error)
	Open       func(*config.RecorderConfig) (AuditTrail, error)
}

// DefaultAuditDeps returns the default dependencies for production use.
func DefaultAuditDeps() *AuditCommandDeps {
	return &AuditCommandDeps{
		LoadConfig: config.LoadConfig,
		Open:       openAuditTrail,
	}
}

func openAuditTrail(cfg *config.RecorderConfig) (AuditTrail, error) {
	if !cfg.Audit.Enabled {
		return nil, fmt.Errorf("session audit is disabled (set audit.enabled or PENF_RECORDER_AUDIT_ENABLED)")
	}
	if err := cfg.ResolveSecrets(credentials.DefaultStore()); err != nil {
		return nil, err
	}
	return audit.Open(cfg.Audit.DSN(), logging.NewNopLogger())
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(deps *AuditCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultAuditDeps()
	}

	var (
		output string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit [session-id]",
		Short: "Show the session audit trail",
		Long: `Show the lifecycle events recorded for sessions: started, promoted to a
conference, and terminated.

Without a session id the most recent entries across all sessions are shown.`,
		Example: `  penf-recorder audit
  penf-recorder audit 6f1c0a52-4c8e-4a3e-9d43-1f0b7f2b9a10 -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessionID string
			if len(args) == 1 {
				sessionID = args[0]
			}
			return runAudit(cmd.Context(), deps, cmd.OutOrStdout(), sessionID, output, limit)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries")

	return cmd
}

func runAudit(ctx context.Context, deps *AuditCommandDeps, out io.Writer, sessionID, output string, limit int) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	format, err := resolveFormat(cfg, output)
	if err != nil {
		return err
	}

	trail, err := deps.Open(cfg)
	if err != nil {
		return fmt.Errorf("opening audit database: %w", err)
	}
	defer trail.Close()

	entries, err := trail.List(ctx, sessionID, limit)
	if err != nil {
		return err
	}

	if done, err := writeStructured(out, format, entries); done {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tSESSION\tCONVERSATION\tSTATE\tMESSAGES\tPARTICIPANTS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			strings.TrimPrefix(e.EventType, "session."),
			truncate(e.SessionID, 13),
			truncate(e.ConversationID, 20),
			e.State,
			e.MessageCount,
			truncate(strings.Join(e.Participants, ","), 40))
	}
	return w.Flush()
}
