package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-recorder/config"
	"github.com/otherjamesbrown/penf-recorder/pkg/db"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/storage"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// TranscriptStore reads stored transcripts. *storage.PostgresStore implements it.
type TranscriptStore interface {
	List(ctx context.Context, opts storage.ListOptions) ([]storage.Summary, error)
	Get(ctx context.Context, sessionID string) (*storage.Record, error)
}

// TranscriptCommandDeps holds the dependencies for transcript commands.
type TranscriptCommandDeps struct {
	LoadConfig func() (*config.RecorderConfig, error)
	// OpenStore returns the store and a function releasing it.
	OpenStore func(context.Context, *config.RecorderConfig) (TranscriptStore, func(), error)
}

// DefaultTranscriptDeps returns the default dependencies for production use.
func DefaultTranscriptDeps() *TranscriptCommandDeps {
	return &TranscriptCommandDeps{
		LoadConfig: config.LoadConfig,
		OpenStore:  openPostgresStore,
	}
}

func openPostgresStore(ctx context.Context, cfg *config.RecorderConfig) (TranscriptStore, func(), error) {
	pool, err := connectToDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewPostgresStore(pool, logging.NewNopLogger()), func() { db.Close(pool) }, nil
}

// NewTranscriptCommand creates the transcript command with its subcommands.
func NewTranscriptCommand(deps *TranscriptCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultTranscriptDeps()
	}

	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Browse recorded transcripts",
		Long: `Browse transcripts persisted by the recorder.

Transcripts are read from the transcript database, or from an exported
transcript file with 'show --file'.`,
		Aliases: []string{"transcripts", "tx"},
	}

	cmd.AddCommand(newTranscriptListCommand(deps))
	cmd.AddCommand(newTranscriptShowCommand(deps))

	return cmd
}

type transcriptListOptions struct {
	output       string
	limit        int
	conversation string
	since        time.Duration
}

func newTranscriptListCommand(deps *TranscriptCommandDeps) *cobra.Command {
	var opts transcriptListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored transcripts, newest first",
		Example: `  penf-recorder transcript list
  penf-recorder transcript list --conversation C1 --since 24h -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscriptList(cmd.Context(), deps, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 50, "Maximum number of transcripts")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "", "Only transcripts of this conversation")
	cmd.Flags().DurationVar(&opts.since, "since", 0, "Only transcripts that ended within this duration")

	return cmd
}

type transcriptShowOptions struct {
	output   string
	file     string
	raw      bool
	modality string
}

func newTranscriptShowCommand(deps *TranscriptCommandDeps) *cobra.Command {
	var opts transcriptShowOptions

	cmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show the messages of one transcript",
		Long: `Show the messages of one transcript.

By default messages are rendered one per line as time, modality, sender, and
content. --raw prints the export format unchanged.`,
		Example: `  penf-recorder transcript show 6f1c0a52-4c8e-4a3e-9d43-1f0b7f2b9a10
  penf-recorder transcript show --file transcripts/6f1c0a52.transcript --modality InstantMessage`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessionID string
			if len(args) == 1 {
				sessionID = args[0]
			}
			return runTranscriptShow(cmd.Context(), deps, cmd.OutOrStdout(), sessionID, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Read an exported transcript file instead of the database")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "Print the export format")
	cmd.Flags().StringVar(&opts.modality, "modality", "", "Only messages of this modality")

	return cmd
}

func runTranscriptList(ctx context.Context, deps *TranscriptCommandDeps, out io.Writer, opts transcriptListOptions) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	format, err := resolveFormat(cfg, opts.output)
	if err != nil {
		return err
	}

	store, release, err := deps.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening transcript store: %w", err)
	}
	defer release()

	list := storage.ListOptions{Limit: opts.limit, ConversationID: opts.conversation}
	if opts.since > 0 {
		list.Since = time.Now().Add(-opts.since)
	}
	summaries, err := store.List(ctx, list)
	if err != nil {
		return err
	}

	if done, err := writeStructured(out, format, summaries); done {
		return err
	}

	if len(summaries) == 0 {
		fmt.Fprintln(out, "No transcripts found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCONVERSATION\tENDED\tDURATION\tMESSAGES\tREASON")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.SessionID,
			truncate(s.ConversationID, 24),
			s.EndedAt.Local().Format("2006-01-02 15:04"),
			formatDuration(s.EndedAt.Sub(s.StartedAt)),
			s.MessageCount,
			s.Reason)
	}
	return w.Flush()
}

func runTranscriptShow(ctx context.Context, deps *TranscriptCommandDeps, out io.Writer, sessionID string, opts transcriptShowOptions) error {
	if (sessionID == "") == (opts.file == "") {
		return fmt.Errorf("specify either a session id or --file")
	}
	if opts.modality != "" && !transcript.Modality(opts.modality).IsValid() {
		return fmt.Errorf("unknown modality %q", opts.modality)
	}

	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	format, err := resolveFormat(cfg, opts.output)
	if err != nil {
		return err
	}

	var msgs []transcript.Message
	if opts.file != "" {
		path, err := config.ExpandPath(opts.file)
		if err != nil {
			return err
		}
		if msgs, err = storage.ReadFile(path); err != nil {
			return fmt.Errorf("reading transcript file: %w", err)
		}
	} else {
		store, release, err := deps.OpenStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("opening transcript store: %w", err)
		}
		defer release()
		rec, err := store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		msgs = rec.Messages
	}

	if opts.modality != "" {
		filtered := msgs[:0:0]
		for _, m := range msgs {
			if m.Modality() == transcript.Modality(opts.modality) {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}

	records := make([]transcript.Record, len(msgs))
	for i, m := range msgs {
		records[i] = m.Record()
	}
	if done, err := writeStructured(out, format, records); done {
		return err
	}

	for _, m := range msgs {
		if opts.raw {
			fmt.Fprintln(out, m.Format())
			continue
		}
		sender := m.Sender().DisplayName
		if sender == "" {
			sender = "-"
		}
		fmt.Fprintf(out, "%s  %-16s %-20s %s\n",
			m.Timestamp().Local().Format("15:04:05"), m.Modality(), truncate(sender, 20), m.Content())
	}
	return nil
}
