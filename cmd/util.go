// Package cmd provides the penf-recorder subcommands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-recorder/config"
	"github.com/otherjamesbrown/penf-recorder/pkg/db"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
)

// connectToDatabase opens the transcript database pool, retrying while
// Postgres comes up.
func connectToDatabase(ctx context.Context, cfg *config.RecorderConfig) (*pgxpool.Pool, error) {
	if !cfg.Database.Enabled {
		return nil, fmt.Errorf("transcript database is disabled (set database.enabled or PENF_RECORDER_DATABASE_ENABLED)")
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}
	return db.ConnectWithRetry(ctx, &cfg.Database.Config, 5, 2*time.Second)
}

// newLogger builds the service logger from the logging section.
func newLogger(cfg *config.RecorderConfig, out io.Writer) logging.Logger {
	lc := logging.DefaultConfig()
	lc.Level = logging.Level(cfg.Logging.Level)
	lc.JSONFormat = cfg.Logging.JSON
	if cfg.Logging.Environment != "" {
		lc.Environment = cfg.Logging.Environment
	}
	if out != nil {
		lc.Output = out
	}
	return logging.NewLogger(lc)
}

// writeStructured encodes v as JSON or YAML. It reports false for text output
// so the caller can render its own table.
func writeStructured(w io.Writer, format config.OutputFormat, v interface{}) (bool, error) {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return true, enc.Encode(v)
	default:
		return false, nil
	}
}

// resolveFormat prefers a flag value over the configured default.
func resolveFormat(cfg *config.RecorderConfig, flag string) (config.OutputFormat, error) {
	if flag == "" {
		return cfg.OutputFormat, nil
	}
	f := config.OutputFormat(flag)
	if !f.IsValid() {
		return "", fmt.Errorf("invalid output format %q (must be text, json, or yaml)", flag)
	}
	return f, nil
}

// formatDuration renders d rounded for tables.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Truncate(time.Second).String()
	}
}

// truncate shortens s to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
