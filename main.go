// Package main provides the penf-recorder entry point.
// penf-recorder records the conversations and conferences it takes part in
// and stores a transcript of each.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-recorder/cmd"
	"github.com/otherjamesbrown/penf-recorder/config"
	"github.com/otherjamesbrown/penf-recorder/credentials"
	"github.com/otherjamesbrown/penf-recorder/pkg/buildinfo"
)

// Global flags.
var (
	cfgFile  string
	logLevel string
)

// loadConfig loads the configuration from --config or the default location
// and applies the global flag overrides.
func loadConfig() (*config.RecorderConfig, error) {
	var (
		cfg *config.RecorderConfig
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadConfigFrom(cfgFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.ConfigPath()
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "penf-recorder",
	Short: "Conversation and conference transcript recorder",
	Long: `penf-recorder joins the conversations and conferences it is invited to and
records a transcript of each: chat messages, recognised speech, participant
changes, and conference events.

Each finished transcript is written to the configured stores: transcript
files, the Postgres transcript database, and Redis.

COMMON WORKFLOWS:
  Run the recorder:    penf-recorder run --scenario examples/scenarios/weekly-sync.yaml
  Prepare a database:  penf-recorder db migrate
  Browse transcripts:  penf-recorder transcript list  →  penf-recorder transcript show <session-id>
  Store a password:    penf-recorder secret set database-password`,
	SilenceUsage: true,
}

var versionOutputJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of penf-recorder.

Use --output-json for machine-readable output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := buildinfo.Get(buildinfo.ServiceName)
		out := cmd.OutOrStdout()

		if versionOutputJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		fmt.Fprintf(out, "penf-recorder version %s\n", info.Version)
		fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
		fmt.Fprintf(out, "  built:      %s\n", info.BuildTime)
		fmt.Fprintf(out, "  go:         %s\n", info.GoVersion)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the recorder configuration",
	Long: `Manage the recorder configuration.

Configuration is read from ~/.penf-recorder/config.yaml (or
$PENF_RECORDER_CONFIG_DIR/config.yaml, or --config), then overridden by
PENF_RECORDER_* environment variables. Passwords are never stored in the
file; use 'penf-recorder secret set' and password_from_keyring instead.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		path, _ := configPath()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s\n", path)
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(out, "Configuration file already exists: %s\n", path)
			fmt.Fprintln(out, "Use 'penf-recorder config show' to view current settings.")
			return nil
		}

		cfg := config.DefaultConfig()
		if err := config.SaveConfig(cfg, path); err != nil {
			return fmt.Errorf("saving configuration: %w", err)
		}
		fmt.Fprintf(out, "Created configuration file: %s\n", path)
		fmt.Fprintln(out, "\nDefault settings:")
		fmt.Fprintf(out, "  Transcript dir:     %s\n", cfg.Storage.Dir)
		fmt.Fprintf(out, "  Shutdown when idle: %t\n", cfg.Manager.ShutdownWhenIdle)
		fmt.Fprintf(out, "  Metrics address:    %s\n", cfg.Metrics.Address)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

// completionCmd generates shell completion scripts.
var completionCmd = &cobra.Command{
	Use:       "completion [bash|zsh|fish|powershell]",
	Short:     "Generate shell completion scripts",
	ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(out)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		default:
			return rootCmd.GenPowerShellCompletionWithDesc(out)
		}
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.penf-recorder/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	versionCmd.Flags().BoolVar(&versionOutputJSON, "output-json", false, "Output as JSON")

	configCmd.AddCommand(configShowCmd, configInitCmd, configPathCmd)

	secrets := credentials.DefaultStore()

	rootCmd.AddCommand(cmd.NewRunCommand(&cmd.RunCommandDeps{
		LoadConfig:  loadConfig,
		Secrets:     secrets,
		ConnectToDB: cmd.DefaultRunDeps().ConnectToDB,
	}))

	dbDeps := cmd.DefaultDbDeps()
	dbDeps.LoadConfig = loadConfig
	rootCmd.AddCommand(cmd.NewDbCommand(dbDeps))

	transcriptDeps := cmd.DefaultTranscriptDeps()
	transcriptDeps.LoadConfig = loadConfig
	rootCmd.AddCommand(cmd.NewTranscriptCommand(transcriptDeps))

	auditDeps := cmd.DefaultAuditDeps()
	auditDeps.LoadConfig = loadConfig
	rootCmd.AddCommand(cmd.NewAuditCommand(auditDeps))

	rootCmd.AddCommand(cmd.NewSecretCommand(&cmd.SecretCommandDeps{
		Store:      secrets,
		ReadSecret: cmd.DefaultSecretDeps().ReadSecret,
	}))

	rootCmd.AddCommand(versionCmd, configCmd, completionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
