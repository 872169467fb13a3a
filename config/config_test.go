package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/otherjamesbrown/penf-recorder/credentials"
)

// TestDefaultConfig verifies default configuration values.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %v, want info", cfg.Logging.Level)
	}
	if !cfg.Manager.ShutdownWhenIdle {
		t.Error("ShutdownWhenIdle should be true by default")
	}
	if cfg.Manager.PlatformShutdownTimeout != 10*time.Second {
		t.Errorf("PlatformShutdownTimeout = %v, want 10s", cfg.Manager.PlatformShutdownTimeout)
	}
	if cfg.Manager.PersistTimeout != 30*time.Second {
		t.Errorf("PersistTimeout = %v, want 30s", cfg.Manager.PersistTimeout)
	}
	if cfg.Storage.Dir != DefaultTranscriptDir {
		t.Errorf("Storage.Dir = %v, want %v", cfg.Storage.Dir, DefaultTranscriptDir)
	}
	if cfg.Database.Enabled || cfg.Redis.Enabled || cfg.Audit.Enabled {
		t.Error("external stores should be disabled by default")
	}
	if cfg.Audit.Database != DefaultAuditDatabase {
		t.Errorf("Audit.Database = %v, want %v", cfg.Audit.Database, DefaultAuditDatabase)
	}
	if cfg.Metrics.Address != DefaultMetricsAddr {
		t.Errorf("Metrics.Address = %v, want %v", cfg.Metrics.Address, DefaultMetricsAddr)
	}
	if cfg.OutputFormat != DefaultOutputFormat {
		t.Errorf("OutputFormat = %v, want %v", cfg.OutputFormat, DefaultOutputFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

// TestOutputFormat_IsValid verifies output format validation.
func TestOutputFormat_IsValid(t *testing.T) {
	tests := []struct {
		format OutputFormat
		valid  bool
	}{
		{OutputFormatText, true},
		{OutputFormatJSON, true},
		{OutputFormatYAML, true},
		{"invalid", false},
		{"", false},
		{"JSON", false},
	}

	for _, tc := range tests {
		if got := tc.format.IsValid(); got != tc.valid {
			t.Errorf("OutputFormat(%q).IsValid() = %v, want %v", tc.format, got, tc.valid)
		}
	}
}

// TestRecorderConfig_Validate verifies configuration validation.
func TestRecorderConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RecorderConfig)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*RecorderConfig) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *RecorderConfig) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "zero terminate timeout",
			mutate:  func(c *RecorderConfig) { c.Manager.TerminateTimeout = 0 },
			wantErr: "manager.terminate_timeout",
		},
		{
			name:    "negative buffer",
			mutate:  func(c *RecorderConfig) { c.Storage.BufferSize = -1 },
			wantErr: "buffer_size",
		},
		{
			name: "database enabled without host",
			mutate: func(c *RecorderConfig) {
				c.Database.Enabled = true
				c.Database.Host = ""
			},
			wantErr: "database: database host is required",
		},
		{
			name: "database disabled skips validation",
			mutate: func(c *RecorderConfig) {
				c.Database.Host = ""
			},
		},
		{
			name: "audit enabled with bad port",
			mutate: func(c *RecorderConfig) {
				c.Audit.Enabled = true
				c.Audit.Port = 0
			},
			wantErr: "audit: invalid database port",
		},
		{
			name: "redis enabled without host",
			mutate: func(c *RecorderConfig) {
				c.Redis.Enabled = true
				c.Redis.Host = ""
			},
			wantErr: "redis host and port",
		},
		{
			name:    "metrics without address",
			mutate:  func(c *RecorderConfig) { c.Metrics.Address = "" },
			wantErr: "metrics.address",
		},
		{
			name:    "bad output format",
			mutate:  func(c *RecorderConfig) { c.OutputFormat = "xml" },
			wantErr: "output_format",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

// TestConfigDir verifies config directory path resolution.
func TestConfigDir(t *testing.T) {
	t.Run("with env var", func(t *testing.T) {
		customDir := "/tmp/test-penf-recorder-config"
		t.Setenv("PENF_RECORDER_CONFIG_DIR", customDir)

		dir, err := ConfigDir()
		if err != nil {
			t.Fatalf("ConfigDir() error = %v", err)
		}
		if dir != customDir {
			t.Errorf("ConfigDir() = %v, want %v", dir, customDir)
		}
	})

	t.Run("default without env var", func(t *testing.T) {
		t.Setenv("PENF_RECORDER_CONFIG_DIR", "")

		dir, err := ConfigDir()
		if err != nil {
			t.Fatalf("ConfigDir() error = %v", err)
		}
		home, _ := os.UserHomeDir()
		if want := filepath.Join(home, DefaultConfigDir); dir != want {
			t.Errorf("ConfigDir() = %v, want %v", dir, want)
		}
	})
}

// TestLoadConfig_Defaults verifies default values when no config file exists.
func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PENF_RECORDER_CONFIG_DIR", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Manager.TerminateTimeout != 5*time.Second {
		t.Errorf("TerminateTimeout = %v, want 5s", cfg.Manager.TerminateTimeout)
	}
	if cfg.Storage.Dir != DefaultTranscriptDir {
		t.Errorf("Storage.Dir = %v, want %v", cfg.Storage.Dir, DefaultTranscriptDir)
	}
}

// TestLoadConfig_FromFile verifies that file values override defaults and
// omitted keys keep them.
func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PENF_RECORDER_CONFIG_DIR", dir)

	data := `
logging:
  level: debug
manager:
  shutdown_when_idle: false
  terminate_timeout: 2s
storage:
  dir: ""
  batch_size: 4
database:
  enabled: true
  host: db.internal
  password_from_keyring: true
health:
  enabled: true
  interval: 1m
output_format: json
`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(data), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
	if cfg.Manager.ShutdownWhenIdle {
		t.Error("ShutdownWhenIdle should be false")
	}
	if cfg.Manager.TerminateTimeout != 2*time.Second {
		t.Errorf("TerminateTimeout = %v, want 2s", cfg.Manager.TerminateTimeout)
	}
	if cfg.Manager.PersistTimeout != 30*time.Second {
		t.Errorf("PersistTimeout = %v, want default 30s", cfg.Manager.PersistTimeout)
	}
	if cfg.Storage.Dir != "" {
		t.Errorf("Storage.Dir = %q, want empty", cfg.Storage.Dir)
	}
	if cfg.Storage.BatchSize != 4 {
		t.Errorf("Storage.BatchSize = %v, want 4", cfg.Storage.BatchSize)
	}
	if cfg.Storage.BufferSize != 256 {
		t.Errorf("Storage.BufferSize = %v, want default 256", cfg.Storage.BufferSize)
	}
	if !cfg.Database.Enabled || cfg.Database.Host != "db.internal" {
		t.Errorf("Database = %+v, want enabled on db.internal", cfg.Database)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Database.Port = %v, want default 5432", cfg.Database.Port)
	}
	if !cfg.Database.PasswordFromKeyring {
		t.Error("Database.PasswordFromKeyring should be true")
	}
	if !cfg.Health.Enabled || cfg.Health.Interval != time.Minute {
		t.Errorf("Health = %+v, want enabled with 1m interval", cfg.Health)
	}
	if cfg.OutputFormat != OutputFormatJSON {
		t.Errorf("OutputFormat = %v, want json", cfg.OutputFormat)
	}
}

// TestLoadConfig_BadDuration verifies duration parse errors name the key.
func TestLoadConfig_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("manager:\n  persist_timeout: soon\n"), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	_, err := LoadConfigFrom(path)
	if err == nil || !strings.Contains(err.Error(), "manager.persist_timeout") {
		t.Errorf("LoadConfigFrom() error = %v, want persist_timeout parse error", err)
	}
}

// TestLoadConfig_WithEnvOverrides verifies environment variable overrides.
func TestLoadConfig_WithEnvOverrides(t *testing.T) {
	t.Setenv("PENF_RECORDER_CONFIG_DIR", t.TempDir())
	t.Setenv("PENF_RECORDER_LOG_LEVEL", "warn")
	t.Setenv("PENF_RECORDER_LOG_JSON", "1")
	t.Setenv("PENF_RECORDER_SHUTDOWN_WHEN_IDLE", "false")
	t.Setenv("PENF_RECORDER_PERSIST_TIMEOUT", "45s")
	t.Setenv("PENF_RECORDER_STORAGE_DIR", "/var/lib/penf-recorder")
	t.Setenv("PENF_RECORDER_REDIS_ENABLED", "true")
	t.Setenv("PENF_RECORDER_REDIS_PORT", "6380")
	t.Setenv("PENF_RECORDER_DATABASE_ENABLED", "yes")
	t.Setenv("RECORDER_DB_HOST", "pg.internal")
	t.Setenv("PENF_RECORDER_OUTPUT_FORMAT", "yaml")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Logging.Level != "warn" || !cfg.Logging.JSON {
		t.Errorf("Logging = %+v, want warn/json", cfg.Logging)
	}
	if cfg.Manager.ShutdownWhenIdle {
		t.Error("ShutdownWhenIdle should be false")
	}
	if cfg.Manager.PersistTimeout != 45*time.Second {
		t.Errorf("PersistTimeout = %v, want 45s", cfg.Manager.PersistTimeout)
	}
	if cfg.Storage.Dir != "/var/lib/penf-recorder" {
		t.Errorf("Storage.Dir = %v", cfg.Storage.Dir)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Port != 6380 {
		t.Errorf("Redis = %+v, want enabled on 6380", cfg.Redis)
	}
	if !cfg.Database.Enabled || cfg.Database.Host != "pg.internal" {
		t.Errorf("Database = %+v, want enabled on pg.internal", cfg.Database)
	}
	if cfg.OutputFormat != OutputFormatYAML {
		t.Errorf("OutputFormat = %v, want yaml", cfg.OutputFormat)
	}
}

type mapStore map[string]string

func (m mapStore) Get(name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", credentials.ErrSecretNotFound
	}
	return v, nil
}

func (m mapStore) Set(name, value string) error { m[name] = value; return nil }
func (m mapStore) Delete(name string) error     { delete(m, name); return nil }
func (m mapStore) Description() string          { return "map" }

// TestResolveSecrets verifies keyring-backed passwords.
func TestResolveSecrets(t *testing.T) {
	store := mapStore{
		credentials.DatabasePassword: "db-secret",
		credentials.RedisPassword:    "redis-secret",
	}

	cfg := DefaultConfig()
	cfg.Database.Enabled = true
	cfg.Database.PasswordFromKeyring = true
	cfg.Redis.Enabled = true
	cfg.Redis.PasswordFromKeyring = true
	cfg.Redis.Password = "from-env"
	cfg.Audit.PasswordFromKeyring = true // disabled, not resolved

	if err := cfg.ResolveSecrets(store); err != nil {
		t.Fatalf("ResolveSecrets() error = %v", err)
	}
	if cfg.Database.Password != "db-secret" {
		t.Errorf("Database.Password = %q, want db-secret", cfg.Database.Password)
	}
	if cfg.Redis.Password != "from-env" {
		t.Errorf("Redis.Password = %q, want env value to win", cfg.Redis.Password)
	}
	if cfg.Audit.Password != "" {
		t.Errorf("Audit.Password = %q, want empty", cfg.Audit.Password)
	}

	cfg.Audit.Enabled = true
	err := cfg.ResolveSecrets(store)
	if !errors.Is(err, credentials.ErrSecretNotFound) {
		t.Errorf("ResolveSecrets() error = %v, want ErrSecretNotFound", err)
	}
}

// TestSaveConfig verifies that a saved configuration loads back.
func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultConfigFile)

	cfg := DefaultConfig()
	cfg.Manager.ShutdownWhenIdle = false
	cfg.Manager.GrammarLoadTimeout = 7 * time.Second
	cfg.Storage.Dir = "/srv/transcripts"
	cfg.Database.Enabled = true
	cfg.Database.Host = "saved.db"
	cfg.Database.Password = "never-written"
	cfg.OutputFormat = OutputFormatJSON

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat saved config: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "never-written") {
		t.Error("password must not be written to the config file")
	}

	loaded, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom() error = %v", err)
	}
	if loaded.Manager.ShutdownWhenIdle {
		t.Error("ShutdownWhenIdle should round trip as false")
	}
	if loaded.Manager.GrammarLoadTimeout != 7*time.Second {
		t.Errorf("GrammarLoadTimeout = %v, want 7s", loaded.Manager.GrammarLoadTimeout)
	}
	if loaded.Storage.Dir != "/srv/transcripts" {
		t.Errorf("Storage.Dir = %v", loaded.Storage.Dir)
	}
	if loaded.Database.Host != "saved.db" || !loaded.Database.Enabled {
		t.Errorf("Database = %+v", loaded.Database)
	}
	if loaded.OutputFormat != OutputFormatJSON {
		t.Errorf("OutputFormat = %v, want json", loaded.OutputFormat)
	}
}

// TestExpandPath verifies tilde expansion.
func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/abs/path", "/abs/path"},
		{"~/transcripts", filepath.Join(home, "transcripts")},
	}
	for _, tc := range tests {
		got, err := ExpandPath(tc.in)
		if err != nil {
			t.Fatalf("ExpandPath(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
