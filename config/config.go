// Package config provides configuration management for the penf-recorder service.
// It supports loading configuration from YAML files, environment variables, and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-recorder/credentials"
	"github.com/otherjamesbrown/penf-recorder/pkg/db"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// Default configuration values.
const (
	DefaultConfigDir     = ".penf-recorder"
	DefaultConfigFile    = "config.yaml"
	DefaultTranscriptDir = "transcripts"
	DefaultMetricsAddr   = ":9464"
	DefaultHealthAddr    = ":50061"
	DefaultOutputFormat  = OutputFormatText
	DefaultAuditDatabase = "penf_recorder_audit"
)

// LoggingConfig controls the service logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	JSON        bool   `yaml:"json"`
	Environment string `yaml:"environment,omitempty"`
}

// ManagerConfig holds the session manager's shutdown policy and timeouts.
type ManagerConfig struct {
	ShutdownWhenIdle        bool          `yaml:"shutdown_when_idle"`
	PlatformShutdownTimeout time.Duration `yaml:"platform_shutdown_timeout"`
	GrammarLoadTimeout      time.Duration `yaml:"grammar_load_timeout"`
	TerminateTimeout        time.Duration `yaml:"terminate_timeout"`
	PersistTimeout          time.Duration `yaml:"persist_timeout"`
}

// StorageConfig controls where finished transcripts are written.
type StorageConfig struct {
	// Dir receives one export file per session. Empty disables file output.
	Dir            string        `yaml:"dir"`
	BufferSize     int           `yaml:"buffer_size"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// DatabaseConfig enables the Postgres transcript store.
type DatabaseConfig struct {
	Enabled             bool `yaml:"enabled"`
	MigrateOnStart      bool `yaml:"migrate_on_start"`
	PasswordFromKeyring bool `yaml:"password_from_keyring"`
	db.Config           `yaml:",inline"`
}

// RedisConfig enables the lifecycle event and transcript line publisher.
type RedisConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	DB                  int    `yaml:"db"`
	PasswordFromKeyring bool   `yaml:"password_from_keyring"`
	Password            string `yaml:"-"`
}

// AuditConfig enables the session audit trail, kept in its own database.
type AuditConfig struct {
	Enabled             bool `yaml:"enabled"`
	PasswordFromKeyring bool `yaml:"password_from_keyring"`
	db.Config           `yaml:",inline"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// HealthConfig controls the gRPC health service.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
}

// RecorderConfig holds the recorder service configuration.
type RecorderConfig struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Manager  ManagerConfig  `yaml:"manager"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Audit    AuditConfig    `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Health   HealthConfig   `yaml:"health"`

	// OutputFormat is the default output format of the transcript commands.
	OutputFormat OutputFormat `yaml:"output_format"`
}

// DefaultConfig returns a RecorderConfig with default values.
func DefaultConfig() *RecorderConfig {
	audit := db.DefaultConfig()
	audit.Database = DefaultAuditDatabase
	audit.MaxConns = 2

	return &RecorderConfig{
		Logging: LoggingConfig{Level: "info", Environment: "development"},
		Manager: ManagerConfig{
			ShutdownWhenIdle:        true,
			PlatformShutdownTimeout: 10 * time.Second,
			GrammarLoadTimeout:      5 * time.Second,
			TerminateTimeout:        5 * time.Second,
			PersistTimeout:          30 * time.Second,
		},
		Storage: StorageConfig{
			Dir:            DefaultTranscriptDir,
			BufferSize:     256,
			BatchSize:      16,
			FlushInterval:  2 * time.Second,
			EnqueueTimeout: time.Second,
		},
		Database:     DatabaseConfig{Config: *db.DefaultConfig()},
		Redis:        RedisConfig{Host: "localhost", Port: 6379},
		Audit:        AuditConfig{Config: *audit},
		Metrics:      MetricsConfig{Enabled: true, Address: DefaultMetricsAddr},
		Health:       HealthConfig{Address: DefaultHealthAddr, Interval: 15 * time.Second},
		OutputFormat: DefaultOutputFormat,
	}
}

// ConfigDir returns the configuration directory path.
// Uses $PENF_RECORDER_CONFIG_DIR if set, otherwise ~/.penf-recorder
func ConfigDir() (string, error) {
	if dir := os.Getenv("PENF_RECORDER_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads the configuration from the default file location and
// environment variables.
// Configuration is loaded in this order (later sources override earlier):
// 1. Default values
// 2. Config file (~/.penf-recorder/config.yaml or $PENF_RECORDER_CONFIG_DIR/config.yaml)
// 3. Environment variables (PENF_RECORDER_*, RECORDER_DB_* for the transcript database)
func LoadConfig() (*RecorderConfig, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("getting config path: %w", err)
	}
	return LoadConfigFrom(configPath)
}

// LoadConfigFrom loads the configuration from path. A missing file leaves the
// defaults in place.
func LoadConfigFrom(path string) (*RecorderConfig, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// configFile mirrors RecorderConfig with durations as strings.
type configFile struct {
	Logging LoggingConfig `yaml:"logging"`
	Manager struct {
		ShutdownWhenIdle        *bool  `yaml:"shutdown_when_idle"`
		PlatformShutdownTimeout string `yaml:"platform_shutdown_timeout"`
		GrammarLoadTimeout      string `yaml:"grammar_load_timeout"`
		TerminateTimeout        string `yaml:"terminate_timeout"`
		PersistTimeout          string `yaml:"persist_timeout"`
	} `yaml:"manager"`
	Storage struct {
		Dir            *string `yaml:"dir"`
		BufferSize     int     `yaml:"buffer_size"`
		BatchSize      int     `yaml:"batch_size"`
		FlushInterval  string  `yaml:"flush_interval"`
		EnqueueTimeout string  `yaml:"enqueue_timeout"`
	} `yaml:"storage"`
	Database *DatabaseConfig `yaml:"database"`
	Redis    *RedisConfig    `yaml:"redis"`
	Audit    *AuditConfig    `yaml:"audit"`
	Metrics  *MetricsConfig  `yaml:"metrics"`
	Health   struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Interval string `yaml:"interval"`
	} `yaml:"health"`
	OutputFormat OutputFormat `yaml:"output_format"`
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(cfg *RecorderConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	// Sections decode on top of the defaults so omitted keys keep them.
	fileCfg := configFile{
		Logging:  cfg.Logging,
		Database: &cfg.Database,
		Redis:    &cfg.Redis,
		Audit:    &cfg.Audit,
		Metrics:  &cfg.Metrics,
	}
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Logging = fileCfg.Logging

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"manager.platform_shutdown_timeout", fileCfg.Manager.PlatformShutdownTimeout, &cfg.Manager.PlatformShutdownTimeout},
		{"manager.grammar_load_timeout", fileCfg.Manager.GrammarLoadTimeout, &cfg.Manager.GrammarLoadTimeout},
		{"manager.terminate_timeout", fileCfg.Manager.TerminateTimeout, &cfg.Manager.TerminateTimeout},
		{"manager.persist_timeout", fileCfg.Manager.PersistTimeout, &cfg.Manager.PersistTimeout},
		{"storage.flush_interval", fileCfg.Storage.FlushInterval, &cfg.Storage.FlushInterval},
		{"storage.enqueue_timeout", fileCfg.Storage.EnqueueTimeout, &cfg.Storage.EnqueueTimeout},
		{"health.interval", fileCfg.Health.Interval, &cfg.Health.Interval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.name, err)
		}
		*d.dst = v
	}

	if fileCfg.Manager.ShutdownWhenIdle != nil {
		cfg.Manager.ShutdownWhenIdle = *fileCfg.Manager.ShutdownWhenIdle
	}
	if fileCfg.Storage.Dir != nil {
		cfg.Storage.Dir = *fileCfg.Storage.Dir
	}
	if fileCfg.Storage.BufferSize != 0 {
		cfg.Storage.BufferSize = fileCfg.Storage.BufferSize
	}
	if fileCfg.Storage.BatchSize != 0 {
		cfg.Storage.BatchSize = fileCfg.Storage.BatchSize
	}
	cfg.Health.Enabled = fileCfg.Health.Enabled
	if fileCfg.Health.Address != "" {
		cfg.Health.Address = fileCfg.Health.Address
	}
	if fileCfg.OutputFormat != "" {
		cfg.OutputFormat = fileCfg.OutputFormat
	}

	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *RecorderConfig) {
	if v := os.Getenv("PENF_RECORDER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := envBool("PENF_RECORDER_LOG_JSON"); ok {
		cfg.Logging.JSON = v
	}
	if v := os.Getenv("PENF_RECORDER_ENVIRONMENT"); v != "" {
		cfg.Logging.Environment = v
	}

	if v, ok := envBool("PENF_RECORDER_SHUTDOWN_WHEN_IDLE"); ok {
		cfg.Manager.ShutdownWhenIdle = v
	}
	if v, ok := envDuration("PENF_RECORDER_PERSIST_TIMEOUT"); ok {
		cfg.Manager.PersistTimeout = v
	}
	if v, ok := envDuration("PENF_RECORDER_TERMINATE_TIMEOUT"); ok {
		cfg.Manager.TerminateTimeout = v
	}

	if v, ok := os.LookupEnv("PENF_RECORDER_STORAGE_DIR"); ok {
		cfg.Storage.Dir = v
	}

	if v, ok := envBool("PENF_RECORDER_DATABASE_ENABLED"); ok {
		cfg.Database.Enabled = v
	}
	cfg.Database.ApplyEnv()

	if v, ok := envBool("PENF_RECORDER_REDIS_ENABLED"); ok {
		cfg.Redis.Enabled = v
	}
	if v := os.Getenv("PENF_RECORDER_REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("PENF_RECORDER_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = port
		}
	}
	if v := os.Getenv("PENF_RECORDER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v, ok := envBool("PENF_RECORDER_AUDIT_ENABLED"); ok {
		cfg.Audit.Enabled = v
	}
	if v := os.Getenv("PENF_RECORDER_AUDIT_HOST"); v != "" {
		cfg.Audit.Host = v
	}
	if v := os.Getenv("PENF_RECORDER_AUDIT_PASSWORD"); v != "" {
		cfg.Audit.Password = v
	}

	if v := os.Getenv("PENF_RECORDER_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("PENF_RECORDER_HEALTH_ADDRESS"); v != "" {
		cfg.Health.Address = v
		cfg.Health.Enabled = true
	}

	if v := os.Getenv("PENF_RECORDER_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Validate checks that the configuration is valid.
func (c *RecorderConfig) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q (must be debug, info, warn, or error)", c.Logging.Level)
	}

	timeouts := map[string]time.Duration{
		"manager.platform_shutdown_timeout": c.Manager.PlatformShutdownTimeout,
		"manager.grammar_load_timeout":      c.Manager.GrammarLoadTimeout,
		"manager.terminate_timeout":         c.Manager.TerminateTimeout,
		"manager.persist_timeout":           c.Manager.PersistTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Storage.BufferSize < 0 || c.Storage.BatchSize < 0 {
		return errors.New("storage buffer_size and batch_size must not be negative")
	}

	if c.Database.Enabled {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if c.Audit.Enabled {
		if err := c.Audit.Validate(); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
	}
	if c.Redis.Enabled && (c.Redis.Host == "" || c.Redis.Port <= 0) {
		return errors.New("redis host and port are required when redis is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address is required when metrics are enabled")
	}
	if c.Health.Enabled && c.Health.Address == "" {
		return errors.New("health.address is required when health is enabled")
	}

	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}

	return nil
}

// ResolveSecrets fills passwords marked *_from_keyring from store. Passwords
// already set through the environment win.
func (c *RecorderConfig) ResolveSecrets(store credentials.Store) error {
	resolve := func(enabled, fromKeyring bool, name string, dst *string) error {
		if !enabled || !fromKeyring || *dst != "" {
			return nil
		}
		v, err := store.Get(name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		*dst = v
		return nil
	}

	if err := resolve(c.Database.Enabled, c.Database.PasswordFromKeyring, credentials.DatabasePassword, &c.Database.Password); err != nil {
		return err
	}
	if err := resolve(c.Redis.Enabled, c.Redis.PasswordFromKeyring, credentials.RedisPassword, &c.Redis.Password); err != nil {
		return err
	}
	return resolve(c.Audit.Enabled, c.Audit.PasswordFromKeyring, credentials.AuditPassword, &c.Audit.Password)
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// SaveConfig writes cfg to path, creating its directory.
func SaveConfig(cfg *RecorderConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var fileCfg configFile
	fileCfg.Logging = cfg.Logging
	idle := cfg.Manager.ShutdownWhenIdle
	fileCfg.Manager.ShutdownWhenIdle = &idle
	fileCfg.Manager.PlatformShutdownTimeout = cfg.Manager.PlatformShutdownTimeout.String()
	fileCfg.Manager.GrammarLoadTimeout = cfg.Manager.GrammarLoadTimeout.String()
	fileCfg.Manager.TerminateTimeout = cfg.Manager.TerminateTimeout.String()
	fileCfg.Manager.PersistTimeout = cfg.Manager.PersistTimeout.String()
	dir := cfg.Storage.Dir
	fileCfg.Storage.Dir = &dir
	fileCfg.Storage.BufferSize = cfg.Storage.BufferSize
	fileCfg.Storage.BatchSize = cfg.Storage.BatchSize
	fileCfg.Storage.FlushInterval = cfg.Storage.FlushInterval.String()
	fileCfg.Storage.EnqueueTimeout = cfg.Storage.EnqueueTimeout.String()
	fileCfg.Database = &cfg.Database
	fileCfg.Redis = &cfg.Redis
	fileCfg.Audit = &cfg.Audit
	fileCfg.Metrics = &cfg.Metrics
	fileCfg.Health.Enabled = cfg.Health.Enabled
	fileCfg.Health.Address = cfg.Health.Address
	fileCfg.Health.Interval = cfg.Health.Interval.String()
	fileCfg.OutputFormat = cfg.OutputFormat

	data, err := yaml.Marshal(&fileCfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
