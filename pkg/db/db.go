// Package db provides PostgreSQL connection, schema and health utilities for
// the recorder's transcript store.
package db

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnvPrefix prefixes every database environment variable.
const EnvPrefix = "RECORDER_DB_"

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"-"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"-"`
	MaxConnIdleTime time.Duration `yaml:"-"`
	ConnectTimeout  time.Duration `yaml:"-"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "penf_recorder",
		User:            "penf_recorder",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// ApplyEnv overrides fields with any RECORDER_DB_* variables that are set:
// HOST, PORT, NAME, USER, PASSWORD, SSLMODE, MAX_CONNS and MIN_CONNS.
// Unparsable numbers are ignored.
func (c *Config) ApplyEnv() {
	if host := os.Getenv(EnvPrefix + "HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(EnvPrefix + "PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
	if database := os.Getenv(EnvPrefix + "NAME"); database != "" {
		c.Database = database
	}
	if user := os.Getenv(EnvPrefix + "USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(EnvPrefix + "PASSWORD"); password != "" {
		c.Password = password
	}
	if sslmode := os.Getenv(EnvPrefix + "SSLMODE"); sslmode != "" {
		c.SSLMode = sslmode
	}
	if maxConns := os.Getenv(EnvPrefix + "MAX_CONNS"); maxConns != "" {
		if mc, err := strconv.ParseInt(maxConns, 10, 32); err == nil {
			c.MaxConns = int32(mc)
		}
	}
	if minConns := os.Getenv(EnvPrefix + "MIN_CONNS"); minConns != "" {
		if mc, err := strconv.ParseInt(minConns, 10, 32); err == nil {
			c.MinConns = int32(mc)
		}
	}
}

// ConnectionString builds a postgres:// URL for pgx.
func (c *Config) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
		int(c.ConnectTimeout.Seconds()),
	)
}

// DSN builds a key/value connection string for database/sql with lib/pq.
func (c *Config) DSN() string {
	parts := []string{
		"host=" + quoteDSN(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"dbname=" + quoteDSN(c.Database),
		"user=" + quoteDSN(c.User),
		"sslmode=" + quoteDSN(c.SSLMode),
		fmt.Sprintf("connect_timeout=%d", int(c.ConnectTimeout.Seconds())),
	}
	if c.Password != "" {
		parts = append(parts, "password="+quoteDSN(c.Password))
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Validate checks if the config has required fields set.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("max connections (%d) must be >= min connections (%d)", c.MaxConns, c.MinConns)
	}
	return nil
}

// Connect creates a new connection pool with the given configuration.
// The caller is responsible for calling pool.Close() when done.
func Connect(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// ConnectWithRetry creates a connection pool, retrying while the database
// comes up.
func ConnectWithRetry(ctx context.Context, cfg *Config, maxAttempts int, retryDelay time.Duration) (*pgxpool.Pool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pool, err := Connect(ctx, cfg)
		if err == nil {
			return pool, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, lastErr)
}

// Close closes a connection pool if it is not nil.
func Close(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}
