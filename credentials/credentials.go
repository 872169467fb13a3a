// Package credentials stores the recorder's backend secrets (database, redis
// and audit passwords) in the system keyring, with environment variables as a
// fallback for CI and containers.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// DefaultService is the service name used in the system keyring.
	DefaultService = "penf-recorder"
	// EnvPrefix prefixes the environment variables read by EnvStore.
	EnvPrefix = "PENF_RECORDER_SECRET_"
	// probeUser is the keyring account used to check availability.
	probeUser = "availability-probe"
)

// Well-known secret names.
const (
	DatabasePassword = "database-password"
	RedisPassword    = "redis-password"
	AuditPassword    = "audit-password"
)

var (
	// ErrKeyringUnavailable indicates the system keyring is not available.
	ErrKeyringUnavailable = errors.New("system keyring unavailable")
	// ErrSecretNotFound is returned when no store holds the secret.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrReadOnly is returned when writing to a store that cannot be written.
	ErrReadOnly = errors.New("secret store is read-only")
)

// Store reads and writes named secrets.
type Store interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Delete(name string) error
	// Description returns a human-readable description of the storage mechanism.
	Description() string
}

// KnownSecrets lists the secret names the recorder reads.
func KnownSecrets() []string {
	return []string{DatabasePassword, RedisPassword, AuditPassword}
}

// ValidateName checks that name is a non-empty, lower-case, dash separated word.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("secret name is required")
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return fmt.Errorf("invalid secret name %q: use lower-case letters, digits and dashes", name)
		}
	}
	return nil
}

// KeyringStore keeps secrets in the system keyring
// (macOS Keychain, Windows Credential Manager, Linux Secret Service).
type KeyringStore struct {
	service string
	mu      sync.Mutex
}

// NewKeyringStore creates a store under service, or DefaultService when empty.
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultService
	}
	return &KeyringStore{service: service}
}

func (s *KeyringStore) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := keyring.Get(s.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}
	return v, nil
}

func (s *KeyringStore) Set(name, value string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Set(s.service, name, value); err != nil {
		return fmt.Errorf("%w: storing %s: %v", ErrKeyringUnavailable, name, err)
	}
	return nil
}

func (s *KeyringStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := keyring.Delete(s.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: deleting %s: %v", ErrKeyringUnavailable, name, err)
	}
	return nil
}

func (s *KeyringStore) Description() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "System Keyring (Secret Service)"
	}
}

// Available reports whether the keyring can be reached.
func (s *KeyringStore) Available() bool {
	_, err := s.Get(probeUser)
	return err == nil || errors.Is(err, ErrSecretNotFound)
}

// EnvStore reads secrets from PENF_RECORDER_SECRET_<NAME> variables, where
// NAME is the secret name upper-cased with dashes turned into underscores.
type EnvStore struct{}

// EnvVar returns the variable EnvStore reads name from.
func EnvVar(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func (EnvStore) Get(name string) (string, error) {
	if v := os.Getenv(EnvVar(name)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
}

func (EnvStore) Set(string, string) error { return ErrReadOnly }
func (EnvStore) Delete(string) error      { return ErrReadOnly }

func (EnvStore) Description() string {
	return fmt.Sprintf("Environment variables (%s*)", EnvPrefix)
}

// Chain reads from the first store holding the secret and writes to the
// first writable one.
type Chain []Store

func (c Chain) Get(name string) (string, error) {
	var unavailable error
	for _, s := range c {
		v, err := s.Get(name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) && unavailable == nil {
			unavailable = err
		}
	}
	if unavailable != nil {
		return "", unavailable
	}
	return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
}

func (c Chain) Set(name, value string) error {
	for _, s := range c {
		err := s.Set(name, value)
		if errors.Is(err, ErrReadOnly) {
			continue
		}
		return err
	}
	return ErrReadOnly
}

func (c Chain) Delete(name string) error {
	for _, s := range c {
		err := s.Delete(name)
		if errors.Is(err, ErrReadOnly) {
			continue
		}
		return err
	}
	return ErrReadOnly
}

func (c Chain) Description() string {
	parts := make([]string, 0, len(c))
	for _, s := range c {
		parts = append(parts, s.Description())
	}
	return strings.Join(parts, ", then ")
}

// DefaultStore returns the environment followed by the system keyring.
func DefaultStore() Store {
	return Chain{EnvStore{}, NewKeyringStore(DefaultService)}
}

// MaskSecret returns a masked version of a secret for display.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}
