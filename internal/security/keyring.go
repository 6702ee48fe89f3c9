package security

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name used for keyring entries.
const KeyringService = "shellkeeper"

// ErrKeyringUnavailable is returned when no OS keyring backend responds.
var ErrKeyringUnavailable = errors.New("keyring not available")

// KeyringStore reads and writes secrets in the OS keyring (macOS Keychain,
// Linux Secret Service, Windows Credential Manager).
type KeyringStore struct {
	service string
	enabled bool
}

// NewKeyringStore probes the keyring with a throwaway entry. When the probe
// fails, the store is disabled and every call returns ErrKeyringUnavailable.
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = KeyringService
	}
	ks := &KeyringStore{service: service, enabled: true}

	const probe = "__shellkeeper_probe__"
	if err := keyring.Set(service, probe, "ok"); err != nil {
		slog.Debug("keyring not available", slog.String("error", err.Error()))
		ks.enabled = false
		return ks
	}
	_ = keyring.Delete(service, probe)
	return ks
}

// Enabled reports whether the keyring backend answered the probe.
func (ks *KeyringStore) Enabled() bool { return ks.enabled }

// Get returns the secret stored under name. A missing entry yields ("", false, nil).
func (ks *KeyringStore) Get(name string) (string, bool, error) {
	if !ks.enabled {
		return "", false, ErrKeyringUnavailable
	}
	v, err := keyring.Get(ks.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("keyring get %s: %w", name, err)
	}
	return v, true, nil
}

// Set stores value under name, replacing any previous value.
func (ks *KeyringStore) Set(name, value string) error {
	if !ks.enabled {
		return ErrKeyringUnavailable
	}
	if err := keyring.Set(ks.service, name, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", name, err)
	}
	return nil
}

// Delete removes name. Deleting a missing entry is not an error.
func (ks *KeyringStore) Delete(name string) error {
	if !ks.enabled {
		return ErrKeyringUnavailable
	}
	if err := keyring.Delete(ks.service, name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", name, err)
	}
	return nil
}
