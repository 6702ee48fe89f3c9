package credstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fernet/fernet-go"

	"github.com/acolita/shellkeeper/internal/config"
	"github.com/acolita/shellkeeper/internal/ports"
	"github.com/acolita/shellkeeper/internal/security"
)

// KeyringEntry is the keyring item holding the encoded master key.
const KeyringEntry = "credential-key"

// Key sources reported by LoadKey.
const (
	SourceConfig  = "config"
	SourceEnv     = "env"
	SourceKeyring = "keyring"
	SourceFile    = "file"
)

// LoadKey finds the master key. Sources are tried in order: the literal key
// in cfg, the environment variable cfg.KeyEnv, the OS keyring when enabled,
// then cfg.KeyFile. When the keyring or key file hold nothing yet a new key
// is generated and stored there.
func LoadKey(cfg config.CredentialsConfig, fsys ports.FileSystem, ks *security.KeyringStore) (*fernet.Key, string, error) {
	if cfg.Key != "" {
		k, err := fernet.DecodeKey(cfg.Key)
		if err != nil {
			return nil, "", fmt.Errorf("decode configured key: %w", err)
		}
		return k, SourceConfig, nil
	}

	if cfg.KeyEnv != "" {
		if v := strings.TrimSpace(fsys.Getenv(cfg.KeyEnv)); v != "" {
			k, err := fernet.DecodeKey(v)
			if err != nil {
				return nil, "", fmt.Errorf("decode key from $%s: %w", cfg.KeyEnv, err)
			}
			return k, SourceEnv, nil
		}
	}

	if cfg.UseKeyring && ks != nil && ks.Enabled() {
		k, err := keyFromKeyring(ks)
		if err == nil {
			return k, SourceKeyring, nil
		}
		slog.Warn("keyring key unavailable, falling back to key file", slog.String("error", err.Error()))
	}

	if cfg.KeyFile == "" {
		return nil, "", fmt.Errorf("no credential key source configured")
	}
	k, err := keyFromFile(cfg.KeyFile, fsys)
	if err != nil {
		return nil, "", err
	}
	return k, SourceFile, nil
}

func keyFromKeyring(ks *security.KeyringStore) (*fernet.Key, error) {
	v, ok, err := ks.Get(KeyringEntry)
	if err != nil {
		return nil, err
	}
	if ok {
		return fernet.DecodeKey(v)
	}
	k, err := generateKey()
	if err != nil {
		return nil, err
	}
	if err := ks.Set(KeyringEntry, k.Encode()); err != nil {
		return nil, err
	}
	slog.Info("generated credential key in keyring", slog.String("entry", KeyringEntry))
	return k, nil
}

func keyFromFile(path string, fsys ports.FileSystem) (*fernet.Key, error) {
	data, err := fsys.ReadFile(path)
	if err == nil {
		k, err := fernet.DecodeKey(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, err)
		}
		return k, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	k, err := generateKey()
	if err != nil {
		return nil, err
	}
	if err := fsys.WriteFile(path, []byte(k.Encode()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	slog.Info("generated credential key file", slog.String("path", path))
	return k, nil
}

func generateKey() (*fernet.Key, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &k, nil
}
