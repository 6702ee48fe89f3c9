package ssh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"
)

// HostKeyPolicy verifies server host keys for outbound connections.
type HostKeyPolicy struct {
	callback ssh.HostKeyCallback
	db       *knownhosts.HostKeyDB
}

// NewHostKeyPolicy loads knownHostsPath (default ~/.ssh/known_hosts). With
// insecure set, or when the file does not exist, any host key is accepted.
func NewHostKeyPolicy(knownHostsPath string, insecure bool) (*HostKeyPolicy, error) {
	if insecure {
		return &HostKeyPolicy{callback: InsecureHostKeyCallback()}, nil
	}
	if knownHostsPath == "" {
		knownHostsPath = "~/.ssh/known_hosts"
	}
	path := expandPath(knownHostsPath)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Warn("known_hosts not found, accepting any host key", slog.String("path", path))
		return &HostKeyPolicy{callback: InsecureHostKeyCallback()}, nil
	}

	db, err := knownhosts.NewDB(path)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return &HostKeyPolicy{callback: db.HostKeyCallback(), db: db}, nil
}

// Callback returns the host key callback for ssh.ClientConfig.
func (p *HostKeyPolicy) Callback() ssh.HostKeyCallback {
	return p.callback
}

// Algorithms returns the host key algorithms to offer for addr, preferring
// the key types already recorded in known_hosts. Nil means library defaults.
func (p *HostKeyPolicy) Algorithms(addr string) []string {
	if p.db == nil {
		return nil
	}
	return p.db.HostKeyAlgorithms(addr)
}

// InsecureHostKeyCallback returns a callback that accepts any host key.
func InsecureHostKeyCallback() ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

// isHostKeyError reports known_hosts mismatches and unknown hosts.
func isHostKeyError(err error) bool {
	return knownhosts.IsHostKeyChanged(err) || knownhosts.IsHostUnknown(err)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// hostKeyAddr is the host:port form known_hosts lookups expect.
func hostKeyAddr(host string, port int) string {
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
