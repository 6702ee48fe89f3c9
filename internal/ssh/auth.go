package ssh

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/shellkeeper/internal/ports"
)

// AuthConfig holds decrypted credential material for one connection.
type AuthConfig struct {
	PrivateKey []byte // PEM encoded
	Passphrase []byte // for encrypted keys
	Password   []byte
}

// AuthConfigFrom adapts a ports credential.
func AuthConfigFrom(c ports.ShellCredential) AuthConfig {
	return AuthConfig{PrivateKey: c.PrivateKey, Passphrase: c.Passphrase, Password: c.Password}
}

// BuildAuthMethods returns auth methods in the order they should be offered:
// public key first, then password and keyboard-interactive.
func BuildAuthMethods(cfg AuthConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if len(cfg.PrivateKey) > 0 {
		signer, err := parsePrivateKey(cfg.PrivateKey, cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(cfg.Password) > 0 {
		password := string(cfg.Password)
		methods = append(methods, ssh.Password(password), KeyboardInteractiveAuth(password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available")
	}
	return methods, nil
}

func parsePrivateKey(pemBytes, passphrase []byte) (ssh.Signer, error) {
	if len(passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, passphrase)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("private key is encrypted and no passphrase is stored")
	}
	return signer, err
}

// KeyboardInteractiveAuth answers every prompt with password, which is what
// PAM-backed servers asking "Password:" expect.
func KeyboardInteractiveAuth(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	})
}

// isAuthFailure reports whether a dial error came from the server rejecting
// every offered credential rather than from the network or host key check.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}
