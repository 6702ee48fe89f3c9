// Package credstore keeps connection profiles in SQLite with their secrets
// encrypted under a fernet key.
package credstore

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ErrDecrypt is returned when a stored secret cannot be decrypted with any
// configured key.
var ErrDecrypt = errors.New("decrypt: invalid token")

// Cipher encrypts with the first key and decrypts with any of them, so an
// old key can stay listed while secrets are re-encrypted.
type Cipher struct {
	keys []*fernet.Key
}

// NewCipher creates a cipher. At least one key is required.
func NewCipher(keys ...*fernet.Key) (*Cipher, error) {
	if len(keys) == 0 || keys[0] == nil {
		return nil, fmt.Errorf("credstore: no encryption key")
	}
	return &Cipher{keys: keys}, nil
}

// Encrypt returns a fernet token for plaintext, or "" for empty input.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign(plaintext, c.keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt reverses Encrypt. An empty token yields nil.
func (c *Cipher) Decrypt(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, c.keys)
	if msg == nil {
		return nil, ErrDecrypt
	}
	return msg, nil
}
