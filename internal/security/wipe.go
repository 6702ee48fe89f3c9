package security

import (
	"crypto/rand"

	"github.com/acolita/shellkeeper/internal/ports"
)

// WipeBytes overwrites data with random bytes and then zeros.
func WipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	rand.Read(data)
	clear(data)
}

// WipeCredential wipes every secret slice in c. The credential must not be
// used afterwards.
func WipeCredential(c *ports.ShellCredential) {
	if c == nil {
		return
	}
	WipeBytes(c.Password)
	WipeBytes(c.PrivateKey)
	WipeBytes(c.Passphrase)
	c.Password, c.PrivateKey, c.Passphrase = nil, nil, nil
}
