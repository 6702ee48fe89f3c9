// Package realrand backs ports.Random with crypto/rand so session ids are
// unguessable.
package realrand

import (
	"crypto/rand"

	"github.com/acolita/shellkeeper/internal/ports"
)

// Random implements ports.Random using crypto/rand.
type Random struct{}

// New returns a new real Random.
func New() *Random {
	return &Random{}
}

// Read fills b with cryptographically secure random bytes.
func (r *Random) Read(b []byte) (int, error) {
	return rand.Read(b)
}

var _ ports.Random = (*Random)(nil)
