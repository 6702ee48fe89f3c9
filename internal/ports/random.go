package ports

// Random is the source of session identifiers. Production code backs it with
// crypto/rand; tests substitute a predictable sequence.
type Random interface {
	// Read fills b with random bytes and returns the number of bytes read.
	Read(b []byte) (n int, err error)
}
