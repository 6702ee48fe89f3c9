// Package fakeprofiles provides an in-memory profile source for tests of
// code that starts sessions from saved profiles.
package fakeprofiles

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/acolita/shellkeeper/internal/credstore"
	"github.com/acolita/shellkeeper/internal/ports"
)

// Store maps profile ids to profiles and plaintext credentials.
type Store struct {
	mu       sync.Mutex
	profiles map[uint]credstore.Profile
	creds    map[uint]ports.ShellCredential
	errs     map[uint]error
	touched  []uint
}

// New returns an empty store.
func New() *Store {
	return &Store{
		profiles: make(map[uint]credstore.Profile),
		creds:    make(map[uint]ports.ShellCredential),
		errs:     make(map[uint]error),
	}
}

// Add registers a password profile for owner pointing at web1:22 as ops.
func (s *Store) Add(id uint, owner, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[id] = credstore.Profile{
		ID:       id,
		OwnerID:  owner,
		Name:     fmt.Sprintf("profile-%d", id),
		Host:     "web1",
		Port:     22,
		Username: "ops",
	}
	s.creds[id] = ports.ShellCredential{Password: []byte(password)}
}

// FailResolve makes Resolve(id) return err.
func (s *Store) FailResolve(id uint, err error) {
	s.mu.Lock()
	s.errs[id] = err
	s.mu.Unlock()
}

// Resolve returns a copy of the credential, since callers wipe it.
func (s *Store) Resolve(id uint) (*credstore.Profile, ports.ShellCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[id]; err != nil {
		return nil, ports.ShellCredential{}, err
	}
	p, ok := s.profiles[id]
	if !ok {
		return nil, ports.ShellCredential{}, credstore.ErrProfileNotFound
	}
	c := s.creds[id]
	return &p, ports.ShellCredential{
		Password:   bytes.Clone(c.Password),
		PrivateKey: bytes.Clone(c.PrivateKey),
		Passphrase: bytes.Clone(c.Passphrase),
	}, nil
}

// Touch records the id.
func (s *Store) Touch(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return credstore.ErrProfileNotFound
	}
	s.touched = append(s.touched, id)
	return nil
}

// Touched returns every id passed to Touch, in order.
func (s *Store) Touched() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint(nil), s.touched...)
}
