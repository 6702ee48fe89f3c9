package session

import (
	"sort"
	"sync"
)

// Table indexes live sessions by id and by owner. Both indexes change in
// the same critical section, so per-owner counts never drift from the table.
type Table struct {
	mu      sync.RWMutex
	byID    map[string]*Session
	byOwner map[string]map[string]*Session
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		byID:    make(map[string]*Session),
		byOwner: make(map[string]map[string]*Session),
	}
}

// Insert adds s unless its id is taken, it was already removed once, or its
// owner already holds maxPerOwner sessions (0 means no cap).
func (t *Table) Insert(s *Session, maxPerOwner int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byID[s.ID]; exists {
		return errDuplicate
	}
	s.mu.Lock()
	removed := s.removed
	s.mu.Unlock()
	if removed {
		return errDuplicate
	}
	owned := t.byOwner[s.Owner]
	if maxPerOwner > 0 && len(owned) >= maxPerOwner {
		return ErrSessionLimit
	}
	if owned == nil {
		owned = make(map[string]*Session)
		t.byOwner[s.Owner] = owned
	}
	t.byID[s.ID] = s
	owned[s.ID] = s
	return nil
}

// Get returns the session with id.
func (t *Table) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	return s, ok
}

// Remove deletes id and marks the session removed. Only one caller ever
// gets ok for a given id.
func (t *Table) Remove(id string) (*Session, bool) {
	return t.RemoveIf(id, nil)
}

// RemoveIf deletes id only if cond (when non-nil) holds, evaluated under
// the table lock.
func (t *Table) RemoveIf(id string, cond func(*Session) bool) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	if cond != nil && !cond(s) {
		return nil, false
	}
	delete(t.byID, id)
	if owned := t.byOwner[s.Owner]; owned != nil {
		delete(owned, id)
		if len(owned) == 0 {
			delete(t.byOwner, s.Owner)
		}
	}
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
	return s, true
}

// Snapshot returns every session, oldest first.
func (t *Table) Snapshot() []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sortByCreation(out)
	return out
}

// ForOwner returns owner's sessions, oldest first.
func (t *Table) ForOwner(owner string) []*Session {
	t.mu.RLock()
	owned := t.byOwner[owner]
	out := make([]*Session, 0, len(owned))
	for _, s := range owned {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sortByCreation(out)
	return out
}

// CountFor returns how many sessions owner holds.
func (t *Table) CountFor(owner string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byOwner[owner])
}

// Len returns the total number of sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

func sortByCreation(ss []*Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].ID < ss[j].ID
		}
		return ss[i].CreatedAt.Before(ss[j].CreatedAt)
	})
}
