package templates

import (
	"context"
	"sync"
	"time"

	"github.com/example/biocard/internal/biometric"
)

type entry struct {
	mu       sync.RWMutex
	template Template
	removed  bool
}

// MemoryStore is an in-process Store. Reads of one user share a lock; a write
// for that user excludes its readers. Different users never contend beyond the
// short index lookup.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) lookup(userID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[userID]
}

// Enroll stores a copy of vector as userID's template, replacing any previous one.
func (s *MemoryStore) Enroll(ctx context.Context, userID string, vector biometric.FeatureVector) (Template, error) {
	if err := ctx.Err(); err != nil {
		return Template{}, err
	}
	tpl := Template{OwnerID: userID, Vector: vector.Clone(), EnrolledAt: s.now()}

	for {
		e := s.lookup(userID)
		if e == nil {
			s.mu.Lock()
			if e = s.entries[userID]; e == nil {
				e = &entry{template: tpl}
				s.entries[userID] = e
				s.mu.Unlock()
				return cloneTemplate(tpl), nil
			}
			s.mu.Unlock()
		}

		e.mu.Lock()
		if e.removed {
			// Lost a race with Remove; retry against the current index.
			e.mu.Unlock()
			continue
		}
		e.template = tpl
		e.mu.Unlock()
		return cloneTemplate(tpl), nil
	}
}

// Get returns a copy of userID's template.
func (s *MemoryStore) Get(ctx context.Context, userID string) (Template, bool, error) {
	if err := ctx.Err(); err != nil {
		return Template{}, false, err
	}
	e := s.lookup(userID)
	if e == nil {
		return Template{}, false, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.removed {
		return Template{}, false, nil
	}
	return cloneTemplate(e.template), true, nil
}

// Remove deletes userID's template. Removing an absent template succeeds.
func (s *MemoryStore) Remove(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	e := s.entries[userID]
	delete(s.entries, userID)
	s.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		e.removed = true
		e.template = Template{}
		e.mu.Unlock()
	}
	return nil
}

// Count returns the number of enrolled users.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Reset drops every template.
func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	old := s.entries
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	for _, e := range old {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	return nil
}

func cloneTemplate(t Template) Template {
	t.Vector = t.Vector.Clone()
	return t
}
