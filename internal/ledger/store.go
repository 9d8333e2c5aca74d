package ledger

import (
	"context"
	"sync"
)

// Store is the persistence behind the Ledger.
// Transition must atomically move a pending transaction to a terminal status
// and fail with ErrInvalidTransition when the current status is already terminal.
type Store interface {
	Insert(ctx context.Context, tx Transaction) error
	Get(ctx context.Context, id string) (Transaction, error)
	Transition(ctx context.Context, id string, to Status) (Transaction, error)
	List(ctx context.Context, filter Filter) ([]Transaction, error)
	Count(ctx context.Context, filter Filter) (int64, error)
}

// MemoryStore keeps transactions in insertion order.
type MemoryStore struct {
	mu    sync.RWMutex
	order []*Transaction
	byID  map[string]*Transaction
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Transaction)}
}

// Insert appends tx; a duplicate id is rejected with ErrInvalidTransaction.
func (s *MemoryStore) Insert(ctx context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[tx.ID]; exists {
		return ErrInvalidTransaction
	}
	stored := tx
	s.order = append(s.order, &stored)
	s.byID[tx.ID] = &stored
	return nil
}

// Get returns a copy of the transaction with the given id.
func (s *MemoryStore) Get(ctx context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return *tx, nil
}

// Transition sets the status of a pending transaction; terminal ones are left as is.
func (s *MemoryStore) Transition(ctx context.Context, id string, to Status) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if tx.Status.Terminal() {
		return *tx, ErrInvalidTransition
	}
	tx.Status = to
	return *tx, nil
}

// List returns matches most recent first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transaction, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if filter.Matches(*s.order[i]) {
			out = append(out, *s.order[i])
		}
	}
	return out, nil
}

// Count returns how many transactions match filter.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, tx := range s.order {
		if filter.Matches(*tx) {
			n++
		}
	}
	return n, nil
}
