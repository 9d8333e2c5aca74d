package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/biocard/internal/logging"
)

// CardLookup confirms that a card id refers to a registered card.
type CardLookup interface {
	CardExists(cardID string) bool
}

// Ledger validates and records transactions on top of a Store.
type Ledger struct {
	store  Store
	cards  CardLookup
	logger *zap.Logger
	now    func() time.Time
}

// New constructs a ledger. cards may be nil to skip the existence check.
func New(store Store, cards CardLookup, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		cards:  cards,
		logger: logger.Named("ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create assigns an id and timestamp and stores the transaction. Status
// defaults to pending; the only terminal status accepted at creation is
// approved for a biometric verification of a known user.
func (l *Ledger) Create(ctx context.Context, in NewTransaction) (Transaction, error) {
	if in.CardID == "" {
		return Transaction{}, fmt.Errorf("%w: card id is required", ErrInvalidTransaction)
	}
	if l.cards != nil && !l.cards.CardExists(in.CardID) {
		return Transaction{}, ErrUnknownCard
	}
	if in.Amount.IsNegative() {
		return Transaction{}, fmt.Errorf("%w: amount must not be negative", ErrInvalidTransaction)
	}

	tx := Transaction{
		ID:        uuid.NewString(),
		CardID:    in.CardID,
		UserID:    in.UserID,
		Amount:    in.Amount,
		Location:  in.Location,
		Status:    in.Status,
		Method:    in.Method,
		Timestamp: l.now(),
	}
	if tx.UserID == "" {
		tx.UserID = UnknownUser
	}
	if tx.Location == "" {
		tx.Location = DefaultLocation
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	if tx.Method == "" {
		tx.Method = MethodBiometric
	}

	switch {
	case !tx.Status.Valid():
		return Transaction{}, fmt.Errorf("%w: status %q", ErrInvalidTransaction, tx.Status)
	case tx.Method != MethodBiometric && tx.Method != MethodManual:
		return Transaction{}, fmt.Errorf("%w: method %q", ErrInvalidTransaction, tx.Method)
	case tx.Status == StatusDenied:
		return Transaction{}, fmt.Errorf("%w: transactions cannot be created denied", ErrInvalidTransaction)
	case tx.Status == StatusApproved && (tx.Method != MethodBiometric || tx.UserID == UnknownUser):
		return Transaction{}, fmt.Errorf("%w: only verified biometric transactions may be created approved", ErrInvalidTransaction)
	}

	if err := l.store.Insert(ctx, tx); err != nil {
		wrapped := logging.NewOperationError("ledger.create", tx.ID, err)
		l.logger.Error("failed to record transaction", zap.Error(wrapped))
		return Transaction{}, wrapped
	}

	logging.WithOperation(l.logger, "ledger.create", tx.ID).Info("transaction recorded",
		zap.String("card_id", tx.CardID),
		zap.String("user_id", tx.UserID),
		zap.String("status", string(tx.Status)),
		zap.String("method", string(tx.Method)),
	)
	return tx, nil
}

// SetStatus moves a pending transaction to approved or denied. Concurrent
// calls for the same id resolve to exactly one success.
func (l *Ledger) SetStatus(ctx context.Context, id string, status Status) (Transaction, error) {
	if !status.Terminal() {
		return Transaction{}, fmt.Errorf("%w: target status %q", ErrInvalidTransition, status)
	}
	tx, err := l.store.Transition(ctx, id, status)
	if err != nil {
		logging.WithOperation(l.logger, "ledger.set_status", id).Warn("status change rejected",
			zap.String("target", string(status)), zap.Error(err))
		return Transaction{}, err
	}
	logging.WithOperation(l.logger, "ledger.set_status", id).Info("transaction reviewed",
		zap.String("status", string(tx.Status)))
	return tx, nil
}

// Get returns a single transaction.
func (l *Ledger) Get(ctx context.Context, id string) (Transaction, error) {
	return l.store.Get(ctx, id)
}

// List returns matching transactions, most recent first.
func (l *Ledger) List(ctx context.Context, filter Filter) ([]Transaction, error) {
	return l.store.List(ctx, filter)
}

// PendingCount returns how many transactions await review.
func (l *Ledger) PendingCount(ctx context.Context) (int64, error) {
	return l.store.Count(ctx, Filter{Status: StatusPending})
}

// Total returns the number of recorded transactions.
func (l *Ledger) Total(ctx context.Context) (int64, error) {
	return l.store.Count(ctx, Filter{})
}

// ForCard returns the history of one card.
func (l *Ledger) ForCard(ctx context.Context, cardID string) ([]Transaction, error) {
	return l.store.List(ctx, Filter{CardID: cardID})
}

// ForUser returns the history of one user.
func (l *Ledger) ForUser(ctx context.Context, userID string) ([]Transaction, error) {
	return l.store.List(ctx, Filter{UserID: userID})
}
