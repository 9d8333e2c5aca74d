package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/biocard/internal/ledger"
	"github.com/example/biocard/internal/logging"
)

// TransactionRecord is the persisted form of a ledger transaction. Seq keeps
// insertion order independent of clock resolution.
type TransactionRecord struct {
	Seq       uint            `gorm:"primaryKey;autoIncrement"`
	ID        string          `gorm:"column:id;uniqueIndex;size:64"`
	CardID    string          `gorm:"column:card_id;index;size:64"`
	UserID    string          `gorm:"column:user_id;index;size:64"`
	Amount    decimal.Decimal `gorm:"column:amount;type:numeric(12,2)"`
	Location  string          `gorm:"column:location;size:255"`
	Status    string          `gorm:"column:status;index;size:16"`
	Method    string          `gorm:"column:verification_method;size:16"`
	CreatedAt time.Time       `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (TransactionRecord) TableName() string {
	return "transactions"
}

func (r TransactionRecord) toDomain() ledger.Transaction {
	return ledger.Transaction{
		ID:        r.ID,
		CardID:    r.CardID,
		UserID:    r.UserID,
		Amount:    r.Amount,
		Location:  r.Location,
		Status:    ledger.Status(r.Status),
		Method:    ledger.Method(r.Method),
		Timestamp: r.CreatedAt,
	}
}

func recordFrom(tx ledger.Transaction) TransactionRecord {
	return TransactionRecord{
		ID:        tx.ID,
		CardID:    tx.CardID,
		UserID:    tx.UserID,
		Amount:    tx.Amount,
		Location:  tx.Location,
		Status:    string(tx.Status),
		Method:    string(tx.Method),
		CreatedAt: tx.Timestamp,
	}
}

// TransactionRepository is a ledger.Store backed by PostgreSQL through GORM.
type TransactionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewTransactionRepository creates a new repository instance.
func NewTransactionRepository(db *gorm.DB, logger *zap.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:             db,
		logger:         logger.Named("transaction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *TransactionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&TransactionRecord{})
}

// Insert persists a new transaction.
func (r *TransactionRepository) Insert(ctx context.Context, tx ledger.Transaction) error {
	rec := recordFrom(tx)
	return r.executeWithRetry(ctx, "repository.insert_transaction", tx.ID, func() error {
		return r.db.WithContext(ctx).Create(&rec).Error
	})
}

// Get loads one transaction by id.
func (r *TransactionRepository) Get(ctx context.Context, id string) (ledger.Transaction, error) {
	var rec TransactionRecord
	err := r.executeWithRetry(ctx, "repository.get_transaction", id, func() error {
		return r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	return rec.toDomain(), nil
}

// Transition performs a conditional update so that only a pending row can
// change; a losing concurrent caller sees zero affected rows.
func (r *TransactionRepository) Transition(ctx context.Context, id string, to ledger.Status) (ledger.Transaction, error) {
	var affected int64
	err := r.executeWithRetry(ctx, "repository.transition_transaction", id, func() error {
		res := r.db.WithContext(ctx).
			Model(&TransactionRecord{}).
			Where("id = ? AND status = ?", id, string(ledger.StatusPending)).
			Update("status", string(to))
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if affected == 0 {
		return current, ledger.ErrInvalidTransition
	}
	return current, nil
}

// List returns matching transactions, most recent first.
func (r *TransactionRepository) List(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error) {
	var recs []TransactionRecord
	err := r.executeWithRetry(ctx, "repository.list_transactions", "", func() error {
		return r.filtered(ctx, filter).Order("seq DESC").Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Transaction, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

// Count returns the number of matching transactions.
func (r *TransactionRepository) Count(ctx context.Context, filter ledger.Filter) (int64, error) {
	var n int64
	err := r.executeWithRetry(ctx, "repository.count_transactions", "", func() error {
		return r.filtered(ctx, filter).Count(&n).Error
	})
	return n, err
}

func (r *TransactionRepository) filtered(ctx context.Context, filter ledger.Filter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&TransactionRecord{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.CardID != "" {
		q = q.Where("card_id = ?", filter.CardID)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		like := "%" + search + "%"
		q = q.Where("LOWER(location) LIKE ? OR CAST(amount AS TEXT) LIKE ? OR LOWER(card_id) LIKE ? OR LOWER(user_id) LIKE ?",
			like, like, like, like)
	}
	return q
}

func (r *TransactionRepository) executeWithRetry(ctx context.Context, operation, ref string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, ref)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, ref, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !logging.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, ref, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, ref, err)
}
