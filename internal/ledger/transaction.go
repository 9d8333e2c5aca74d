// Package ledger records every withdrawal and verification attempt and drives
// the pending -> approved|denied status machine.
package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the review state of a transaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Method records how the person at the terminal was verified.
type Method string

const (
	MethodBiometric Method = "biometric"
	MethodManual    Method = "manual"
)

// UnknownUser marks transactions nobody could be matched to.
const UnknownUser = "unknown"

// DefaultLocation is used when the terminal does not report one.
const DefaultLocation = "ATM - Demo Location"

var (
	ErrInvalidTransition   = errors.New("invalid transaction transition")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrUnknownCard         = errors.New("unknown card")
	ErrInvalidTransaction  = errors.New("invalid transaction")
)

// Transaction is one ledger entry.
type Transaction struct {
	ID        string          `json:"id"`
	CardID    string          `json:"card_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Location  string          `json:"location"`
	Status    Status          `json:"status"`
	Method    Method          `json:"verification_method"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewTransaction is the caller-supplied part of a Transaction.
type NewTransaction struct {
	CardID   string
	UserID   string
	Amount   decimal.Decimal
	Location string
	Status   Status
	Method   Method
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status Status
	Search string
	CardID string
	UserID string
}

// Matches applies the filter to a single transaction. Search is a
// case-insensitive substring test over location, amount, card and user ids.
func (f Filter) Matches(tx Transaction) bool {
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.CardID != "" && tx.CardID != f.CardID {
		return false
	}
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))
	if search == "" {
		return true
	}
	for _, field := range []string{tx.Location, tx.Amount.String(), tx.CardID, tx.UserID} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}
