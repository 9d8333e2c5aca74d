package usecase

import (
	"context"

	"github.com/example/biocard/internal/logging"
)

// Summary is the holder's dashboard overview.
type Summary struct {
	TotalCards          int   `json:"total_cards"`
	ActiveCards         int   `json:"active_cards"`
	TotalUsers          int   `json:"total_users"`
	ActiveUsers         int   `json:"active_users"`
	EnrolledUsers       int   `json:"enrolled_users"`
	PendingTransactions int64 `json:"pending_transactions"`
	TotalTransactions   int64 `json:"total_transactions"`
}

// Summary aggregates directory, template and ledger counters.
func (a *Authorizer) Summary(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	cards := a.directory.Cards()
	summary.TotalCards = len(cards)
	for _, c := range cards {
		if c.Active {
			summary.ActiveCards++
		}
	}

	users := a.directory.Users()
	summary.TotalUsers = len(users)
	for _, u := range users {
		if u.Active {
			summary.ActiveUsers++
		}
	}

	enrolled, err := a.templates.Count(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.summary", "", err)
	}
	summary.EnrolledUsers = enrolled

	if summary.PendingTransactions, err = a.ledger.PendingCount(ctx); err != nil {
		return nil, logging.NewOperationError("usecase.summary", "", err)
	}
	if summary.TotalTransactions, err = a.ledger.Total(ctx); err != nil {
		return nil, logging.NewOperationError("usecase.summary", "", err)
	}
	return summary, nil
}
