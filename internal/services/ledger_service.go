package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pixelmind/backend/internal/audit"
	"github.com/pixelmind/backend/internal/metrics"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/store"
)

// Posting is one balance change to apply to a locked account
type Posting struct {
	Kind        models.EntryKind
	Amount      int64
	JobID       *string
	PaymentRef  *string
	Description string
}

// LedgerService is the only writer of account balances. Every change is an
// appended entry plus a version-checked account update in the same Tx.
type LedgerService struct {
	audit *audit.Logger
	now   func() time.Time
}

func NewLedgerService(auditLogger *audit.Logger) *LedgerService {
	if auditLogger == nil {
		auditLogger = audit.NewLogger()
	}
	return &LedgerService{
		audit: auditLogger,
		now:   time.Now,
	}
}

// Post appends an entry for p and writes the new balance to acct. acct must
// have been obtained from tx.LockAccount in the same transaction.
func (s *LedgerService) Post(ctx context.Context, tx store.Tx, acct *models.Account, p Posting) (*models.LedgerEntry, error) {
	newBalance := acct.Balance + p.Amount
	if newBalance < 0 {
		if p.Kind == models.EntryReserve {
			return nil, &InsufficientCreditsError{Required: -p.Amount, Available: acct.Balance}
		}
		return nil, ErrNegativeBalance
	}

	entry := &models.LedgerEntry{
		ID:           uuid.NewString(),
		AccountID:    acct.ID,
		Kind:         p.Kind,
		Amount:       p.Amount,
		BalanceAfter: newBalance,
		JobID:        p.JobID,
		PaymentRef:   p.PaymentRef,
		Description:  p.Description,
		CreatedAt:    s.now().UTC(),
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append %s entry: %w", p.Kind, err)
	}

	acct.Balance = newBalance
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("optimistic lock failed for account %s: %w", acct.ID, err)
		}
		return nil, err
	}
	return entry, nil
}

// Committed reports entries whose transaction has committed
func (s *LedgerService) Committed(entries ...*models.LedgerEntry) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		s.audit.LogEntry(*e)
		amount := e.Amount
		if amount < 0 {
			amount = -amount
		}
		metrics.CreditsMoved.WithLabelValues(string(e.Kind)).Add(float64(amount))
	}
}
