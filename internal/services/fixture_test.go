package services

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pixelmind/backend/internal/audit"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/store"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *store.Memory
	ledger     *LedgerService
	credits    *CreditService
	reconciler *Reconciler
	audit      *audit.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	auditLogger := audit.NewLoggerTo(io.Discard)
	ledger := NewLedgerService(auditLogger)
	rec := NewReconciler(st, ledger, nil, auditLogger, RetryPolicy{Attempts: 3, Backoff: time.Millisecond})
	rec.sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{
		store:      st,
		ledger:     ledger,
		credits:    NewCreditService(st, ledger, nil),
		reconciler: rec,
		audit:      auditLogger,
	}
}

// seedAccount creates an account whose balance is fully explained by one
// adjustment entry
func (f *fixture) seedAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	ctx := context.Background()
	err := f.store.WithTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		if err := tx.InsertAccount(ctx, &models.Account{
			ID:           id,
			Email:        id + "@example.com",
			Plan:         models.PlanFree,
			ReferralCode: "REF" + id,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return err
		}
		if balance == 0 {
			return nil
		}
		acct, err := tx.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		_, err = f.ledger.Post(ctx, tx, acct, Posting{Kind: models.EntryAdjustment, Amount: balance, Description: "seed"})
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, id string) *models.Account {
	t.Helper()
	acct, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct
}

func (f *fixture) requireNoDrift(t *testing.T) {
	t.Helper()
	drift, err := f.store.LedgerDrift(context.Background())
	require.NoError(t, err)
	require.Empty(t, drift)
}

func upscale() models.UpscaleParams {
	return models.UpscaleParams{ImageRef: "s3://bucket/in.png"}
}
