package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/store"
)

type AdminService struct {
	store  store.Store
	ledger *LedgerService
}

func NewAdminService(st store.Store, ledger *LedgerService) *AdminService {
	return &AdminService{store: st, ledger: ledger}
}

func (s *AdminService) Stats(ctx context.Context) (*models.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *AdminService) ListAccounts(ctx context.Context, limit, offset int) ([]models.Account, error) {
	if offset < 0 {
		offset = 0
	}
	return s.store.ListAccounts(ctx, ClampLimit(limit), offset)
}

// Adjust posts a manual credit correction. It goes through the ledger like
// every other balance change and may not take the balance below zero.
func (s *AdminService) Adjust(ctx context.Context, accountID string, amount int64, reason, actor string) (*models.Account, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be non-zero", ErrInvalidParams)
	}

	var (
		account *models.Account
		entry   *models.LedgerEntry
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		entry, err = s.ledger.Post(ctx, tx, acct, Posting{
			Kind:        models.EntryAdjustment,
			Amount:      amount,
			Description: fmt.Sprintf("admin adjustment by %s: %s", actor, reason),
		})
		account = acct
		return err
	})
	if err != nil {
		return nil, err
	}

	s.ledger.Committed(entry)
	log.Printf("[ADMIN] %s adjusted account %s by %d", actor, accountID, amount)
	return account, nil
}

// Verify reports accounts whose balance disagrees with their ledger
func (s *AdminService) Verify(ctx context.Context) ([]store.BalanceDrift, error) {
	return s.store.LedgerDrift(ctx)
}

func (s *AdminService) ManualReconciliations(ctx context.Context, limit int) ([]store.ManualReconciliation, error) {
	return s.store.ListManualReconciliations(ctx, ClampLimit(limit))
}
