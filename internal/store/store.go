// Package store persists accounts, ledger entries, jobs, payments and the
// event outbox. Balance-affecting writes only happen inside WithTx.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixelmind/backend/internal/models"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrConflict means an optimistic version check failed
	ErrConflict = errors.New("store: version conflict")
)

// DuplicateError is a unique violation. Constraint names the violated
// constraint so callers can tell which key collided.
type DuplicateError struct {
	Constraint string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Constraint, ErrDuplicate)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// DuplicateConstraint returns the constraint behind a unique violation, or ""
// when err is not one.
func DuplicateConstraint(err error) string {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup.Constraint
	}
	return ""
}

// Constraint names shared by both stores
const (
	ConstraintAccountEmail    = "accounts_email_key"
	ConstraintAccountReferral = "accounts_referral_code_key"
	ConstraintPaymentOrder    = "idx_payments_order"
)

// Tx is a unit of work. LockAccount serializes all balance changes of one
// account until the transaction ends.
type Tx interface {
	LockAccount(ctx context.Context, accountID string) (*models.Account, error)
	InsertAccount(ctx context.Context, a *models.Account) error
	// UpdateAccount writes balance, lifetime usage, plan and subscription
	// state guarded by a.Version, and bumps the version on success.
	UpdateAccount(ctx context.Context, a *models.Account) error
	AppendEntry(ctx context.Context, e *models.LedgerEntry) error

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	InsertJob(ctx context.Context, j *models.Job) error
	// FinalizeJob moves a processing job to a terminal state. It reports
	// false without changing anything when the job is no longer processing.
	FinalizeJob(ctx context.Context, f Finalization) (bool, error)

	InsertPayment(ctx context.Context, p *models.Payment) error
	Enqueue(ctx context.Context, topic string, payload any) error

	// ResolveManualReconciliation closes an open manual reconciliation for
	// the job, if there is one.
	ResolveManualReconciliation(ctx context.Context, jobID string, at time.Time) error
}

// Finalization is the compare-and-set input of Tx.FinalizeJob
type Finalization struct {
	JobID         string
	State         models.JobState
	OutputRef     *string
	FailureReason *string
	CompletedAt   time.Time
}

// BalanceDrift is an account whose materialized balance disagrees with the
// sum of its ledger entries
type BalanceDrift struct {
	AccountID  string `json:"accountId"`
	Balance    int64  `json:"balance"`
	LedgerSum  int64  `json:"ledgerSum"`
	EntryCount int64  `json:"entryCount"`
}

// ManualReconciliation is a job whose refund could not be applied
// automatically. AccountID is empty when the job could not be read at
// escalation time.
type ManualReconciliation struct {
	JobID      string     `json:"jobId"`
	AccountID  string     `json:"accountId"`
	Amount     int64      `json:"amount"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	ListAccounts(ctx context.Context, limit, offset int) ([]models.Account, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, accountID string, limit int) ([]models.Job, error)
	// ListInFlightJobs returns processing jobs that already have a provider handle
	ListInFlightJobs(ctx context.Context, limit int) ([]models.Job, error)
	ListStaleJobs(ctx context.Context, startedBefore time.Time, limit int) ([]models.Job, error)
	SetProviderHandle(ctx context.Context, jobID, handle string) error

	ClaimOutbox(ctx context.Context, limit int, staleAfter time.Duration) ([]models.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error

	InsertOrder(ctx context.Context, o *models.PaymentOrder) error
	GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error)

	RecordManualReconciliation(ctx context.Context, m ManualReconciliation) error
	ListManualReconciliations(ctx context.Context, limit int) ([]ManualReconciliation, error)

	LedgerDrift(ctx context.Context) ([]BalanceDrift, error)
	Stats(ctx context.Context) (*models.Stats, error)
	Ping(ctx context.Context) error
}

const maxOutboxError = 2000

func truncateReason(reason string) string {
	if len(reason) > maxOutboxError {
		return reason[:maxOutboxError]
	}
	return reason
}
