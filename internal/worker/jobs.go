package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pixelmind/backend/internal/metrics"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/store"
)

// Jobs holds the scheduled maintenance tasks
type Jobs struct {
	store      store.Store
	reconciler JobReconciler
	logger     *slog.Logger
	jobTimeout time.Duration
	now        func() time.Time
}

func NewJobs(st store.Store, rec JobReconciler, logger *slog.Logger, jobTimeout time.Duration) *Jobs {
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	return &Jobs{
		store:      st,
		reconciler: rec,
		logger:     logger,
		jobTimeout: jobTimeout,
		now:        time.Now,
	}
}

// SweepStaleJobs fails jobs that have been processing longer than the job
// timeout, which refunds their reservation.
func (j *Jobs) SweepStaleJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	swept, err := j.sweep(ctx)
	if err != nil {
		j.logger.Error("stale job sweep failed", "error", err)
		return
	}
	if swept > 0 {
		j.logger.Info("stale jobs failed", "count", swept)
	}
}

func (j *Jobs) sweep(ctx context.Context) (int, error) {
	cutoff := j.now().UTC().Add(-j.jobTimeout)
	jobs, err := j.store.ListStaleJobs(ctx, cutoff, 200)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range jobs {
		if _, err := j.reconciler.Reconcile(ctx, job.ID, models.Failed("timed out")); err != nil {
			if !isSettled(err) {
				j.logger.Error("failed to time out job", "job_id", job.ID, "error", err)
			}
			continue
		}
		swept++
	}
	return swept, nil
}

// AuditLedger compares every balance with the sum of its ledger entries
func (j *Jobs) AuditLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	drift, err := j.audit(ctx)
	if err != nil {
		j.logger.Error("ledger audit failed", "error", err)
		return
	}
	if len(drift) == 0 {
		j.logger.Info("ledger audit clean")
	}
}

func (j *Jobs) audit(ctx context.Context) ([]store.BalanceDrift, error) {
	drift, err := j.store.LedgerDrift(ctx)
	if err != nil {
		return nil, err
	}
	metrics.LedgerDrift.Set(float64(len(drift)))
	for _, d := range drift {
		j.logger.Error("balance drift",
			"account_id", d.AccountID,
			"balance", d.Balance,
			"ledger_sum", d.LedgerSum,
			"entries", d.EntryCount,
		)
	}
	return drift, nil
}
