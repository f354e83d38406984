package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pixelmind/backend/internal/audit"
	"github.com/pixelmind/backend/internal/metrics"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/store"
)

// RetryPolicy controls how often a refund is retried before the job is
// handed to manual reconciliation. Backoff doubles after every attempt.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Backoff: 200 * time.Millisecond}

// Reconciler is the single place where a job leaves the processing state.
// Worker polling, provider callbacks and the stale-job sweeper all end here.
type Reconciler struct {
	store  store.Store
	ledger *LedgerService
	cache  *JobCache
	audit  *audit.Logger
	policy RetryPolicy
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewReconciler(st store.Store, ledger *LedgerService, cache *JobCache, auditLogger *audit.Logger, policy RetryPolicy) *Reconciler {
	if auditLogger == nil {
		auditLogger = audit.NewLogger()
	}
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultRetryPolicy.Backoff
	}
	return &Reconciler{
		store:  st,
		ledger: ledger,
		cache:  cache,
		audit:  auditLogger,
		policy: policy,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reconcile applies a terminal provider outcome to a job. Success commits the
// reserved credits; failure refunds them. Repeating the outcome that already
// finalized the job returns the job unchanged; a different outcome fails with
// ErrAlreadyFinalized.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string, outcome models.Outcome) (*models.Job, error) {
	if outcome.Status != models.OutcomeSuccess && outcome.Status != models.OutcomeFailure {
		return nil, ErrPendingOutcome
	}
	if outcome.Status == models.OutcomeSuccess {
		return r.finalize(ctx, jobID, outcome)
	}
	return r.refundWithRetry(ctx, jobID, outcome)
}

func (r *Reconciler) refundWithRetry(ctx context.Context, jobID string, outcome models.Outcome) (*models.Job, error) {
	backoff := r.policy.Backoff
	var lastErr error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		job, err := r.finalize(ctx, jobID, outcome)
		if err == nil {
			return job, nil
		}
		if permanent(err) {
			return nil, err
		}
		lastErr = err
		log.Printf("[RECONCILE] Refund attempt %d/%d for job %s failed: %v", attempt, r.policy.Attempts, jobID, err)

		if attempt < r.policy.Attempts {
			if err := r.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
			backoff *= 2
		}
	}

	r.escalate(jobID, outcome, lastErr)
	return nil, fmt.Errorf("refund for job %s: %w", jobID, lastErr)
}

func permanent(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrAlreadyFinalized) ||
		errors.Is(err, ErrAccountNotFound)
}

// escalate parks a job whose refund could not be applied. It uses a fresh
// context so a cancelled caller still leaves a trace.
func (r *Reconciler) escalate(jobID string, outcome models.Outcome, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := store.ManualReconciliation{
		JobID:     jobID,
		Reason:    fmt.Sprintf("refund failed (%s): %v", outcome.Reason, cause),
		CreatedAt: r.now().UTC(),
	}
	// The record is written even when the job cannot be read, so the refund
	// is never lost from the queue. The account is filled in on a later
	// escalation of the same job.
	if job, err := r.store.GetJob(ctx, jobID); err == nil {
		rec.AccountID = job.AccountID
		rec.Amount = job.Cost
	} else {
		log.Printf("[RECONCILE] Escalating job %s without account details: %v", jobID, err)
	}
	if err := r.store.RecordManualReconciliation(ctx, rec); err != nil {
		log.Printf("[RECONCILE] Failed to record manual reconciliation for job %s: %v", jobID, err)
	}
	r.audit.LogError("refund", rec.AccountID, jobID, cause)
}

func (r *Reconciler) finalize(ctx context.Context, jobID string, outcome models.Outcome) (*models.Job, error) {
	target := outcome.TargetState()

	var (
		result  *models.Job
		entry   *models.LedgerEntry
		changed bool
	)
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if job.State.Terminal() {
			return settled(job, target, &result)
		}

		acct, err := tx.LockAccount(ctx, job.AccountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		completedAt := r.now().UTC()
		f := store.Finalization{JobID: job.ID, State: target, CompletedAt: completedAt}
		if target == models.JobSuccess {
			f.OutputRef = &outcome.OutputRef
		} else {
			reason := outcome.Reason
			if reason == "" {
				reason = "provider reported failure"
			}
			f.FailureReason = &reason
		}

		ok, err := tx.FinalizeJob(ctx, f)
		if err != nil {
			return fmt.Errorf("finalize job: %w", err)
		}
		if !ok {
			// Lost the race to another finalizer.
			current, err := tx.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			return settled(current, target, &result)
		}

		if target == models.JobSuccess {
			acct.LifetimeUsed += job.Cost
			entry, err = r.ledger.Post(ctx, tx, acct, Posting{
				Kind:        models.EntryCommit,
				Amount:      0,
				JobID:       &job.ID,
				Description: fmt.Sprintf("commit %d credits for %s", job.Cost, job.Tool),
			})
		} else {
			entry, err = r.ledger.Post(ctx, tx, acct, Posting{
				Kind:        models.EntryRefund,
				Amount:      job.Cost,
				JobID:       &job.ID,
				Description: fmt.Sprintf("refund for failed %s", job.Tool),
			})
		}
		if err != nil {
			return err
		}

		// A job parked for manual refund is settled now.
		if err := tx.ResolveManualReconciliation(ctx, job.ID, completedAt); err != nil {
			return fmt.Errorf("resolve manual reconciliation: %w", err)
		}

		job.State = target
		job.OutputRef = f.OutputRef
		job.FailureReason = f.FailureReason
		job.CompletedAt = &completedAt

		event := models.JobFinalizedEvent{
			JobID:     job.ID,
			AccountID: job.AccountID,
			Tool:      job.Tool,
			State:     job.State,
			Cost:      job.Cost,
			OutputRef: outcome.OutputRef,
			Reason:    outcome.Reason,
			At:        completedAt,
		}
		if err := tx.Enqueue(ctx, models.TopicJobFinalized, event); err != nil {
			return err
		}

		result = job
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyFinalized) {
			log.Printf("[RECONCILE] Job %s already finalized, rejected %s outcome", jobID, outcome.Status)
		}
		return nil, err
	}

	if changed {
		r.ledger.Committed(entry)
		r.audit.LogJobFinalized(result)
		metrics.JobsFinalized.WithLabelValues(string(result.Tool), string(result.State)).Inc()
		log.Printf("[RECONCILE] Job %s finalized as %s", result.ID, result.State)
	}
	r.cache.Set(ctx, result)
	return result, nil
}

// settled resolves an outcome against a job that is already terminal
func settled(job *models.Job, target models.JobState, result **models.Job) error {
	if job.State != target {
		return ErrAlreadyFinalized
	}
	*result = job
	return nil
}
