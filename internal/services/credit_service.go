package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pixelmind/backend/internal/metrics"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/store"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// CreditService authorizes tool invocations and serves job status
type CreditService struct {
	store  store.Store
	ledger *LedgerService
	cache  *JobCache
	now    func() time.Time
}

func NewCreditService(st store.Store, ledger *LedgerService, cache *JobCache) *CreditService {
	return &CreditService{
		store:  st,
		ledger: ledger,
		cache:  cache,
		now:    time.Now,
	}
}

// SubmitRaw resolves a tool name and decodes its params before calling Submit
func (s *CreditService) SubmitRaw(ctx context.Context, accountID, toolName string, raw json.RawMessage) (*models.Job, error) {
	tool, err := models.ParseTool(toolName)
	if err != nil {
		metrics.JobsSubmitted.WithLabelValues("unknown", "unknown_tool").Inc()
		return nil, err
	}
	params, err := models.DecodeParams(tool, raw)
	if err != nil {
		metrics.JobsSubmitted.WithLabelValues(string(tool), "invalid_params").Inc()
		return nil, err
	}
	return s.Submit(ctx, accountID, tool, params)
}

// Submit reserves the tool's cost and creates a processing job in one
// transaction. Nothing is written when it fails. Dispatch to the provider
// happens after commit through the job.dispatch outbox message.
func (s *CreditService) Submit(ctx context.Context, accountID string, tool models.Tool, params models.Params) (*models.Job, error) {
	cost, ok := models.ToolCost(tool)
	if !ok {
		return nil, ErrUnknownTool
	}
	if params == nil || params.Tool() != tool {
		return nil, fmt.Errorf("%w: params do not match tool %s", ErrInvalidParams, tool)
	}

	var (
		job   *models.Job
		entry *models.LedgerEntry
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("lock account: %w", err)
		}
		if acct.Balance < cost {
			return &InsufficientCreditsError{Required: cost, Available: acct.Balance}
		}

		job = &models.Job{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Tool:      tool,
			Cost:      cost,
			State:     models.JobProcessing,
			Params:    params,
			InputRef:  models.ImageRef(params),
			CreatedAt: s.now().UTC(),
		}
		if err := tx.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		entry, err = s.ledger.Post(ctx, tx, acct, Posting{
			Kind:        models.EntryReserve,
			Amount:      -cost,
			JobID:       &job.ID,
			Description: fmt.Sprintf("reserve for %s", tool),
		})
		if err != nil {
			return err
		}

		return tx.Enqueue(ctx, models.TopicJobDispatch, models.JobDispatchEvent{JobID: job.ID})
	})
	if err != nil {
		metrics.JobsSubmitted.WithLabelValues(string(tool), submitResult(err)).Inc()
		return nil, err
	}

	s.ledger.Committed(entry)
	metrics.JobsSubmitted.WithLabelValues(string(tool), "accepted").Inc()
	log.Printf("[CREDITS] Job %s accepted for account %s: tool=%s cost=%d", job.ID, accountID, tool, cost)
	return job, nil
}

func submitResult(err error) string {
	var insufficient *InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		return "insufficient_credits"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	default:
		return "error"
	}
}

// GetJob returns the current job record. It never mutates anything.
func (s *CreditService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	if job, ok := s.cache.Get(ctx, jobID); ok {
		return job, nil
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	s.cache.Set(ctx, job)
	return job, nil
}

// ListJobs returns the account's most recent jobs, newest first
func (s *CreditService) ListJobs(ctx context.Context, accountID string, limit int) ([]models.Job, error) {
	return s.store.ListJobs(ctx, accountID, ClampLimit(limit))
}

// ClampLimit applies the default and maximum page sizes
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// PollOptions bounds WaitForJob
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollOptions polls every 500ms for up to two minutes
var DefaultPollOptions = PollOptions{Interval: 500 * time.Millisecond, MaxAttempts: 240}

// JobFetcher loads a job by id
type JobFetcher func(ctx context.Context, jobID string) (*models.Job, error)

// WaitForJob polls fetch until the job is terminal. It returns the last
// observed job together with ErrPollTimeout when attempts run out. Giving up
// has no effect on the job itself.
func WaitForJob(ctx context.Context, fetch JobFetcher, jobID string, opts PollOptions) (*models.Job, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollOptions.Interval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultPollOptions.MaxAttempts
	}

	var last *models.Job
	for attempt := 1; ; attempt++ {
		job, err := fetch(ctx, jobID)
		if err != nil {
			return last, err
		}
		last = job
		if job.State.Terminal() {
			return job, nil
		}
		if attempt >= opts.MaxAttempts {
			return last, ErrPollTimeout
		}

		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitForJob polls this service's GetJob
func (s *CreditService) WaitForJob(ctx context.Context, jobID string, opts PollOptions) (*models.Job, error) {
	return WaitForJob(ctx, s.GetJob, jobID, opts)
}
