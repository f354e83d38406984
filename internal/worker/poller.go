package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pixelmind/backend/internal/config"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/provider"
	"github.com/pixelmind/backend/internal/services"
	"github.com/pixelmind/backend/internal/store"
)

// Poller asks the provider about every in-flight job and reconciles the ones
// that reached a terminal outcome.
type Poller struct {
	store      store.Store
	gateway    provider.Gateway
	reconciler JobReconciler
	logger     *slog.Logger
	interval   time.Duration
	batchSize  int
}

func NewPoller(st store.Store, gw provider.Gateway, rec JobReconciler, logger *slog.Logger, cfg config.WorkerConfig) *Poller {
	p := &Poller{
		store:      st,
		gateway:    gw,
		reconciler: rec,
		logger:     logger,
		interval:   cfg.PollInterval,
		batchSize:  cfg.PollBatchSize,
	}
	if p.interval <= 0 {
		p.interval = 2 * time.Second
	}
	if p.batchSize <= 0 {
		p.batchSize = 100
	}
	return p
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil {
				p.logger.Error("provider poll failed", "error", err)
			}
		}
	}
}

// PollOnce returns how many jobs were finalized
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	jobs, err := p.store.ListInFlightJobs(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	finalized := 0
	for _, job := range jobs {
		if job.ProviderHandle == nil {
			continue
		}
		outcome, err := p.gateway.Poll(ctx, provider.Handle(*job.ProviderHandle))
		if err != nil {
			p.logger.Warn("poll failed", "job_id", job.ID, "error", err)
			continue
		}
		if outcome.Status == models.OutcomePending {
			continue
		}

		if _, err := p.reconciler.Reconcile(ctx, job.ID, outcome); err != nil {
			if !isSettled(err) {
				p.logger.Error("reconcile failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		finalized++
	}
	return finalized, nil
}

// isSettled reports errors that mean another path already finalized the job
func isSettled(err error) bool {
	return errors.Is(err, services.ErrAlreadyFinalized) || errors.Is(err, services.ErrJobNotFound)
}
