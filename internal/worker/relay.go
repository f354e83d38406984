// Package worker runs the background loops of the job pipeline: the outbox
// relay that dispatches jobs and publishes events, the provider poller, and
// the scheduled sweeper and ledger audit.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pixelmind/backend/internal/config"
	"github.com/pixelmind/backend/internal/events"
	"github.com/pixelmind/backend/internal/metrics"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/provider"
	"github.com/pixelmind/backend/internal/store"
)

const (
	defaultBatchSize       = 50
	defaultRelayInterval   = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// JobReconciler applies a terminal provider outcome to a job
type JobReconciler interface {
	Reconcile(ctx context.Context, jobID string, outcome models.Outcome) (*models.Job, error)
}

// Relay drains the event outbox. job.dispatch messages are handed to the
// provider; everything else is published to the broker.
type Relay struct {
	store            store.Store
	gateway          provider.Gateway
	reconciler       JobReconciler
	publisher        events.Publisher
	logger           *slog.Logger
	batchSize        int
	interval         time.Duration
	staleProcessing  time.Duration
	dispatchAttempts int
}

func NewRelay(st store.Store, gw provider.Gateway, rec JobReconciler, pub events.Publisher, logger *slog.Logger, cfg config.WorkerConfig) *Relay {
	r := &Relay{
		store:            st,
		gateway:          gw,
		reconciler:       rec,
		publisher:        pub,
		logger:           logger,
		batchSize:        cfg.OutboxBatchSize,
		interval:         cfg.OutboxInterval,
		staleProcessing:  cfg.OutboxStaleAfter,
		dispatchAttempts: cfg.DispatchAttempts,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.interval <= 0 {
		r.interval = defaultRelayInterval
	}
	if r.staleProcessing <= 0 {
		r.staleProcessing = defaultStaleProcessing
	}
	if r.dispatchAttempts <= 0 {
		r.dispatchAttempts = 5
	}
	return r
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.FlushOnce(ctx); err != nil {
				r.logger.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// FlushOnce claims one batch and handles it. It returns how many messages
// were settled.
func (r *Relay) FlushOnce(ctx context.Context) (int, error) {
	messages, err := r.store.ClaimOutbox(ctx, r.batchSize, r.staleProcessing)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, message := range messages {
		if err := r.handle(ctx, message); err != nil {
			metrics.OutboxRelayed.WithLabelValues(message.Topic, "retry").Inc()
			retryAfter := time.Duration(retryDelaySeconds(message.Attempts)) * time.Second
			if markErr := r.store.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				r.logger.Error("failed to mark outbox message failed", "id", message.ID, "error", markErr)
			}
			continue
		}
		metrics.OutboxRelayed.WithLabelValues(message.Topic, "ok").Inc()
		if err := r.store.MarkOutboxPublished(ctx, message.ID); err != nil {
			r.logger.Error("failed to mark outbox message published", "id", message.ID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (r *Relay) handle(ctx context.Context, message models.OutboxMessage) error {
	if message.Topic == models.TopicJobDispatch {
		return r.dispatch(ctx, message)
	}
	return r.publisher.Publish(ctx, message.Topic, message.Payload)
}

func (r *Relay) dispatch(ctx context.Context, message models.OutboxMessage) error {
	var evt models.JobDispatchEvent
	if err := json.Unmarshal(message.Payload, &evt); err != nil {
		r.logger.Error("dropping malformed dispatch message", "id", message.ID, "error", err)
		return nil
	}

	job, err := r.store.GetJob(ctx, evt.JobID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("dispatch for unknown job", "job_id", evt.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.State != models.JobProcessing || job.ProviderHandle != nil {
		return nil
	}

	// The job id keys the dispatch, so redelivering this message after a
	// failed handle write finds the prediction already started.
	handle, err := r.gateway.Dispatch(ctx, job.ID, job.Tool, job.Params)
	if err != nil {
		if errors.Is(err, provider.ErrRejected) || message.Attempts >= r.dispatchAttempts {
			r.logger.Warn("giving up on dispatch", "job_id", job.ID, "attempts", message.Attempts, "error", err)
			return r.fail(ctx, job.ID, fmt.Sprintf("dispatch failed: %v", err))
		}
		return err
	}

	if err := r.store.SetProviderHandle(ctx, job.ID, string(handle)); err != nil {
		return err
	}
	r.logger.Info("job dispatched", "job_id", job.ID, "tool", job.Tool, "handle", handle)
	return nil
}

func (r *Relay) fail(ctx context.Context, jobID, reason string) error {
	_, err := r.reconciler.Reconcile(ctx, jobID, models.Failed(reason))
	if err != nil && !isSettled(err) {
		return err
	}
	return nil
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
