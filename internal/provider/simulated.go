package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pixelmind/backend/internal/models"
)

// defaultRetention is how long a finished simulated job stays pollable
const defaultRetention = 10 * time.Minute

// Simulated completes every job after Delay without calling out. It backs
// local development and tests.
type Simulated struct {
	Delay time.Duration
	// Retention keeps a finished job pollable for a while so a reconcile that
	// failed can poll again. Finished jobs older than this are dropped.
	Retention time.Duration
	// Fail, when set, decides per dispatch whether the job should fail and why
	Fail func(tool models.Tool, params models.Params) string

	mu      sync.Mutex
	started map[Handle]*simulatedJob
	byKey   map[string]Handle
	now     func() time.Time
}

type simulatedJob struct {
	key        string
	tool       models.Tool
	at         time.Time
	failure    string
	finishedAt time.Time
}

func NewSimulated(delay time.Duration) *Simulated {
	return &Simulated{
		Delay:     delay,
		Retention: defaultRetention,
		started:   make(map[Handle]*simulatedJob),
		byKey:     make(map[string]Handle),
		now:       time.Now,
	}
}

// Dispatch starts a job. Dispatching the same key again returns the handle
// of the job already started for it.
func (s *Simulated) Dispatch(ctx context.Context, key string, tool models.Tool, params models.Params) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()

	if h, ok := s.byKey[key]; ok && key != "" {
		return h, nil
	}

	job := &simulatedJob{key: key, tool: tool, at: s.now()}
	if s.Fail != nil {
		job.failure = s.Fail(tool, params)
	}

	h := Handle("sim-" + uuid.NewString())
	s.started[h] = job
	if key != "" {
		s.byKey[key] = h
	}
	return h, nil
}

func (s *Simulated) Poll(ctx context.Context, h Handle) (models.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return models.Outcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()

	job, ok := s.started[h]
	if !ok {
		return models.Failed("unknown prediction"), nil
	}
	if s.now().Sub(job.at) < s.Delay {
		return models.Pending(), nil
	}
	if job.finishedAt.IsZero() {
		job.finishedAt = s.now()
	}
	if job.failure != "" {
		return models.Failed(job.failure), nil
	}
	return models.Succeeded(fmt.Sprintf("sim://%s/%s.png", job.tool, h)), nil
}

// Tracked reports how many jobs are held in memory
func (s *Simulated) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

// prune drops jobs whose terminal outcome was reported more than Retention
// ago. Callers hold s.mu.
func (s *Simulated) prune() {
	cutoff := s.now().Add(-s.Retention)
	for h, job := range s.started {
		if !job.finishedAt.IsZero() && job.finishedAt.Before(cutoff) {
			delete(s.started, h)
			if job.key != "" {
				delete(s.byKey, job.key)
			}
		}
	}
}
