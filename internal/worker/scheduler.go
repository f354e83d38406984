package worker

import (
	"context"
	"log/slog"

	"github.com/pixelmind/backend/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler runs the periodic maintenance jobs
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.WorkerConfig
}

func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.WorkerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. A bad schedule is
// returned rather than logged so the worker refuses to boot half-configured.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.SweepSchedule, s.jobs.SweepStaleJobs); err != nil {
		return err
	}
	s.logger.Info("scheduled stale job sweep", "schedule", s.config.SweepSchedule)

	if _, err := s.cron.AddFunc(s.config.AuditSchedule, s.jobs.AuditLedger); err != nil {
		return err
	}
	s.logger.Info("scheduled ledger audit", "schedule", s.config.AuditSchedule)

	s.cron.Start()
	return nil
}

// Stop returns a context that is done once running jobs have finished
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
