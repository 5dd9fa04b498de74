/**
 * @description
 * Cron scheduler for the settlement background jobs: the expiry sweep over unpaid
 * orders and the recovery sweep over stalled settlements.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepRunner is the part of the orchestrator the jobs drive.
type SweepRunner interface {
	ExpireStaleOrders(ctx context.Context, now time.Time) (int, error)
	RecoverStuckSettlements(ctx context.Context, now time.Time) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	runner  SweepRunner
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewJobs(runner SweepRunner, logger *slog.Logger) *Jobs {
	return &Jobs{runner: runner, logger: logger, timeout: 2 * time.Minute, now: time.Now}
}

// ExpireOrders moves unpaid orders past their window to EXPIRED.
func (j *Jobs) ExpireOrders() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	expired, err := j.runner.ExpireStaleOrders(ctx, j.now())
	if err != nil {
		j.logger.Error("order expiry job failed", "error", err, "expired", expired)
		return
	}
	if expired > 0 {
		j.logger.Info("order expiry job finished", "expired", expired)
	}
}

// RecoverSettlements re-enqueues settlements that stopped making progress.
func (j *Jobs) RecoverSettlements() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	enqueued, err := j.runner.RecoverStuckSettlements(ctx, j.now())
	if err != nil {
		j.logger.Error("settlement recovery job failed", "error", err, "enqueued", enqueued)
		return
	}
	if enqueued > 0 {
		j.logger.Warn("settlement recovery job re-enqueued stalled orders", "enqueued", enqueued)
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron             *cron.Cron
	jobs             *Jobs
	logger           *slog.Logger
	expirySchedule   string
	recoverySchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, expirySchedule, recoverySchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:             c,
		jobs:             jobs,
		logger:           logger,
		expirySchedule:   expirySchedule,
		recoverySchedule: recoverySchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.expirySchedule, s.jobs.ExpireOrders); err != nil {
		s.logger.Error("failed to schedule order expiry job", "error", err)
		return err
	}
	s.logger.Info("scheduled order expiry job", "schedule", s.expirySchedule)

	if _, err := s.cron.AddFunc(s.recoverySchedule, s.jobs.RecoverSettlements); err != nil {
		s.logger.Error("failed to schedule settlement recovery job", "error", err)
		return err
	}
	s.logger.Info("scheduled settlement recovery job", "schedule", s.recoverySchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
