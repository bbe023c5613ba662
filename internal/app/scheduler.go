/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.DraftReconcileSchedule, s.jobs.ReconcileStaleDrafts); err != nil {
		s.logger.Error("failed to schedule stale draft reconcile job", "error", err)
	} else {
		s.logger.Info("scheduled stale draft reconcile job", "schedule", s.config.DraftReconcileSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.SubscriptionSweepSchedule, s.jobs.SweepExpiredSubscriptions); err != nil {
		s.logger.Error("failed to schedule subscription expiry sweep", "error", err)
	} else {
		s.logger.Info("scheduled subscription expiry sweep", "schedule", s.config.SubscriptionSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.PhotoAuditSchedule, s.jobs.AuditPhotos); err != nil {
		s.logger.Error("failed to schedule photo audit job", "error", err)
	} else {
		s.logger.Info("scheduled photo audit job", "schedule", s.config.PhotoAuditSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
