package app

import (
	"context"
	"time"

	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// LifecycleJobs is the work the scheduler triggers.
type LifecycleJobs interface {
	SweepExpiredTransfers(ctx context.Context) (SweepResult, error)
	SendExpiryReminders(ctx context.Context) (ReminderResult, error)
	ReconcileStuckSettlements(ctx context.Context, limit int) (ReconcileResult, error)
	EscrowReconciliation(ctx context.Context) (*EscrowReport, error)
}

// Schedules holds cron expressions for each job. An empty expression
// disables the job.
type Schedules struct {
	Sweep          string
	Reminders      string
	Reconcile      string
	EscrowAudit    string
	JobTimeout     time.Duration
	ReconcileLimit int
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      LifecycleJobs
	schedules Schedules
	logger    zerolog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs LifecycleJobs, schedules Schedules) *Scheduler {
	if schedules.JobTimeout <= 0 {
		schedules.JobTimeout = 10 * time.Minute
	}
	logger := applog.Scheduler
	cronLogger := cron.PrintfLogger(applog.Printf{Logger: logger})
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		schedules: schedules,
		logger:    logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.register("expiry sweep", s.schedules.Sweep, s.runSweep)
	s.register("expiry reminder", s.schedules.Reminders, s.runReminders)
	s.register("settlement reconcile", s.schedules.Reconcile, s.runReconcile)
	s.register("escrow audit", s.schedules.EscrowAudit, s.runEscrowAudit)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) register(name, schedule string, job func()) {
	if schedule == "" {
		s.logger.Info().Str("job", name).Msg("job disabled")
		return
	}
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error().Str("job", name).Str("schedule", schedule).Err(err).Msg("failed to schedule job")
		return
	}
	s.logger.Info().Str("job", name).Str("schedule", schedule).Msg("scheduled job")
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.schedules.JobTimeout)
}

func (s *Scheduler) runSweep() {
	ctx, cancel := s.jobContext()
	defer cancel()
	if _, err := s.jobs.SweepExpiredTransfers(ctx); err != nil {
		s.logger.Error().Err(err).Msg("expiry sweep failed")
	}
}

func (s *Scheduler) runReminders() {
	ctx, cancel := s.jobContext()
	defer cancel()
	if _, err := s.jobs.SendExpiryReminders(ctx); err != nil {
		s.logger.Error().Err(err).Msg("expiry reminders failed")
	}
}

func (s *Scheduler) runReconcile() {
	ctx, cancel := s.jobContext()
	defer cancel()
	if _, err := s.jobs.ReconcileStuckSettlements(ctx, s.schedules.ReconcileLimit); err != nil {
		s.logger.Error().Err(err).Msg("settlement reconcile failed")
	}
}

func (s *Scheduler) runEscrowAudit() {
	ctx, cancel := s.jobContext()
	defer cancel()
	report, err := s.jobs.EscrowReconciliation(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("escrow audit failed")
		return
	}
	if !report.Balanced {
		s.logger.Error().Msg("escrow audit found a custody mismatch")
	}
}
