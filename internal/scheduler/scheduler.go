// Package scheduler drives the recurring processor on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"debts/internal/services"
)

// Processor is implemented by *services.RecurringProcessor.
type Processor interface {
	ProcessDue(ctx context.Context, now time.Time) (services.ProcessResult, error)
}

// Config controls when ticks run.
type Config struct {
	// Schedule is a standard cron expression or descriptor such as "@daily".
	Schedule     string
	RunOnStartup bool
	// TickTimeout bounds one pass. Zero means no limit.
	TickTimeout time.Duration
}

// Scheduler runs one processor pass per cron tick. A tick that panics is
// recovered and a tick is skipped while the previous one is still running.
type Scheduler struct {
	cron      *cron.Cron
	job       cron.Job
	processor Processor
	logger    *slog.Logger
	config    Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. The schedule is parsed here so a bad expression
// fails at startup.
func New(processor Processor, logger *slog.Logger, cfg Config) (*Scheduler, error) {
	if processor == nil {
		return nil, fmt.Errorf("scheduler requires a processor")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	s := &Scheduler{
		cron:      cron.New(cron.WithLogger(cronLogger)),
		processor: processor,
		logger:    logger,
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.job = cron.NewChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	).Then(cron.FuncJob(s.tick))

	if _, err := s.cron.AddJob(cfg.Schedule, s.job); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start runs the startup tick when configured, then starts the cron loop.
// The startup tick completes before Start returns.
func (s *Scheduler) Start() {
	if s.config.RunOnStartup {
		s.logger.Info("Running startup tick")
		s.job.Run()
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", "schedule", s.config.Schedule)
}

// Stop stops scheduling new ticks and cancels the running one. The returned
// context is done once the running tick has returned.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.cancel()
	return ctx
}

// Next reports when the next tick is due. It is the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	ctx := s.ctx
	if s.config.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TickTimeout)
		defer cancel()
	}

	now := s.now()
	res, err := s.processor.ProcessDue(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Scheduler tick failed",
			"error", err,
			"checked", res.Checked,
			"generated", res.Generated)
		return
	}
	s.logger.InfoContext(ctx, "Scheduler tick complete",
		"now", now.Format(time.RFC3339),
		"checked", res.Checked,
		"generated", res.Generated,
		"deactivated", res.Deactivated,
		"failed", res.Failed)
}
