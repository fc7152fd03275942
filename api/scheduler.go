/*
scheduler.go - Automated batch job scheduler

PURPOSE:
  Runs every scheduled job for the last completed day and month, so daily
  incentives, referral bonuses, draws and rental payouts happen without an
  operator.

DESIGN:
  - One background goroutine ticking at a configurable interval
  - Runs immediately on start, then on every tick
  - Completed (job, period) runs are skipped via JobRun records, so a
    restart or a short interval never repeats work
  - Failed and partial runs are retried on the next tick; every job is
    idempotent

USAGE:
  scheduler := NewScheduler(runner, SchedulerOptions{Interval: 15 * time.Minute})
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - jobs.go: job registry and Runner
  - handlers.go: RunJob endpoint (manual runs)
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/incentive-ledger/generic"
)

type SchedulerOptions struct {
	Interval time.Duration
	Logger   zerolog.Logger
}

// Scheduler runs the scheduled jobs periodically.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewScheduler(runner *Runner, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Scheduler{
		runner:   runner,
		interval: opts.Interval,
		log:      opts.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.run(ctx)
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
}

// Stop cancels the current pass and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	Ran     []generic.JobRun
	Skipped []string
	Failed  []string
}

// Tick runs every scheduled job whose last completed period has no
// completed run yet.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var out TickResult
	for _, job := range jobs {
		if !job.Scheduled {
			continue
		}
		if ctx.Err() != nil {
			return out
		}
		run, err := s.runner.RunOnce(ctx, job.Name, "")
		switch {
		case errors.Is(err, generic.ErrAlreadyProcessed):
			out.Skipped = append(out.Skipped, job.Name)
		case err != nil:
			out.Failed = append(out.Failed, job.Name)
			s.log.Error().Err(err).Str("job", job.Name).Msg("scheduled job failed")
		default:
			out.Ran = append(out.Ran, run)
		}
	}
	if len(out.Ran) > 0 || len(out.Failed) > 0 {
		s.log.Info().Int("ran", len(out.Ran)).Int("skipped", len(out.Skipped)).Int("failed", len(out.Failed)).Msg("scheduler pass")
	}
	return out
}
