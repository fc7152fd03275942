package api

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/incentive"
	"github.com/warp/incentive-ledger/rental"
)

// =============================================================================
// JOBS - Named batch commands, shared by the scheduler, HTTP and CLI
// =============================================================================

// Job is one batch command over a day or a month.
type Job struct {
	Name        string
	Monthly     bool
	Scheduled   bool // the scheduler runs it for every completed period
	Description string
	run         func(ctx context.Context, s *Services, period generic.PeriodKey) (generic.BatchResult, error)
}

// jobs are listed in scheduling order: entries are computed before they
// are settled or drawn from.
var jobs = []Job{
	{
		Name: incentive.JobDailyIncentive, Scheduled: true,
		Description: "Compute the daily entry-count incentive of every vendor",
		run: daily(func(ctx context.Context, s *Services, d generic.Day) (generic.BatchResult, error) {
			return s.Incentives.RunDailyIncentiveCalc(ctx, d)
		}),
	},
	{
		Name: incentive.JobReferralBonus, Scheduled: true,
		Description: "Pay referral bonuses for referees that crossed the threshold",
		run: daily(func(ctx context.Context, s *Services, d generic.Day) (generic.BatchResult, error) {
			return s.Incentives.RunReferralBonusCalc(ctx, d)
		}),
	},
	{
		Name: incentive.JobSettleDaily, Scheduled: true,
		Description: "Credit every pending daily incentive entry",
		run: daily(func(ctx context.Context, s *Services, d generic.Day) (generic.BatchResult, error) {
			return s.Incentives.SettleDaily(ctx, d)
		}),
	},
	{
		Name: incentive.JobDailyDraw, Scheduled: true,
		Description: "Draw the daily winner among eligible entries",
		run: daily(func(ctx context.Context, s *Services, d generic.Day) (generic.BatchResult, error) {
			_, result, err := s.Incentives.RunDailyDraw(ctx, d)
			return result, err
		}),
	},
	{
		Name: incentive.JobMonthlyIncentive, Monthly: true, Scheduled: true,
		Description: "Compute the monthly entry-count incentive of every vendor",
		run: monthly(func(ctx context.Context, s *Services, m generic.Month) (generic.BatchResult, error) {
			return s.Incentives.RunMonthlyIncentiveCalc(ctx, m)
		}),
	},
	{
		Name: incentive.JobSettleMonthly, Monthly: true, Scheduled: true,
		Description: "Credit every pending monthly incentive entry",
		run: monthly(func(ctx context.Context, s *Services, m generic.Month) (generic.BatchResult, error) {
			return s.Incentives.SettleMonthly(ctx, m)
		}),
	},
	{
		Name: incentive.JobMonthlyDraw, Monthly: true, Scheduled: true,
		Description: "Draw the monthly winner among eligible entries",
		run: monthly(func(ctx context.Context, s *Services, m generic.Month) (generic.BatchResult, error) {
			_, result, err := s.Incentives.RunMonthlyDraw(ctx, m)
			return result, err
		}),
	},
	{
		Name: rental.JobRentalIncome, Monthly: true, Scheduled: true,
		Description: "Compute the prorated rental income payout of every vendor",
		run: monthly(func(ctx context.Context, s *Services, m generic.Month) (generic.BatchResult, error) {
			return s.Rental.RunMonthlyCalc(ctx, m)
		}),
	},
	{
		Name: rental.JobMarkRentalPaid, Monthly: true,
		Description: "Credit every pending rental payout of the month",
		run: monthly(func(ctx context.Context, s *Services, m generic.Month) (generic.BatchResult, error) {
			return s.Rental.MarkAllPaid(ctx, m)
		}),
	},
}

func daily(fn func(context.Context, *Services, generic.Day) (generic.BatchResult, error)) func(context.Context, *Services, generic.PeriodKey) (generic.BatchResult, error) {
	return func(ctx context.Context, s *Services, period generic.PeriodKey) (generic.BatchResult, error) {
		d, err := period.Day()
		if err != nil {
			return generic.BatchResult{}, fmt.Errorf("%w: day %q", generic.ErrInvalidInput, period)
		}
		return fn(ctx, s, d)
	}
}

func monthly(fn func(context.Context, *Services, generic.Month) (generic.BatchResult, error)) func(context.Context, *Services, generic.PeriodKey) (generic.BatchResult, error) {
	return func(ctx context.Context, s *Services, period generic.PeriodKey) (generic.BatchResult, error) {
		m, err := period.Month()
		if err != nil {
			return generic.BatchResult{}, fmt.Errorf("%w: month %q", generic.ErrInvalidInput, period)
		}
		return fn(ctx, s, m)
	}
}

// Jobs returns the registered jobs in scheduling order.
func Jobs() []Job { return append([]Job(nil), jobs...) }

func JobNames() []string {
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
	}
	sort.Strings(names)
	return names
}

func lookupJob(name string) (Job, bool) {
	for _, j := range jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

// =============================================================================
// RUNNER
// =============================================================================

// Runner executes jobs and records a JobRun per (job, period).
type Runner struct {
	services *Services
}

func NewRunner(s *Services) *Runner { return &Runner{services: s} }

// DefaultPeriod is the last completed day or month in the server timezone.
func (r *Runner) DefaultPeriod(job Job) generic.PeriodKey {
	now := r.services.Now()
	if job.Monthly {
		return generic.MonthKey(generic.LastCompletedMonth(now, r.services.Location))
	}
	return generic.DayKey(generic.LastCompletedDay(now, r.services.Location))
}

// Run executes job for period (empty = DefaultPeriod). Every job is
// idempotent, so a manual re-run is always allowed.
func (r *Runner) Run(ctx context.Context, name string, period generic.PeriodKey) (generic.JobRun, error) {
	job, ok := lookupJob(name)
	if !ok {
		return generic.JobRun{}, fmt.Errorf("job %q: %w", name, generic.ErrNotFound)
	}
	period, err := r.resolvePeriod(job, period)
	if err != nil {
		return generic.JobRun{}, err
	}
	return r.execute(ctx, job, period)
}

func (r *Runner) resolvePeriod(job Job, period generic.PeriodKey) (generic.PeriodKey, error) {
	if period == "" {
		return r.DefaultPeriod(job), nil
	}
	return normalizePeriod(job, period)
}

// RunOnce executes job unless a completed run for period exists, in which
// case the stored run is returned with ErrAlreadyProcessed. Failed and
// partial runs execute again.
func (r *Runner) RunOnce(ctx context.Context, name string, period generic.PeriodKey) (generic.JobRun, error) {
	job, ok := lookupJob(name)
	if !ok {
		return generic.JobRun{}, fmt.Errorf("job %q: %w", name, generic.ErrNotFound)
	}
	period, err := r.resolvePeriod(job, period)
	if err != nil {
		return generic.JobRun{}, err
	}
	prev, err := r.services.Store.GetJobRun(ctx, job.Name, period)
	switch {
	case err == nil && prev.Status == generic.JobCompleted:
		return prev, fmt.Errorf("job %s for %s: %w", job.Name, period, generic.ErrAlreadyProcessed)
	case err != nil && !errors.Is(err, generic.ErrNotFound):
		return generic.JobRun{}, err
	}
	return r.execute(ctx, job, period)
}

// normalizePeriod validates period for job. A day given to a monthly job
// selects the month it belongs to.
func normalizePeriod(job Job, period generic.PeriodKey) (generic.PeriodKey, error) {
	if job.Monthly {
		if m, err := period.Month(); err == nil {
			return generic.MonthKey(m), nil
		}
	} else if d, err := period.Day(); err == nil {
		return generic.DayKey(d), nil
	}
	return "", fmt.Errorf("%w: job %s needs a %s period, got %q", generic.ErrInvalidInput, job.Name, job.periodName(), period)
}

func (j Job) periodName() string {
	if j.Monthly {
		return "YYYY-MM"
	}
	return "YYYY-MM-DD"
}

func (r *Runner) execute(ctx context.Context, job Job, period generic.PeriodKey) (generic.JobRun, error) {
	store := r.services.Store
	log := r.services.Logger.With().Str("component", "jobs").Str("job", job.Name).Str("period", period.String()).Logger()

	run := generic.JobRun{
		ID:        uuid.NewString(),
		Job:       job.Name,
		PeriodKey: period,
		Status:    generic.JobRunning,
		StartedAt: r.services.Now(),
	}
	if err := store.SaveJobRun(ctx, run); err != nil {
		return run, fmt.Errorf("record job start: %w", err)
	}

	result, err := job.run(ctx, r.services, period)
	completed := r.services.Now()
	run.CompletedAt = &completed
	run.Succeeded, run.Failed, run.Skipped = result.Succeeded, result.Failed, result.Skipped

	switch {
	case err == nil && result.HasFailures():
		// Not completed, so RunOnce retries the period and the failed
		// actors get another pass.
		run.Status = generic.JobPartial
		run.Error = fmt.Sprintf("%d of %d items failed: %s", result.Failed, result.Total(), result.Errors[0].Message)
		log.Warn().Int("failed", result.Failed).Int("succeeded", result.Succeeded).Msg("job finished with failures")
	case err == nil:
		run.Status = generic.JobCompleted
	case errors.Is(err, generic.ErrNoEligibleCandidates):
		// Nobody qualified; retrying the same period cannot change that.
		run.Status = generic.JobCompleted
		run.Error = err.Error()
		err = nil
		log.Info().Msg("no eligible draw candidates")
	default:
		run.Status = generic.JobFailed
		run.Error = err.Error()
		log.Error().Err(err).Msg("job failed")
	}

	if saveErr := store.SaveJobRun(ctx, run); saveErr != nil {
		log.Error().Err(saveErr).Msg("record job result")
		if err == nil {
			err = fmt.Errorf("record job result: %w", saveErr)
		}
	}
	return run, err
}
