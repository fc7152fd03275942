package incentive

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/incentive-ledger/generic"
)

// =============================================================================
// BATCH COMMANDS - Safe under at-least-once scheduling
// =============================================================================

// Job names, also used as JobRun keys and CLI subcommands.
const (
	JobDailyIncentive   = "daily-incentive"
	JobMonthlyIncentive = "monthly-incentive"
	JobReferralBonus    = "referral-bonus"
	JobSettleDaily      = "settle-daily"
	JobSettleMonthly    = "settle-monthly"
	JobDailyDraw        = "daily-draw"
	JobMonthlyDraw      = "monthly-draw"
)

// RunDailyIncentiveCalc computes the daily entry of every vendor. A
// malformed daily slab set aborts the whole run; anything else only fails
// the affected vendor.
func (c *Calculator) RunDailyIncentiveCalc(ctx context.Context, day generic.Day) (generic.BatchResult, error) {
	result := generic.BatchResult{Job: JobDailyIncentive, Period: generic.DayKey(day)}
	set, _, err := c.loadSlabs(ctx, generic.SlabSetDaily, true)
	if err != nil {
		return result, err
	}
	err = c.forEachVendor(ctx, &result, func(v generic.Vendor) error {
		_, err := c.computeDaily(ctx, v.ID, day, set)
		return err
	})
	return c.finish(result, err)
}

// RunMonthlyIncentiveCalc computes the monthly entry of every vendor.
func (c *Calculator) RunMonthlyIncentiveCalc(ctx context.Context, month generic.Month) (generic.BatchResult, error) {
	result := generic.BatchResult{Job: JobMonthlyIncentive, Period: generic.MonthKey(month)}
	set, ok, err := c.loadSlabs(ctx, generic.SlabSetMonthly, false)
	if err != nil {
		return result, err
	}
	err = c.forEachVendor(ctx, &result, func(v generic.Vendor) error {
		_, err := c.computeMonthly(ctx, v.ID, month, set, ok)
		return err
	})
	return c.finish(result, err)
}

// RunReferralBonusCalc pays referral bonuses for every referrer.
func (c *Calculator) RunReferralBonusCalc(ctx context.Context, day generic.Day) (generic.BatchResult, error) {
	result := generic.BatchResult{Job: JobReferralBonus, Period: generic.DayKey(day)}
	err := c.forEachVendor(ctx, &result, func(v generic.Vendor) error {
		paid, err := c.ComputeReferralBonus(ctx, v.ID, day)
		if err == nil && len(paid) == 0 {
			return generic.ErrAlreadyProcessed
		}
		return err
	})
	return c.finish(result, err)
}

// SettleDaily pays every pending daily entry of day.
func (c *Calculator) SettleDaily(ctx context.Context, day generic.Day) (generic.BatchResult, error) {
	return c.settle(ctx, JobSettleDaily, generic.EntryDaily, generic.DayKey(day))
}

// SettleMonthly pays every pending monthly entry of month.
func (c *Calculator) SettleMonthly(ctx context.Context, month generic.Month) (generic.BatchResult, error) {
	return c.settle(ctx, JobSettleMonthly, generic.EntryMonthly, generic.MonthKey(month))
}

func (c *Calculator) settle(ctx context.Context, job string, kind generic.EntryKind, period generic.PeriodKey) (generic.BatchResult, error) {
	result := generic.BatchResult{Job: job, Period: period}
	filter := generic.ListFilter{
		Status: string(generic.StatusPending),
		Period: period,
		Page:   generic.Page{Limit: generic.MaxPageSize},
	}
	for {
		if err := ctx.Err(); err != nil {
			return c.finish(result, err)
		}
		// Paid entries leave the pending filter, so the first page is always
		// the next batch. Offset only advances past entries that failed.
		entries, err := c.store.ListIncentiveEntries(ctx, kind, filter)
		if err != nil {
			return c.finish(result, err)
		}
		for _, e := range entries {
			_, err := c.PayEntry(ctx, e.ID)
			result.Record(e.ID, err)
			if err != nil && !errors.Is(err, generic.ErrAlreadyProcessed) {
				c.log.Error().Err(err).Str("entry", e.ID).Msg("settle entry failed")
				filter.Page.Offset++
			}
		}
		if len(entries) < filter.Page.Limit {
			break
		}
	}
	return c.finish(result, nil)
}

// RunMonthlyDraw draws the month's winner.
func (c *Calculator) RunMonthlyDraw(ctx context.Context, month generic.Month) (generic.DrawResult, generic.BatchResult, error) {
	result := generic.BatchResult{Job: JobMonthlyDraw, Period: generic.MonthKey(month)}
	draw, err := c.ComputeMonthlyDraw(ctx, month)
	result.Record(string(result.Period), err)
	r, err := c.finishDraw(result, err)
	return draw, r, err
}

// RunDailyDraw draws the day's winner.
func (c *Calculator) RunDailyDraw(ctx context.Context, day generic.Day) (generic.DrawResult, generic.BatchResult, error) {
	result := generic.BatchResult{Job: JobDailyDraw, Period: generic.DayKey(day)}
	draw, err := c.ComputeDailyDraw(ctx, day)
	result.Record(string(result.Period), err)
	r, err := c.finishDraw(result, err)
	return draw, r, err
}

// finishDraw reports empty pools and re-runs as results, not failures of
// the job itself.
func (c *Calculator) finishDraw(result generic.BatchResult, err error) (generic.BatchResult, error) {
	if err == nil || errors.Is(err, generic.ErrAlreadyProcessed) {
		return c.finish(result, nil)
	}
	if errors.Is(err, generic.ErrNoEligibleCandidates) {
		c.finish(result, nil)
		return result, err
	}
	return c.finish(result, err)
}

func (c *Calculator) forEachVendor(ctx context.Context, result *generic.BatchResult, fn func(generic.Vendor) error) error {
	vendors, err := c.store.ListVendors(ctx)
	if err != nil {
		return fmt.Errorf("list vendors: %w", err)
	}
	for _, v := range vendors {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(v)
		if err != nil && !errors.Is(err, generic.ErrAlreadyProcessed) {
			c.log.Error().Err(err).Str("job", result.Job).Str("actor", string(v.ID)).Msg("actor failed")
		}
		result.Record(string(v.ID), err)
	}
	return nil
}

func (c *Calculator) finish(result generic.BatchResult, err error) (generic.BatchResult, error) {
	c.observer.BatchCompleted(result.Job, result)
	ev := c.log.Info()
	if err != nil {
		ev = c.log.Error().Err(err)
	}
	ev.Str("job", result.Job).Str("period", result.Period.String()).
		Int("succeeded", result.Succeeded).Int("failed", result.Failed).Int("skipped", result.Skipped).
		Msg("batch finished")
	return result, err
}
