/*
Package rental computes the monthly rental-income reward.

PURPOSE:
  Vendors earn a monthly reward based on their paid order volume, prorated
  by how many "successful" trading days they had:

    payout = floor(slabReward(volume) × successfulDays / 30)

  The denominator is fixed at 30 whatever the month's length, and
  successful days are clamped to 30, so a vendor never receives more than
  the slab reward.

INPUTS:
  - Paid orders, summed in the vendor's reporting timezone (server
    timezone when the vendor has none)
  - DailyActivity.IsSuccessful flags from the external aggregator,
    consumed as-is
  - The "rental" slab set (volume kind)

SETTLEMENT:
  MarkPaid credits with key rental:<payoutID> and then flips the status.
  If a crash separates the two, re-running MarkPaid finds the credit
  already applied and only flips the status.

SEE ALSO:
  - generic/proration.go: the floor division
*/
package rental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/incentive-ledger/generic"
)

// Job names, also used as JobRun keys and CLI subcommands.
const (
	JobRentalIncome   = "rental-income"
	JobMarkRentalPaid = "mark-rental-paid"
)

type Store interface {
	generic.RentalStore
	generic.OrderStore
	generic.ActivityStore
	generic.VendorStore
	GetSlabSet(ctx context.Context, name string) (generic.SlabSet, error)
}

type Options struct {
	// Location is the server timezone, used for vendors without their own.
	Location *time.Location
	Observer generic.Observer
	Logger   zerolog.Logger
	Now      func() time.Time

	// PageSize bounds how many payouts MarkAllPaid loads at once.
	PageSize int
}

type Calculator struct {
	store    Store
	ledger   *generic.WalletLedger
	loc      *time.Location
	observer generic.Observer
	log      zerolog.Logger
	now      func() time.Time
	pageSize int
}

func NewCalculator(store Store, ledger *generic.WalletLedger, opts Options) *Calculator {
	c := &Calculator{
		store:    store,
		ledger:   ledger,
		loc:      opts.Location,
		observer: opts.Observer,
		log:      opts.Logger.With().Str("component", "rental").Logger(),
		now:      opts.Now,
		pageSize: opts.PageSize,
	}
	if c.pageSize <= 0 || c.pageSize > generic.MaxPageSize {
		c.pageSize = generic.MaxPageSize
	}
	if c.loc == nil {
		c.loc = time.Local
	}
	if c.observer == nil {
		c.observer = generic.NopObserver{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Projection is the computed (not yet stored) payout for one vendor-month.
type Projection struct {
	Volume         generic.Amount
	SuccessfulDays int
	SlabReward     generic.Amount
	Payout         generic.Amount
}

// =============================================================================
// INPUTS
// =============================================================================

func (c *Calculator) vendorLocation(ctx context.Context, actor generic.OwnerID) (*time.Location, error) {
	v, err := c.store.GetVendor(ctx, actor)
	if errors.Is(err, generic.ErrNotFound) {
		return c.loc, nil
	}
	if err != nil {
		return nil, err
	}
	return generic.LoadLocation(v.Timezone, c.loc)
}

// MonthlyVolume sums the vendor's paid order totals in month.
func (c *Calculator) MonthlyVolume(ctx context.Context, actor generic.OwnerID, month generic.Month) (generic.Amount, error) {
	loc, err := c.vendorLocation(ctx, actor)
	if err != nil {
		return generic.Amount{}, err
	}
	from, to := month.Range(loc)
	orders, err := c.store.ListOrders(ctx, actor, from, to)
	if err != nil {
		return generic.Amount{}, fmt.Errorf("list orders for %s: %w", actor, err)
	}
	total := generic.ZeroAmount()
	for _, o := range orders {
		if o.Status == generic.OrderPaid {
			total = total.Add(o.Total)
		}
	}
	return total.Round(), nil
}

// SuccessfulDays counts successful days in month, clamped to 30.
func (c *Calculator) SuccessfulDays(ctx context.Context, actor generic.OwnerID, month generic.Month) (int, error) {
	rows, err := c.store.ListDailyActivity(ctx, actor, month.FirstDay(), month.LastDay())
	if err != nil {
		return 0, fmt.Errorf("list activity for %s: %w", actor, err)
	}
	n := 0
	for _, r := range rows {
		if r.IsSuccessful && month.Contains(r.Day) {
			n++
		}
	}
	return generic.ClampSuccessfulDays(n), nil
}

func (c *Calculator) rentalSlabs(ctx context.Context) (generic.SlabSet, error) {
	set, err := c.store.GetSlabSet(ctx, generic.SlabSetRental)
	if errors.Is(err, generic.ErrNotFound) {
		return generic.SlabSet{}, &generic.ConfigurationError{Subject: "slab set rental", Reason: "not configured"}
	}
	if err != nil {
		return generic.SlabSet{}, err
	}
	return set, set.Validate()
}

// =============================================================================
// PROJECTION
// =============================================================================

// ProjectedPayout computes floor(slabReward(volume) × successfulDays / 30).
func (c *Calculator) ProjectedPayout(ctx context.Context, actor generic.OwnerID, month generic.Month) (Projection, error) {
	set, err := c.rentalSlabs(ctx)
	if err != nil {
		return Projection{}, err
	}
	return c.project(ctx, actor, month, set)
}

func (c *Calculator) project(ctx context.Context, actor generic.OwnerID, month generic.Month, set generic.SlabSet) (Projection, error) {
	volume, err := c.MonthlyVolume(ctx, actor, month)
	if err != nil {
		return Projection{}, err
	}
	days, err := c.SuccessfulDays(ctx, actor, month)
	if err != nil {
		return Projection{}, err
	}
	slab, err := generic.Resolve(set, volume.Value)
	if err != nil {
		return Projection{}, err
	}
	return Projection{
		Volume:         volume,
		SuccessfulDays: days,
		SlabReward:     slab.Reward,
		Payout:         generic.Prorate(slab.Reward, days),
	}, nil
}

// =============================================================================
// BATCH + SETTLEMENT
// =============================================================================

// RunMonthlyCalc upserts the pending payout of every vendor for month.
// Paid rows are left alone and counted as skipped.
func (c *Calculator) RunMonthlyCalc(ctx context.Context, month generic.Month) (generic.BatchResult, error) {
	result := generic.BatchResult{Job: JobRentalIncome, Period: generic.MonthKey(month)}
	set, err := c.rentalSlabs(ctx)
	if err != nil {
		c.observer.BatchCompleted(result.Job, result)
		return result, err
	}
	vendors, err := c.store.ListVendors(ctx)
	if err != nil {
		return result, fmt.Errorf("list vendors: %w", err)
	}

	for _, v := range vendors {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, err := c.calcOne(ctx, v.ID, month, set)
		if err != nil && !errors.Is(err, generic.ErrAlreadyProcessed) {
			c.log.Error().Err(err).Str("actor", string(v.ID)).Str("month", month.String()).Msg("rental calc failed")
		}
		result.Record(string(v.ID), err)
	}

	c.observer.BatchCompleted(result.Job, result)
	c.log.Info().Str("month", month.String()).Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).Int("skipped", result.Skipped).Msg("rental income calculated")
	return result, nil
}

func (c *Calculator) calcOne(ctx context.Context, actor generic.OwnerID, month generic.Month, set generic.SlabSet) (generic.RentalPayout, error) {
	p, err := c.project(ctx, actor, month, set)
	if err != nil {
		return generic.RentalPayout{}, err
	}
	now := c.now()
	stored, err := c.store.UpsertRentalPayout(ctx, generic.RentalPayout{
		ID:                uuid.NewString(),
		ActorID:           actor,
		Month:             month,
		TransactionVolume: p.Volume,
		SuccessfulDays:    p.SuccessfulDays,
		SlabReward:        p.SlabReward,
		IncentiveAmount:   p.Payout,
		Status:            generic.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if errors.Is(err, generic.ErrAlreadyProcessed) {
		c.log.Debug().Str("actor", string(actor)).Str("month", month.String()).Msg("rental payout already paid")
		return stored, fmt.Errorf("rental payout %s/%s: %w", actor, month, err)
	}
	return stored, err
}

// PayoutCreditKey is the idempotency key of a rental payout credit.
func PayoutCreditKey(payoutID string) string { return "rental:" + payoutID }

// MarkPaid credits the payout and flips it to paid. A paid payout returns
// success without a credit.
func (c *Calculator) MarkPaid(ctx context.Context, payoutID string) (generic.RentalPayout, error) {
	p, err := c.store.GetRentalPayout(ctx, payoutID)
	if err != nil {
		return generic.RentalPayout{}, fmt.Errorf("rental payout %s: %w", payoutID, err)
	}
	if p.IsPaid() {
		c.log.Debug().Str("payout", payoutID).Msg("rental payout already paid")
		return p, nil
	}

	if p.IncentiveAmount.IsPositive() {
		_, err = c.ledger.Post(ctx, generic.Posting{
			OwnerID:        p.ActorID,
			Type:           generic.TxCredit,
			Source:         generic.SourceRentalIncome,
			Amount:         p.IncentiveAmount,
			Description:    fmt.Sprintf("Rental income %s (%d successful days)", p.Month, p.SuccessfulDays),
			ReferenceID:    p.ID,
			IdempotencyKey: PayoutCreditKey(p.ID),
		})
		if errors.Is(err, generic.ErrAlreadyProcessed) {
			c.log.Debug().Str("payout", payoutID).Msg("rental credit already applied, committing status")
		} else if err != nil {
			return p, fmt.Errorf("credit rental payout %s: %w", payoutID, err)
		}
	}

	paidAt := c.now()
	if err := c.store.MarkRentalPaid(ctx, p.ID, paidAt); err != nil && !errors.Is(err, generic.ErrAlreadyProcessed) {
		return p, fmt.Errorf("mark rental payout %s paid: %w", payoutID, err)
	}
	p.Status = generic.StatusPaid
	p.PaidAt = &paidAt

	c.log.Info().Str("payout", p.ID).Str("actor", string(p.ActorID)).Str("amount", p.IncentiveAmount.String()).Msg("rental payout paid")
	return p, nil
}

// MarkAllPaid settles every pending payout of month, page by page.
func (c *Calculator) MarkAllPaid(ctx context.Context, month generic.Month) (generic.BatchResult, error) {
	result := generic.BatchResult{Job: JobMarkRentalPaid, Period: generic.MonthKey(month)}
	filter := generic.ListFilter{
		Status: string(generic.StatusPending),
		Period: generic.MonthKey(month),
		Page:   generic.Page{Limit: c.pageSize},
	}
	for {
		if err := ctx.Err(); err != nil {
			c.observer.BatchCompleted(result.Job, result)
			return result, err
		}
		// Paid payouts leave the pending filter, so the offset only moves
		// past the ones that failed.
		payouts, err := c.Payouts(ctx, filter)
		if err != nil {
			c.observer.BatchCompleted(result.Job, result)
			return result, err
		}
		for _, p := range payouts {
			_, err := c.MarkPaid(ctx, p.ID)
			result.Record(p.ID, err)
			if err != nil {
				c.log.Error().Err(err).Str("payout", p.ID).Msg("mark rental payout paid failed")
				filter.Page.Offset++
			}
		}
		if len(payouts) < filter.Page.Limit {
			break
		}
	}
	c.observer.BatchCompleted(result.Job, result)
	c.log.Info().Str("month", month.String()).Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).Msg("rental payouts settled")
	return result, nil
}

// Payouts lists rental payouts newest first.
func (c *Calculator) Payouts(ctx context.Context, filter generic.ListFilter) ([]generic.RentalPayout, error) {
	return c.store.ListRentalPayouts(ctx, filter)
}
