/*
Package incentive computes entry-count rewards for vendors.

PURPOSE:
  Turns order activity into tiered cash rewards:
  - Daily incentive: entries on one day resolved against the "daily" slabs
  - Monthly incentive: entries over a month against the optional "monthly" slabs
  - Referral bonus: fixed bonus when a referred vendor crosses the threshold
  - Draws: one uniformly random winner among draw-eligible entries

ENTRY COUNTING:
  An entry is an order with status paid or pending. Cancelled and refunded
  orders never count. Days are evaluated in the server timezone.

IDEMPOTENCY:
  Entries are unique per (actor, period, kind, subject). Recomputing a
  period refreshes a pending entry and never touches a paid one.
  Settlement is credit-then-commit: the ledger credit is keyed
  incentive:<entryID>, then the entry is flipped to paid. A crash between
  the two is repaired by running the settlement again.

USAGE:
  calc := incentive.NewCalculator(store, ledger, incentive.Config{...}, incentive.Options{})
  entry, err := calc.ComputeDaily(ctx, "vendor-1", generic.NewDay(2026, time.March, 1))

SEE ALSO:
  - draw.go: monthly and daily draws
  - batch.go: batch commands run by the scheduler and the CLI
*/
package incentive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/incentive-ledger/generic"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	// Location is the server timezone days are counted in.
	Location *time.Location

	// DailyDrawThreshold is the entry count that makes a daily entry draw
	// eligible. Zero disables daily draw eligibility.
	DailyDrawThreshold int64

	// MonthlyDrawThreshold is the monthly entry count for draw eligibility.
	MonthlyDrawThreshold int64

	ReferralThreshold int64
	ReferralBonus     generic.Amount

	DailyDrawPrize   generic.Amount
	MonthlyDrawPrize generic.Amount
}

// DefaultConfig mirrors the program's published rules.
func DefaultConfig() Config {
	return Config{
		Location:             time.Local,
		DailyDrawThreshold:   100,
		MonthlyDrawThreshold: 10000,
		ReferralThreshold:    100,
		ReferralBonus:        generic.NewAmountFromInt(100),
		DailyDrawPrize:       generic.NewAmountFromInt(500),
		MonthlyDrawPrize:     generic.NewAmountFromInt(10000),
	}
}

// Store is the storage the calculator reads and writes.
type Store interface {
	generic.IncentiveStore
	generic.OrderStore
	generic.VendorStore
	GetSlabSet(ctx context.Context, name string) (generic.SlabSet, error)
}

// Picker returns an index in [0, n). It must be uniform.
type Picker func(n int) int

type Options struct {
	Picker   Picker
	Observer generic.Observer
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Calculator is safe for concurrent use.
type Calculator struct {
	store    Store
	ledger   *generic.WalletLedger
	cfg      Config
	pick     Picker
	observer generic.Observer
	log      zerolog.Logger
	now      func() time.Time
}

func NewCalculator(store Store, ledger *generic.WalletLedger, cfg Config, opts Options) *Calculator {
	c := &Calculator{
		store:    store,
		ledger:   ledger,
		cfg:      cfg,
		pick:     opts.Picker,
		observer: opts.Observer,
		log:      opts.Logger.With().Str("component", "incentive").Logger(),
		now:      opts.Now,
	}
	if c.cfg.Location == nil {
		c.cfg.Location = time.Local
	}
	if c.pick == nil {
		c.pick = UniformPicker
	}
	if c.observer == nil {
		c.observer = generic.NopObserver{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// =============================================================================
// COUNTING
// =============================================================================

func (c *Calculator) countBetween(ctx context.Context, actor generic.OwnerID, from, to time.Time) (int64, error) {
	orders, err := c.store.ListOrders(ctx, actor, from, to)
	if err != nil {
		return 0, fmt.Errorf("list orders for %s: %w", actor, err)
	}
	var n int64
	for _, o := range orders {
		if o.QualifiesAsEntry() {
			n++
		}
	}
	return n, nil
}

// CountEntries counts qualifying orders of actor on day (server timezone).
func (c *Calculator) CountEntries(ctx context.Context, actor generic.OwnerID, day generic.Day) (int64, error) {
	from, to := day.Range(c.cfg.Location)
	return c.countBetween(ctx, actor, from, to)
}

// CountMonthEntries counts qualifying orders of actor in month.
func (c *Calculator) CountMonthEntries(ctx context.Context, actor generic.OwnerID, month generic.Month) (int64, error) {
	from, to := month.Range(c.cfg.Location)
	return c.countBetween(ctx, actor, from, to)
}

// =============================================================================
// SLAB LOADING
// =============================================================================

// loadSlabs reads a slab set at calculation time. A missing required set
// is a configuration error; a missing optional set yields ok=false.
func (c *Calculator) loadSlabs(ctx context.Context, name string, required bool) (generic.SlabSet, bool, error) {
	set, err := c.store.GetSlabSet(ctx, name)
	if errors.Is(err, generic.ErrNotFound) {
		if required {
			return generic.SlabSet{}, false, &generic.ConfigurationError{Subject: "slab set " + name, Reason: "not configured"}
		}
		return generic.SlabSet{}, false, nil
	}
	if err != nil {
		return generic.SlabSet{}, false, err
	}
	if err := set.Validate(); err != nil {
		return generic.SlabSet{}, false, err
	}
	return set, true, nil
}

// =============================================================================
// DAILY / MONTHLY
// =============================================================================

// ComputeDaily resolves the day's entry count against the daily slabs and
// upserts the pending daily entry. A paid entry is returned unchanged with
// an error wrapping ErrAlreadyProcessed.
func (c *Calculator) ComputeDaily(ctx context.Context, actor generic.OwnerID, day generic.Day) (generic.IncentiveEntry, error) {
	set, _, err := c.loadSlabs(ctx, generic.SlabSetDaily, true)
	if err != nil {
		return generic.IncentiveEntry{}, err
	}
	return c.computeDaily(ctx, actor, day, set)
}

func (c *Calculator) computeDaily(ctx context.Context, actor generic.OwnerID, day generic.Day, set generic.SlabSet) (generic.IncentiveEntry, error) {
	count, err := c.CountEntries(ctx, actor, day)
	if err != nil {
		return generic.IncentiveEntry{}, err
	}
	slab, err := generic.Resolve(set, decimal.NewFromInt(count))
	if err != nil {
		return generic.IncentiveEntry{}, err
	}
	eligible := c.cfg.DailyDrawThreshold > 0 && count >= c.cfg.DailyDrawThreshold
	return c.upsert(ctx, actor, generic.DayKey(day), generic.EntryDaily, "", count, slab, eligible)
}

// ComputeMonthly does the same for a month. The monthly slab set is
// optional: without it the entry carries a zero reward and only serves
// draw eligibility.
func (c *Calculator) ComputeMonthly(ctx context.Context, actor generic.OwnerID, month generic.Month) (generic.IncentiveEntry, error) {
	set, ok, err := c.loadSlabs(ctx, generic.SlabSetMonthly, false)
	if err != nil {
		return generic.IncentiveEntry{}, err
	}
	return c.computeMonthly(ctx, actor, month, set, ok)
}

func (c *Calculator) computeMonthly(ctx context.Context, actor generic.OwnerID, month generic.Month, set generic.SlabSet, hasSet bool) (generic.IncentiveEntry, error) {
	count, err := c.CountMonthEntries(ctx, actor, month)
	if err != nil {
		return generic.IncentiveEntry{}, err
	}
	slab := generic.Slab{Reward: generic.ZeroAmount(), Label: "no_monthly_slabs"}
	if hasSet {
		slab, err = generic.Resolve(set, decimal.NewFromInt(count))
		if err != nil {
			return generic.IncentiveEntry{}, err
		}
	}
	eligible := c.cfg.MonthlyDrawThreshold > 0 && count >= c.cfg.MonthlyDrawThreshold
	return c.upsert(ctx, actor, generic.MonthKey(month), generic.EntryMonthly, "", count, slab, eligible)
}

func (c *Calculator) upsert(ctx context.Context, actor generic.OwnerID, period generic.PeriodKey, kind generic.EntryKind,
	subject generic.OwnerID, count int64, slab generic.Slab, eligible bool) (generic.IncentiveEntry, error) {

	now := c.now()
	stored, err := c.store.UpsertIncentiveEntry(ctx, generic.IncentiveEntry{
		ID:           uuid.NewString(),
		ActorID:      actor,
		PeriodKey:    period,
		Kind:         kind,
		SubjectID:    subject,
		MetricValue:  decimal.NewFromInt(count),
		SlabLabel:    slab.Label,
		RewardAmount: slab.Reward,
		Status:       generic.StatusPending,
		DrawEligible: eligible,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if errors.Is(err, generic.ErrAlreadyProcessed) {
		c.log.Debug().Str("actor", string(actor)).Str("period", period.String()).Str("kind", string(kind)).
			Msg("entry already paid, not recomputed")
		return stored, fmt.Errorf("%s entry %s/%s: %w", kind, actor, period, err)
	}
	if err != nil {
		return generic.IncentiveEntry{}, fmt.Errorf("upsert %s entry for %s: %w", kind, actor, err)
	}
	return stored, nil
}

// =============================================================================
// REFERRAL BONUS
// =============================================================================

// ComputeReferralBonus pays the fixed referral bonus once per
// (referrer, referee, day) for every referee whose day crossed the
// referral threshold. Failures for one referee do not stop the others.
func (c *Calculator) ComputeReferralBonus(ctx context.Context, referrer generic.OwnerID, day generic.Day) ([]generic.IncentiveEntry, error) {
	referees, err := c.store.Referees(ctx, referrer)
	if err != nil {
		return nil, fmt.Errorf("list referees of %s: %w", referrer, err)
	}

	var (
		paid []generic.IncentiveEntry
		errs []error
	)
	for _, referee := range referees {
		entry, err := c.referralFor(ctx, referrer, referee.ID, day)
		switch {
		case errors.Is(err, generic.ErrAlreadyProcessed):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("referee %s: %w", referee.ID, err))
		case entry.ID != "":
			paid = append(paid, entry)
		}
	}
	return paid, errors.Join(errs...)
}

func (c *Calculator) referralFor(ctx context.Context, referrer, referee generic.OwnerID, day generic.Day) (generic.IncentiveEntry, error) {
	count, err := c.CountEntries(ctx, referee, day)
	if err != nil {
		return generic.IncentiveEntry{}, err
	}
	if count < c.cfg.ReferralThreshold {
		return generic.IncentiveEntry{}, nil
	}
	slab := generic.Slab{Reward: c.cfg.ReferralBonus, Label: "referral"}
	entry, err := c.upsert(ctx, referrer, generic.DayKey(day), generic.EntryReferral, referee, count, slab, false)
	if err != nil {
		return entry, err
	}
	return c.PayEntry(ctx, entry.ID)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// EntryCreditKey is the idempotency key of an entry's ledger credit.
func EntryCreditKey(entryID string) string { return "incentive:" + entryID }

func entrySource(kind generic.EntryKind) generic.Source {
	switch kind {
	case generic.EntryMonthly:
		return generic.SourceMonthlyIncentive
	case generic.EntryReferral:
		return generic.SourceReferralBonus
	default:
		return generic.SourceDailyIncentive
	}
}

// PayEntry credits the entry's reward and marks it paid. A paid entry
// returns an error wrapping ErrAlreadyProcessed without a second credit.
func (c *Calculator) PayEntry(ctx context.Context, entryID string) (generic.IncentiveEntry, error) {
	entry, err := c.store.GetIncentiveEntry(ctx, entryID)
	if err != nil {
		return generic.IncentiveEntry{}, fmt.Errorf("entry %s: %w", entryID, err)
	}
	if entry.IsPaid() {
		c.log.Debug().Str("entry", entryID).Msg("entry already paid")
		return entry, fmt.Errorf("entry %s: %w", entryID, generic.ErrAlreadyProcessed)
	}

	if entry.RewardAmount.IsPositive() {
		_, err = c.ledger.Post(ctx, generic.Posting{
			OwnerID:        entry.ActorID,
			Type:           generic.TxCredit,
			Source:         entrySource(entry.Kind),
			Amount:         entry.RewardAmount,
			Description:    describe(entry),
			ReferenceID:    entry.ID,
			IdempotencyKey: EntryCreditKey(entry.ID),
		})
		if err != nil && !errors.Is(err, generic.ErrAlreadyProcessed) {
			return entry, fmt.Errorf("credit entry %s: %w", entryID, err)
		}
	}

	paidAt := c.now()
	if err := c.store.MarkIncentivePaid(ctx, entry.ID, paidAt); err != nil && !errors.Is(err, generic.ErrAlreadyProcessed) {
		return entry, fmt.Errorf("mark entry %s paid: %w", entryID, err)
	}
	entry.Status = generic.StatusPaid
	entry.PaidAt = &paidAt

	c.log.Info().Str("entry", entry.ID).Str("actor", string(entry.ActorID)).
		Str("kind", string(entry.Kind)).Str("reward", entry.RewardAmount.String()).Msg("incentive paid")
	return entry, nil
}

func describe(e generic.IncentiveEntry) string {
	switch e.Kind {
	case generic.EntryReferral:
		return fmt.Sprintf("Referral bonus for %s (%s)", e.SubjectID, e.PeriodKey)
	case generic.EntryMonthly:
		return fmt.Sprintf("Monthly incentive %s: %s entries", e.PeriodKey, e.MetricValue)
	default:
		return fmt.Sprintf("Daily incentive %s: %s entries", e.PeriodKey, e.MetricValue)
	}
}

// =============================================================================
// PROGRESS
// =============================================================================

// DailyProgress reports how far actor is from the next daily tier.
func (c *Calculator) DailyProgress(ctx context.Context, actor generic.OwnerID, day generic.Day) (generic.TierProgress, error) {
	set, _, err := c.loadSlabs(ctx, generic.SlabSetDaily, true)
	if err != nil {
		return generic.TierProgress{}, err
	}
	count, err := c.CountEntries(ctx, actor, day)
	if err != nil {
		return generic.TierProgress{}, err
	}
	return generic.Progress(set, decimal.NewFromInt(count))
}

// Entries lists incentive entries newest first.
func (c *Calculator) Entries(ctx context.Context, kind generic.EntryKind, filter generic.ListFilter) ([]generic.IncentiveEntry, error) {
	return c.store.ListIncentiveEntries(ctx, kind, filter)
}
