package rental_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/generic/store"
	"github.com/warp/incentive-ledger/rental"
)

var march = generic.NewMonth(2026, time.March)

func inr(v int64) generic.Amount { return generic.NewAmountFromInt(v) }

func ptr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

// rentalSlabs: below ₹1,00,000 nothing, ₹1,00,000+ pays ₹500.
func rentalSlabs() generic.SlabSet {
	return generic.SlabSet{
		Name: generic.SlabSetRental,
		Kind: generic.SlabVolume,
		Slabs: []generic.Slab{
			{Min: decimal.Zero, Max: ptr("99999.99"), Reward: inr(0), Label: "none"},
			{Min: decimal.NewFromInt(100000), Reward: inr(500), Label: "rental"},
		},
	}
}

type fixture struct {
	store  *store.Memory
	ledger *generic.WalletLedger
	calc   *rental.Calculator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveSlabSet(context.Background(), rentalSlabs()))
	ledger := generic.NewWalletLedger(mem, generic.LedgerOptions{Logger: zerolog.Nop()})
	calc := rental.NewCalculator(mem, ledger, rental.Options{Location: time.UTC, Logger: zerolog.Nop()})
	return &fixture{store: mem, ledger: ledger, calc: calc}
}

func (f *fixture) vendor(t *testing.T, id generic.OwnerID, tz string) {
	t.Helper()
	require.NoError(t, f.store.SaveVendor(context.Background(), generic.Vendor{ID: id, Name: string(id), Timezone: tz}))
}

func (f *fixture) order(t *testing.T, owner generic.OwnerID, id string, total int64, status generic.OrderStatus, at time.Time) {
	t.Helper()
	require.NoError(t, f.store.SaveOrder(context.Background(), generic.OrderCompleted{
		OrderID: id, OwnerID: owner, Total: inr(total), Status: status, CreatedAt: at,
	}))
}

// successfulDays flags the first n days of march as successful.
func (f *fixture) successfulDays(t *testing.T, owner generic.OwnerID, n int) {
	t.Helper()
	for i, day := range march.Days() {
		require.NoError(t, f.store.SaveDailyActivity(context.Background(), generic.DailyActivity{
			OwnerID:          owner,
			Day:              day,
			TransactionCount: 10,
			IsSuccessful:     i < n,
		}))
	}
}

func midMarch() time.Time { return time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC) }

// =============================================================================
// TESTS
// =============================================================================

func TestProjectedPayout_Scenario(t *testing.T) {
	// GIVEN: ₹1,20,000 of paid volume and 18 successful days
	f := newFixture(t)
	ctx := context.Background()
	f.vendor(t, "vendor-1", "")
	f.order(t, "vendor-1", "o-1", 70000, generic.OrderPaid, midMarch())
	f.order(t, "vendor-1", "o-2", 50000, generic.OrderPaid, midMarch().Add(time.Hour))
	f.order(t, "vendor-1", "o-3", 90000, generic.OrderPending, midMarch())
	f.successfulDays(t, "vendor-1", 18)

	// WHEN: projecting
	p, err := f.calc.ProjectedPayout(ctx, "vendor-1", march)

	// THEN: floor(500 × 18 / 30) = 300
	require.NoError(t, err)
	assert.True(t, p.Volume.Equal(inr(120000)), "pending orders excluded, got %s", p.Volume)
	assert.Equal(t, 18, p.SuccessfulDays)
	assert.True(t, p.SlabReward.Equal(inr(500)))
	assert.True(t, p.Payout.Equal(inr(300)), "got %s", p.Payout)
}

func TestProjectedPayout_Boundaries(t *testing.T) {
	cases := []struct {
		days int
		want int64
	}{
		{0, 0},
		{1, 16},
		{29, 483},
		{30, 500},
		{31, 500},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d days", tc.days), func(t *testing.T) {
			f := newFixture(t)
			f.vendor(t, "vendor-1", "")
			f.order(t, "vendor-1", "o-1", 150000, generic.OrderPaid, midMarch())
			f.successfulDays(t, "vendor-1", tc.days)

			p, err := f.calc.ProjectedPayout(context.Background(), "vendor-1", march)
			require.NoError(t, err)
			assert.LessOrEqual(t, p.SuccessfulDays, generic.ProrationDenominator)
			assert.True(t, p.Payout.Equal(inr(tc.want)), "got %s", p.Payout)
		})
	}
}

func TestMonthlyVolume_UsesVendorTimezone(t *testing.T) {
	// GIVEN: an order at 20:00 UTC on 31 March, which is 1 April in IST
	f := newFixture(t)
	ctx := context.Background()
	f.vendor(t, "vendor-ist", "Asia/Kolkata")
	f.vendor(t, "vendor-utc", "")
	late := time.Date(2026, time.March, 31, 20, 0, 0, 0, time.UTC)
	f.order(t, "vendor-ist", "o-ist", 1000, generic.OrderPaid, late)
	f.order(t, "vendor-utc", "o-utc", 1000, generic.OrderPaid, late)

	// WHEN/THEN
	ist, err := f.calc.MonthlyVolume(ctx, "vendor-ist", march)
	require.NoError(t, err)
	assert.True(t, ist.IsZero(), "IST vendor sees the order in April")

	utc, err := f.calc.MonthlyVolume(ctx, "vendor-utc", march)
	require.NoError(t, err)
	assert.True(t, utc.Equal(inr(1000)))
}

func TestProjectedPayout_MissingSlabsIsConfigurationError(t *testing.T) {
	mem := store.NewMemory()
	ledger := generic.NewWalletLedger(mem, generic.LedgerOptions{Logger: zerolog.Nop()})
	calc := rental.NewCalculator(mem, ledger, rental.Options{Location: time.UTC, Logger: zerolog.Nop()})

	_, err := calc.ProjectedPayout(context.Background(), "vendor-1", march)
	assert.ErrorIs(t, err, generic.ErrConfiguration)
}

func TestRunMonthlyCalc_UpsertsPendingAndLeavesPaidAlone(t *testing.T) {
	// GIVEN: one vendor with volume and 18 successful days
	f := newFixture(t)
	ctx := context.Background()
	f.vendor(t, "vendor-1", "")
	f.order(t, "vendor-1", "o-1", 120000, generic.OrderPaid, midMarch())
	f.successfulDays(t, "vendor-1", 18)

	// WHEN: running the calc twice, with more activity in between
	first, err := f.calc.RunMonthlyCalc(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Succeeded)

	f.successfulDays(t, "vendor-1", 24)
	_, err = f.calc.RunMonthlyCalc(ctx, march)
	require.NoError(t, err)

	// THEN: one row, refreshed to floor(500 × 24 / 30) = 400
	payouts, err := f.calc.Payouts(ctx, generic.ListFilter{})
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, 24, payouts[0].SuccessfulDays)
	assert.True(t, payouts[0].IncentiveAmount.Equal(inr(400)))
	assert.Equal(t, generic.StatusPending, payouts[0].Status)

	// AND WHEN: it is paid and the calc runs again with 30 days
	_, err = f.calc.MarkPaid(ctx, payouts[0].ID)
	require.NoError(t, err)
	f.successfulDays(t, "vendor-1", 30)
	third, err := f.calc.RunMonthlyCalc(ctx, march)
	require.NoError(t, err)

	// THEN: the paid row is untouched and counted as skipped
	assert.Equal(t, 1, third.Skipped)
	stored, err := f.store.GetRentalPayout(ctx, payouts[0].ID)
	require.NoError(t, err)
	assert.True(t, stored.IncentiveAmount.Equal(inr(400)))
}

func TestMarkPaid_CreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vendor(t, "vendor-1", "")
	f.order(t, "vendor-1", "o-1", 120000, generic.OrderPaid, midMarch())
	f.successfulDays(t, "vendor-1", 18)
	_, err := f.calc.RunMonthlyCalc(ctx, march)
	require.NoError(t, err)
	payouts, err := f.calc.Payouts(ctx, generic.ListFilter{OwnerID: "vendor-1"})
	require.NoError(t, err)
	require.Len(t, payouts, 1)

	paid, err := f.calc.MarkPaid(ctx, payouts[0].ID)
	require.NoError(t, err)
	assert.True(t, paid.IsPaid())
	require.NotNil(t, paid.PaidAt)

	again, err := f.calc.MarkPaid(ctx, payouts[0].ID)
	require.NoError(t, err)
	assert.True(t, again.IsPaid())

	balance, err := f.ledger.Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(inr(300)), "got %s", balance)
}

func TestMarkPaid_CrashBetweenCreditAndCommit(t *testing.T) {
	// GIVEN: the credit landed but the status flip did not
	f := newFixture(t)
	ctx := context.Background()
	f.vendor(t, "vendor-1", "")
	f.order(t, "vendor-1", "o-1", 120000, generic.OrderPaid, midMarch())
	f.successfulDays(t, "vendor-1", 18)
	_, err := f.calc.RunMonthlyCalc(ctx, march)
	require.NoError(t, err)
	payouts, err := f.calc.Payouts(ctx, generic.ListFilter{})
	require.NoError(t, err)
	p := payouts[0]

	_, err = f.ledger.Post(ctx, generic.Posting{
		OwnerID:        p.ActorID,
		Type:           generic.TxCredit,
		Source:         generic.SourceRentalIncome,
		Amount:         p.IncentiveAmount,
		IdempotencyKey: rental.PayoutCreditKey(p.ID),
	})
	require.NoError(t, err)

	// WHEN: MarkPaid is retried
	paid, err := f.calc.MarkPaid(ctx, p.ID)

	// THEN: the status flips and there is still exactly one credit
	require.NoError(t, err)
	assert.True(t, paid.IsPaid())
	txs, err := f.store.AllTransactions(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestMarkPaid_UnknownPayout(t *testing.T) {
	f := newFixture(t)
	_, err := f.calc.MarkPaid(context.Background(), "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestMarkAllPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []generic.OwnerID{"vendor-1", "vendor-2"} {
		f.vendor(t, id, "")
		f.order(t, id, "o-"+string(id), 120000, generic.OrderPaid, midMarch())
		f.successfulDays(t, id, 30)
	}
	_, err := f.calc.RunMonthlyCalc(ctx, march)
	require.NoError(t, err)

	result, err := f.calc.MarkAllPaid(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)

	for _, id := range []generic.OwnerID{"vendor-1", "vendor-2"} {
		b, err := f.ledger.Balance(ctx, id)
		require.NoError(t, err)
		assert.True(t, b.Equal(inr(500)), "%s got %s", id, b)
	}
}

func TestMarkAllPaid_WalksEveryPageOfTheMonth(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveSlabSet(ctx, rentalSlabs()))
	ledger := generic.NewWalletLedger(mem, generic.LedgerOptions{Logger: zerolog.Nop()})
	calc := rental.NewCalculator(mem, ledger, rental.Options{Location: time.UTC, Logger: zerolog.Nop(), PageSize: 3})
	f := &fixture{store: mem, ledger: ledger, calc: calc}

	// GIVEN: More pending March payouts than fit on one page
	var vendors []generic.OwnerID
	for i := 0; i < 8; i++ {
		id := generic.OwnerID(fmt.Sprintf("vendor-%d", i))
		vendors = append(vendors, id)
		f.vendor(t, id, "")
		f.order(t, id, "o-"+string(id), 120000, generic.OrderPaid, midMarch())
		f.successfulDays(t, id, 30)
	}
	_, err := calc.RunMonthlyCalc(ctx, march)
	require.NoError(t, err)

	// AND: A pending payout of another month
	feb := march.Prev()
	_, err = mem.UpsertRentalPayout(ctx, generic.RentalPayout{
		ID: "feb-payout", ActorID: "vendor-0", Month: feb,
		TransactionVolume: inr(0), SlabReward: inr(500), IncentiveAmount: inr(500),
		Status: generic.StatusPending, CreatedAt: midMarch().Add(time.Hour), UpdatedAt: midMarch().Add(time.Hour),
	})
	require.NoError(t, err)

	// WHEN: March is settled
	result, err := calc.MarkAllPaid(ctx, march)

	// THEN: Every March payout is paid, February is untouched
	require.NoError(t, err)
	assert.Equal(t, 8, result.Succeeded)
	assert.Equal(t, 0, result.Failed)

	pending, err := calc.Payouts(ctx, generic.ListFilter{Status: string(generic.StatusPending)})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "feb-payout", pending[0].ID)

	for _, id := range vendors {
		b, err := ledger.Balance(ctx, id)
		require.NoError(t, err)
		assert.True(t, b.Equal(inr(500)), "%s got %s", id, b)
	}
}
