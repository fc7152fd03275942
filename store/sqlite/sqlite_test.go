package sqlite

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-ledger/generic"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func inr(v int64) generic.Amount { return generic.NewAmountFromInt(v) }

var t0 = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

// =============================================================================
// WALLET
// =============================================================================

func TestLedgerOnSQLite(t *testing.T) {
	// GIVEN: a ledger backed by SQLite
	s := newTestStore(t)
	ctx := context.Background()
	ledger := generic.NewWalletLedger(s, generic.LedgerOptions{Logger: zerolog.Nop()})

	// WHEN: crediting, re-posting the same key, and debiting
	_, err := ledger.Post(ctx, generic.Posting{
		OwnerID: "vendor-1", Type: generic.TxCredit, Source: generic.SourceCustomerPayment,
		Amount: inr(300), Instant: true, IdempotencyKey: "order:1",
	})
	require.NoError(t, err)
	_, err = ledger.Post(ctx, generic.Posting{
		OwnerID: "vendor-1", Type: generic.TxCredit, Source: generic.SourceCustomerPayment,
		Amount: inr(300), Instant: true, IdempotencyKey: "order:1",
	})
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)
	_, err = ledger.Debit(ctx, "vendor-1", inr(100), "adjustment")
	require.NoError(t, err)

	// THEN: cached balance, replay and rows agree
	acct, err := s.GetAccount(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, "200.00", acct.Balance.String())
	assert.Equal(t, "200.00", acct.EligibleInstantBalance.String())
	assert.Equal(t, int64(2), acct.Version)

	replay, err := ledger.Verify(ctx, "vendor-1")
	require.NoError(t, err)
	assert.True(t, replay.Balance.Equal(inr(200)))

	tx, err := s.TransactionByKey(ctx, "order:1")
	require.NoError(t, err)
	assert.True(t, tx.Instant)
	assert.Equal(t, generic.SourceCustomerPayment, tx.Source)
}

func TestApplyPosting_VersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := generic.NewWalletAccount("vendor-1", t0)
	acct.Balance = inr(10)
	acct.EligibleInstantBalance = generic.ZeroAmount()
	acct.Version = 1

	tx := func(key string) generic.LedgerTransaction {
		return generic.LedgerTransaction{
			ID: generic.TransactionID(key), OwnerID: "vendor-1", Type: generic.TxCredit,
			Source: generic.SourceAdjustment, Amount: inr(10), Status: generic.TxSuccess,
			IdempotencyKey: key, BalanceAfter: inr(10), CreatedAt: t0,
		}
	}

	require.NoError(t, s.ApplyPosting(ctx, tx("a"), acct, 0))

	// A second creator loses, and its transaction row is rolled back.
	assert.ErrorIs(t, s.ApplyPosting(ctx, tx("b"), acct, 0), generic.ErrConcurrentModification)
	_, err := s.TransactionByKey(ctx, "b")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	// A stale version loses too.
	acct.Version = 3
	assert.ErrorIs(t, s.ApplyPosting(ctx, tx("c"), acct, 2), generic.ErrConcurrentModification)

	// A reused key is a duplicate.
	acct.Version = 2
	assert.ErrorIs(t, s.ApplyPosting(ctx, tx("a"), acct, 1), generic.ErrDuplicateIdempotencyKey)
}

func TestLedgerOnSQLite_ConcurrentPostings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ledger := generic.NewWalletLedger(s, generic.LedgerOptions{Logger: zerolog.Nop()})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Credit(ctx, "vendor-1", inr(5), "tip")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := ledger.Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, "100.00", balance.String())
	txs, err := s.AllTransactions(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Len(t, txs, 20)
}

func TestListTransactions_FilterAndPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := t0
	ledger := generic.NewWalletLedger(s, generic.LedgerOptions{
		Logger: zerolog.Nop(),
		Now: func() time.Time {
			clock = clock.Add(time.Hour)
			return clock
		},
	})
	for i := 0; i < 5; i++ {
		_, err := ledger.Credit(ctx, "vendor-1", inr(int64(i+1)), "credit")
		require.NoError(t, err)
	}
	_, err := ledger.Credit(ctx, "vendor-2", inr(9), "other")
	require.NoError(t, err)

	page, err := s.ListTransactions(ctx, generic.ListFilter{OwnerID: "vendor-1", Page: generic.Page{Limit: 2}})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "5.00", page[0].Amount.String(), "newest first")
	assert.Equal(t, "4.00", page[1].Amount.String())

	from := t0.Add(2 * time.Hour)
	to := t0.Add(4 * time.Hour)
	window, err := s.ListTransactions(ctx, generic.ListFilter{OwnerID: "vendor-1", From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

// =============================================================================
// CALCULATOR ROWS
// =============================================================================

func TestUpsertIncentiveEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	entry := generic.IncentiveEntry{
		ID: "e-1", ActorID: "vendor-1", PeriodKey: "2026-03-01", Kind: generic.EntryDaily,
		MetricValue: decimal.NewFromInt(75), SlabLabel: "silver", RewardAmount: inr(20),
		CreatedAt: t0, UpdatedAt: t0,
	}

	first, err := s.UpsertIncentiveEntry(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPending, first.Status)

	// Re-run with a new id refreshes the same row.
	entry.ID = "e-2"
	entry.MetricValue = decimal.NewFromInt(120)
	entry.RewardAmount = inr(50)
	entry.DrawEligible = true
	second, err := s.UpsertIncentiveEntry(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, "e-1", second.ID)
	assert.Equal(t, "50.00", second.RewardAmount.String())

	candidates, err := s.DrawCandidates(ctx, generic.EntryDaily, "2026-03-01")
	require.NoError(t, err)
	assert.Len(t, candidates, 1)

	// Once paid, the row is frozen.
	require.NoError(t, s.MarkIncentivePaid(ctx, "e-1", t0.Add(time.Hour)))
	assert.ErrorIs(t, s.MarkIncentivePaid(ctx, "e-1", t0), generic.ErrAlreadyProcessed)
	entry.RewardAmount = inr(999)
	paid, err := s.UpsertIncentiveEntry(ctx, entry)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)
	assert.Equal(t, "50.00", paid.RewardAmount.String())
	require.NotNil(t, paid.PaidAt)

	assert.ErrorIs(t, s.MarkIncentivePaid(ctx, "missing", t0), generic.ErrNotFound)

	listed, err := s.ListIncentiveEntries(ctx, generic.EntryDaily, generic.ListFilter{Status: "paid", Period: "2026-03-01"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestSaveDrawResult_OncePerPeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := generic.DrawResult{
		ID: "d-1", Kind: generic.EntryDaily, PeriodKey: "2026-03-01", WinnerID: "vendor-1",
		EntryID: "e-1", CandidateCount: 3, PrizeAmount: inr(500), DrawnAt: t0,
	}
	_, err := s.SaveDrawResult(ctx, r)
	require.NoError(t, err)

	r.ID, r.WinnerID = "d-2", "vendor-2"
	existing, err := s.SaveDrawResult(ctx, r)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)
	assert.Equal(t, generic.OwnerID("vendor-1"), existing.WinnerID)
}

func TestUpsertRentalPayout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := generic.RentalPayout{
		ID: "r-1", ActorID: "vendor-1", Month: generic.NewMonth(2026, time.March),
		TransactionVolume: inr(120000), SuccessfulDays: 18, SlabReward: inr(500), IncentiveAmount: inr(300),
		CreatedAt: t0, UpdatedAt: t0,
	}
	_, err := s.UpsertRentalPayout(ctx, p)
	require.NoError(t, err)

	p.ID, p.SuccessfulDays, p.IncentiveAmount = "r-2", 24, inr(400)
	got, err := s.UpsertRentalPayout(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "r-1", got.ID)
	assert.Equal(t, 24, got.SuccessfulDays)
	assert.True(t, got.Month.Equal(p.Month))

	require.NoError(t, s.MarkRentalPaid(ctx, "r-1", t0))
	_, err = s.UpsertRentalPayout(ctx, p)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)
}

func TestListRentalPayouts_FiltersByMonth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, m := range []generic.Month{generic.NewMonth(2026, time.February), generic.NewMonth(2026, time.March)} {
		_, err := s.UpsertRentalPayout(ctx, generic.RentalPayout{
			ID: fmt.Sprintf("r-%d", i), ActorID: "vendor-1", Month: m,
			TransactionVolume: inr(120000), SuccessfulDays: 30, SlabReward: inr(500), IncentiveAmount: inr(500),
			Status: generic.StatusPending, CreatedAt: t0.Add(time.Duration(i) * time.Hour), UpdatedAt: t0,
		})
		require.NoError(t, err)
	}

	march, err := s.ListRentalPayouts(ctx, generic.ListFilter{
		Status: string(generic.StatusPending),
		Period: generic.MonthKey(generic.NewMonth(2026, time.March)),
	})
	require.NoError(t, err)
	require.Len(t, march, 1)
	assert.Equal(t, "r-1", march[0].ID)

	all, err := s.ListRentalPayouts(ctx, generic.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDecideRequest_CompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := generic.Request{
		ID: "req-1", OwnerID: "vendor-1", Kind: generic.RequestRedemption, RedemptionType: generic.RedeemCoupon,
		Amount: inr(50), Status: generic.RequestPending, RequestedAt: t0,
	}
	require.NoError(t, s.CreateRequest(ctx, req))
	assert.ErrorIs(t, s.CreateRequest(ctx, req), generic.ErrAlreadyProcessed)

	decided, err := s.DecideRequest(ctx, "req-1", generic.RequestApproved, "admin", "", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, generic.RequestApproved, decided.Status)
	require.NotNil(t, decided.ProcessedAt)

	again, err := s.DecideRequest(ctx, "req-1", generic.RequestRejected, "admin", "late", t0)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
	assert.Equal(t, generic.RequestApproved, again.Status)

	_, err = s.DecideRequest(ctx, "missing", generic.RequestApproved, "admin", "", t0)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	list, err := s.ListRequests(ctx, generic.RequestRedemption, generic.ListFilter{OwnerID: "vendor-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, generic.RedeemCoupon, list[0].RedemptionType)
}

func TestOrdersActivityVendors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveVendor(ctx, generic.Vendor{ID: "vendor-1", Name: "One", CreatedAt: t0}))
	require.NoError(t, s.SaveVendor(ctx, generic.Vendor{ID: "vendor-2", Name: "Two", ReferrerID: "vendor-1", Timezone: "Asia/Kolkata", CreatedAt: t0}))
	referees, err := s.Referees(ctx, "vendor-1")
	require.NoError(t, err)
	require.Len(t, referees, 1)
	assert.Equal(t, "Asia/Kolkata", referees[0].Timezone)

	require.NoError(t, s.SaveOrder(ctx, generic.OrderCompleted{OrderID: "o-1", OwnerID: "vendor-1", Total: inr(10), Status: generic.OrderPending, CreatedAt: t0}))
	require.NoError(t, s.SaveOrder(ctx, generic.OrderCompleted{OrderID: "o-1", OwnerID: "vendor-1", Total: inr(10), Status: generic.OrderPaid, CreatedAt: t0}))
	require.NoError(t, s.SaveOrder(ctx, generic.OrderCompleted{OrderID: "o-2", OwnerID: "vendor-1", Total: inr(10), Status: generic.OrderPaid, CreatedAt: t0.Add(24 * time.Hour)}))
	orders, err := s.ListOrders(ctx, "vendor-1", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, orders, 1, "upper bound is exclusive")
	assert.Equal(t, generic.OrderPaid, orders[0].Status)

	day := generic.NewDay(2026, time.March, 1)
	require.NoError(t, s.SaveDailyActivity(ctx, generic.DailyActivity{OwnerID: "vendor-1", Day: day, TransactionCount: 12, IsSuccessful: true}))
	require.NoError(t, s.SaveDailyActivity(ctx, generic.DailyActivity{OwnerID: "vendor-1", Day: day.AddDays(31), TransactionCount: 1}))
	activity, err := s.ListDailyActivity(ctx, "vendor-1", day, day.AddDays(30))
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.True(t, activity[0].IsSuccessful)
	assert.True(t, activity[0].Day.Equal(day))
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func TestConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetVendorSettings(ctx)
	assert.ErrorIs(t, err, generic.ErrNotFound)
	require.NoError(t, s.SaveVendorSettings(ctx, generic.VendorSettings{
		SignupBonusAmount: inr(50), MinWithdrawalAmount: inr(200), MinInstantTransferAmount: inr(100),
	}))
	settings, err := s.GetVendorSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "200.00", settings.MinWithdrawalAmount.String())

	ninetyNine := decimal.RequireFromString("99999.99")
	set := generic.SlabSet{
		Name: generic.SlabSetRental,
		Kind: generic.SlabVolume,
		Slabs: []generic.Slab{
			{Min: decimal.Zero, Max: &ninetyNine, Reward: inr(0), Label: "none"},
			{Min: decimal.NewFromInt(100000), Reward: inr(500), Label: "rental"},
		},
	}
	require.NoError(t, s.SaveSlabSet(ctx, set))
	loaded, err := s.GetSlabSet(ctx, generic.SlabSetRental)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())
	slab, err := generic.Resolve(loaded, decimal.NewFromInt(120000))
	require.NoError(t, err)
	assert.Equal(t, "rental", slab.Label)

	rule := generic.FeeRule{
		OwnerID: "vendor-1",
		Kind:    generic.FeeSlab,
		Slabs: []generic.FeeBracket{
			{MinOrderValue: inr(0), Value: inr(5)},
			{MinOrderValue: inr(500), Value: inr(15)},
		},
	}
	require.NoError(t, s.SaveFeeRule(ctx, rule))
	gotRule, err := s.GetFeeRule(ctx, "vendor-1")
	require.NoError(t, err)
	require.Len(t, gotRule.Slabs, 2)
	assert.Equal(t, "15.00", gotRule.Slabs[1].Value.String())

	_, err = s.GetFeeRule(ctx, "vendor-2")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestJobRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := generic.JobRun{ID: "run-1", Job: "daily-incentive", PeriodKey: "2026-03-01", Status: generic.JobRunning, StartedAt: t0}
	require.NoError(t, s.SaveJobRun(ctx, run))

	done := t0.Add(time.Minute)
	run.Status, run.Succeeded, run.CompletedAt = generic.JobCompleted, 4, &done
	require.NoError(t, s.SaveJobRun(ctx, run))

	got, err := s.GetJobRun(ctx, "daily-incentive", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, generic.JobCompleted, got.Status)
	assert.Equal(t, 4, got.Succeeded)
	require.NotNil(t, got.CompletedAt)

	runs, err := s.ListJobRuns(ctx, generic.Page{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
