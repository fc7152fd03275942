package generic_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func inr(v int64) generic.Amount { return generic.NewAmountFromInt(v) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// dailySlabs is the {0-49: 0, 50-99: 20, 100+: 50} entry-count set.
func dailySlabs() generic.SlabSet {
	return generic.SlabSet{
		Name: generic.SlabSetDaily,
		Kind: generic.SlabEntryCount,
		Slabs: []generic.Slab{
			{Min: dec("0"), Max: ptr("49"), Reward: inr(0), Label: "starter"},
			{Min: dec("50"), Max: ptr("99"), Reward: inr(20), Label: "silver"},
			{Min: dec("100"), Reward: inr(50), Label: "gold"},
		},
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []generic.Notification
}

func (r *recordingNotifier) Notify(n generic.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type harness struct {
	store    *store.Memory
	ledger   *generic.WalletLedger
	auth     *generic.PayoutAuthorizer
	notifier *recordingNotifier
}

var testNow = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, settings generic.VendorSettings) *harness {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveVendorSettings(context.Background(), settings))

	notifier := &recordingNotifier{}
	ledger := generic.NewWalletLedger(mem, generic.LedgerOptions{
		Notifier: notifier,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return testNow },
	})
	auth := generic.NewPayoutAuthorizer(mem, ledger, generic.AuthorizerOptions{
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return testNow },
	})
	return &harness{store: mem, ledger: ledger, auth: auth, notifier: notifier}
}

func defaultSettings() generic.VendorSettings {
	return generic.VendorSettings{
		SignupBonusAmount:        inr(50),
		MinWithdrawalAmount:      inr(200),
		MinInstantTransferAmount: inr(100),
	}
}

// customerPayment credits amt as a net customer receipt (instant-eligible).
func (h *harness) customerPayment(t *testing.T, owner generic.OwnerID, amt int64) {
	t.Helper()
	_, err := h.ledger.Post(context.Background(), generic.Posting{
		OwnerID: owner,
		Type:    generic.TxCredit,
		Source:  generic.SourceCustomerPayment,
		Amount:  inr(amt),
		Instant: true,
	})
	require.NoError(t, err)
}

func (h *harness) account(t *testing.T, owner generic.OwnerID) generic.WalletAccount {
	t.Helper()
	acct, err := h.ledger.Account(context.Background(), owner)
	require.NoError(t, err)
	return acct
}
