package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-ledger/factory"
	"github.com/warp/incentive-ledger/fees"
	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/generic/store"
	"github.com/warp/incentive-ledger/incentive"
	"github.com/warp/incentive-ledger/metrics"
)

var testNow = time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)

type testAPI struct {
	svc    *Services
	router http.Handler
}

// newTestAPI wires the router to an in-memory store seeded with the
// default program (signup bonus ₹50, withdrawal minimum ₹200, instant
// minimum ₹100).
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	program, err := factory.ParseProgram([]byte(factory.DefaultProgramYAML))
	require.NoError(t, err)
	require.NoError(t, factory.Apply(context.Background(), mem, program))

	cfg := incentive.DefaultConfig()
	cfg.Location = time.UTC
	svc := NewServices(mem, ServiceOptions{
		Incentives: cfg,
		Fees:       fees.DefaultConfig(),
		Location:   time.UTC,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return testNow },
	})
	router := NewRouter(NewHandler(svc, nil), RouterOptions{Logger: zerolog.Nop(), Metrics: metrics.New()})
	return &testAPI{svc: svc, router: router}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) settlePaidOrder(t *testing.T, orderID, owner, total string) SettleOrderResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/orders", OrderRequest{OrderID: orderID, OwnerID: owner, Total: total, Status: "paid"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[SettleOrderResponse](t, rec)
}

// =============================================================================
// VENDORS AND WALLETS
// =============================================================================

func TestCreateVendor_CreditsSignupBonusOnce(t *testing.T) {
	a := newTestAPI(t)

	// WHEN: The same vendor is created twice
	rec := a.do(t, http.MethodPost, "/api/vendors", CreateVendorRequest{ID: "vendor-1", Name: "Sharma Kirana"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[CreateVendorResponse](t, rec)

	rec = a.do(t, http.MethodPost, "/api/vendors", CreateVendorRequest{ID: "vendor-1", Name: "Sharma Kirana"})
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decode[CreateVendorResponse](t, rec)

	// THEN: The bonus is credited exactly once
	assert.True(t, first.SignupBonusCredited)
	assert.False(t, second.SignupBonusCredited)

	rec = a.do(t, http.MethodGet, "/api/wallets/vendor-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50.00", decode[AccountDTO](t, rec).Balance)
}

func TestCreateVendor_RejectsUnknownTimezone(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/vendors", CreateVendorRequest{ID: "v", Name: "V", Timezone: "Mars/Olympus"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, generic.KindInvalidInput, decode[ErrorResponse](t, rec).Kind)
}

func TestGetVendor_NotFound(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/vendors/ghost", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetWallet_UnknownOwnerIsZero(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/wallets/nobody", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	acct := decode[AccountDTO](t, rec)
	assert.Equal(t, "0.00", acct.Balance)
	assert.Equal(t, "0.00", acct.EligibleInstantBalance)
}

func TestVerifyWallet_ConsistentAfterPostings(t *testing.T) {
	a := newTestAPI(t)
	a.settlePaidOrder(t, "o-1", "vendor-1", "1000")
	a.settlePaidOrder(t, "o-2", "vendor-1", "500")

	rec := a.do(t, http.MethodGet, "/api/wallets/vendor-1/verify", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[VerifyDTO](t, rec)
	assert.True(t, v.Consistent)
	assert.Equal(t, 2, v.Postings)
	assert.Equal(t, v.Balance, v.ReplayedBalance)
}

func TestListTransactions_NewestFirstWithLimit(t *testing.T) {
	a := newTestAPI(t)
	a.settlePaidOrder(t, "o-1", "vendor-1", "100")
	a.settlePaidOrder(t, "o-2", "vendor-1", "200")

	rec := a.do(t, http.MethodGet, "/api/wallets/vendor-1/transactions?limit=1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]TransactionDTO](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, "o-2", txs[0].ReferenceID)
}

func TestListTransactions_BadLimit(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/wallets/vendor-1/transactions?limit=abc", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAdjustment_DebitBeyondBalance(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/api/admin/adjustments/vendor-1", AdjustmentRequest{Type: "credit", Amount: "40", Description: "goodwill"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/api/admin/adjustments/vendor-1", AdjustmentRequest{Type: "debit", Amount: "41"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, generic.KindInsufficientBalance, decode[ErrorResponse](t, rec).Kind)
}

// =============================================================================
// ORDERS AND FEES
// =============================================================================

func TestSettleOrder_CreditsNetOnceAndAcknowledgesReplay(t *testing.T) {
	a := newTestAPI(t)

	// GIVEN: A paid ₹1000 order and no fee rule (3% default)
	first := a.settlePaidOrder(t, "order-1", "vendor-1", "1000")

	// WHEN: The same order event is delivered again
	replay := a.settlePaidOrder(t, "order-1", "vendor-1", "1000")

	// THEN: ₹970 is credited once, instant eligible
	assert.True(t, first.Credited)
	assert.Equal(t, "30.00", first.Quote.Fee)
	assert.True(t, replay.AlreadyProcessed)
	assert.False(t, replay.Credited)

	rec := a.do(t, http.MethodGet, "/api/wallets/vendor-1", nil)
	acct := decode[AccountDTO](t, rec)
	assert.Equal(t, "970.00", acct.Balance)
	assert.Equal(t, "970.00", acct.EligibleInstantBalance)
}

func TestSettleOrder_PendingOrderIsRecordedOnly(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/orders", OrderRequest{OrderID: "o-1", OwnerID: "vendor-1", Total: "500", Status: "pending"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[SettleOrderResponse](t, rec).Credited)
	bal, err := a.svc.Ledger.Balance(context.Background(), "vendor-1")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestSettleOrder_RejectsBadInput(t *testing.T) {
	a := newTestAPI(t)

	cases := map[string]any{
		"bad total":     OrderRequest{OrderID: "o", OwnerID: "v", Total: "ten"},
		"bad status":    OrderRequest{OrderID: "o", OwnerID: "v", Total: "10", Status: "shipped"},
		"missing owner": OrderRequest{OrderID: "o", Total: "10"},
		"unknown field": `{"order_id":"o","owner_id":"v","total":"10","tip":"5"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/orders", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestQuoteFee_UsesVendorRule(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPut, "/api/admin/fee-rules/vendor-1", `{"kind":"fixed","value":"15"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/fees/quote?owner=vendor-1&total=200", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	q := decode[QuoteDTO](t, rec)
	assert.Equal(t, "15.00", q.Fee)
	assert.Equal(t, "185.00", q.NetAmount)
	assert.Equal(t, "fixed", q.RuleKind)
	assert.False(t, q.Fallback)
}

// =============================================================================
// PAYOUT REQUESTS
// =============================================================================

func TestInstantPayout_BelowMinimum(t *testing.T) {
	a := newTestAPI(t)
	a.settlePaidOrder(t, "o-1", "vendor-1", "1000")

	rec := a.do(t, http.MethodPost, "/api/wallets/vendor-1/instant-payouts", InstantPayoutRequest{Amount: "80"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, generic.KindBelowMinimum, resp.Kind)
	assert.NotEmpty(t, resp.Error)
}

func TestWithdrawal_ApproveThenRepeat(t *testing.T) {
	a := newTestAPI(t)
	a.settlePaidOrder(t, "o-1", "vendor-1", "1000")

	// GIVEN: A pending withdrawal of the whole balance
	rec := a.do(t, http.MethodPost, "/api/wallets/vendor-1/withdrawals", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decode[RequestDTO](t, rec)
	assert.Equal(t, "970.00", req.Amount)
	assert.Equal(t, "pending", req.Status)

	// WHEN: It is approved twice
	rec = a.do(t, http.MethodPost, "/api/requests/"+req.ID+"/approve", DecisionRequest{Admin: "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[RequestDTO](t, rec)

	rec = a.do(t, http.MethodPost, "/api/requests/"+req.ID+"/approve", nil)

	// THEN: The wallet is debited once and the repeat is reported
	assert.Equal(t, "approved", approved.Status)
	assert.Equal(t, "ops", approved.ProcessedBy)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, generic.KindAlreadyProcessed, decode[ErrorResponse](t, rec).Kind)

	bal, err := a.svc.Ledger.Balance(context.Background(), "vendor-1")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestRejectThenApprove_IsConflict(t *testing.T) {
	a := newTestAPI(t)
	a.settlePaidOrder(t, "o-1", "vendor-1", "1000")
	rec := a.do(t, http.MethodPost, "/api/wallets/vendor-1/redemptions", RedemptionRequest{Type: "coupon", Amount: "100"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decode[RequestDTO](t, rec)

	rec = a.do(t, http.MethodPost, "/api/requests/"+req.ID+"/reject", DecisionRequest{Notes: "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/requests/"+req.ID+"/decide", DecisionRequest{Decision: "approve"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, generic.KindConflict, decode[ErrorResponse](t, rec).Kind)
}

func TestBulkDecide_ReportsItemFailures(t *testing.T) {
	a := newTestAPI(t)
	a.settlePaidOrder(t, "o-1", "vendor-1", "1000")
	rec := a.do(t, http.MethodPost, "/api/wallets/vendor-1/withdrawals", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	req := decode[RequestDTO](t, rec)

	rec = a.do(t, http.MethodPost, "/api/requests/bulk-decide", BulkDecisionRequest{
		IDs:      []string{req.ID, "missing"},
		Decision: "approve",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[generic.BatchResult](t, rec)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "missing", result.Errors[0].ID)
	assert.Equal(t, generic.KindNotFound, result.Errors[0].Kind)
}

func TestListRequests_FilterByStatus(t *testing.T) {
	a := newTestAPI(t)
	a.settlePaidOrder(t, "o-1", "vendor-1", "1000")
	rec := a.do(t, http.MethodPost, "/api/wallets/vendor-1/withdrawals", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/requests?status=pending&kind=withdrawal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]RequestDTO](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/api/requests?status=approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]RequestDTO](t, rec))
}

// =============================================================================
// ADMIN CONFIGURATION
// =============================================================================

func TestPutSlabSet_RejectsOverlap(t *testing.T) {
	a := newTestAPI(t)
	body := `{"kind":"entry_count","slabs":[{"min":0,"max":10,"reward":0,"label":"a"},{"min":5,"reward":10,"label":"b"}]}`

	rec := a.do(t, http.MethodPut, "/api/admin/slabs/daily", body)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, generic.KindConfiguration, decode[ErrorResponse](t, rec).Kind)

	// The stored set is untouched
	rec = a.do(t, http.MethodGet, "/api/admin/slabs/daily", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[factory.SlabSetJSON](t, rec).Slabs, 3)
}

func TestPutSlabSet_ChangesTierProgress(t *testing.T) {
	a := newTestAPI(t)
	body := `{"kind":"entry_count","slabs":[{"min":0,"max":4,"reward":0,"label":"starter"},{"min":5,"reward":"12.50","label":"pro"}]}`
	rec := a.do(t, http.MethodPut, "/api/admin/slabs/daily", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/vendors/vendor-1/progress?day=2025-03-14", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[TierProgressDTO](t, rec)
	assert.Equal(t, "starter", p.CurrentLabel)
	require.NotNil(t, p.NextLabel)
	assert.Equal(t, "pro", *p.NextLabel)
	assert.Equal(t, "12.50", p.AdditionalReward)
}

func TestSettings_RoundTrip(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPut, "/api/admin/settings",
		`{"signup_bonus_amount":"75","min_withdrawal_amount":"250","min_instant_transfer_amount":"50"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	s, err := a.svc.Store.GetVendorSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "75.00", s.SignupBonusAmount.String())
	assert.Equal(t, "250.00", s.MinWithdrawalAmount.String())
}

func TestApplyProgram_AllOrNothing(t *testing.T) {
	a := newTestAPI(t)
	doc := `
settings:
  signup_bonus_amount: 10
  min_withdrawal_amount: 20
  min_instant_transfer_amount: 5
slab_sets:
  - {name: daily, kind: entry_count, slabs: [{min: 0, max: 9, reward: 0}]}
`
	rec := a.do(t, http.MethodPost, "/api/admin/program", doc)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	s, err := a.svc.Store.GetVendorSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "50.00", s.SignupBonusAmount.String())
}

// =============================================================================
// JOBS, INCENTIVES, HEALTH, METRICS
// =============================================================================

func TestRunJob_DailyIncentiveThenPay(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, a.svc.Store.SaveVendor(ctx, generic.Vendor{ID: "vendor-1", Name: "V"}))
	day := generic.NewDay(2025, time.March, 14)
	start, _ := day.Range(time.UTC)
	for i := 0; i < 60; i++ {
		require.NoError(t, a.svc.Store.SaveOrder(ctx, generic.OrderCompleted{
			OrderID: fmt.Sprintf("o-%02d", i), OwnerID: "vendor-1",
			Total: generic.NewAmountFromInt(10), Status: generic.OrderPaid,
			CreatedAt: start.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec := a.do(t, http.MethodPost, "/api/admin/jobs/daily-incentive?period=2025-03-14", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[JobRunDTO](t, rec)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 1, run.Succeeded)

	rec = a.do(t, http.MethodGet, "/api/incentives?kind=daily&period=2025-03-14", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]EntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "20.00", entries[0].RewardAmount)

	rec = a.do(t, http.MethodPost, "/api/incentives/"+entries[0].ID+"/pay", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paid", decode[EntryDTO](t, rec).Status)

	// Paying again is acknowledged without a second credit
	rec = a.do(t, http.MethodPost, "/api/incentives/"+entries[0].ID+"/pay", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal, err := a.svc.Ledger.Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, "20.00", bal.String())
}

func TestRunJob_Errors(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/admin/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/admin/jobs/daily-incentive?period=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/admin/jobs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]JobDTO](t, rec)
	assert.Len(t, list, len(JobNames()))
	assert.Equal(t, "daily-incentive", list[0].Name)
	assert.Equal(t, "day", list[0].Period)
}

func TestGetDraw_NotFoundAndBadKind(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/draws/daily/2025-03-14", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/draws/weekly/2025-03-14", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)
	a.settlePaidOrder(t, "o-1", "vendor-1", "100")

	rec := a.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_http_request_duration_seconds")
	assert.Contains(t, rec.Body.String(), `route="/api/orders"`)
}

func TestStatusFor(t *testing.T) {
	cases := map[generic.ErrorKind]int{
		generic.KindInvalidInput:         http.StatusBadRequest,
		generic.KindNotFound:             http.StatusNotFound,
		generic.KindAlreadyProcessed:     http.StatusConflict,
		generic.KindConflict:             http.StatusConflict,
		generic.KindConfiguration:        http.StatusUnprocessableEntity,
		generic.KindNoEligibleCandidates: http.StatusUnprocessableEntity,
		generic.KindUpstreamUnavailable:  http.StatusServiceUnavailable,
		generic.KindInternal:             http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}
