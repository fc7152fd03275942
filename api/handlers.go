/*
handlers.go - HTTP API handlers for the incentive ledger

PURPOSE:
  Exposes wallets, payout requests, incentives, rental payouts, fees and
  admin configuration over REST. Handlers parse the request, delegate to
  the domain packages and serialize the result; no money rule lives here.

ENDPOINTS:
  Vendors:
    GET    /api/vendors                         List vendors
    POST   /api/vendors                         Create vendor (+ signup bonus)
    GET    /api/vendors/{id}                    Vendor details
    GET    /api/vendors/{id}/progress           Daily tier progress
    GET    /api/vendors/{id}/rental-projection  Projected rental payout

  Wallets:
    GET    /api/wallets/{id}                    Balance and instant balance
    GET    /api/wallets/{id}/transactions       Ledger rows, newest first
    GET    /api/wallets/{id}/verify             Replay the audit trail
    POST   /api/wallets/{id}/withdrawals        Request withdrawal of the balance
    POST   /api/wallets/{id}/instant-payouts    Request an instant payout
    POST   /api/wallets/{id}/redemptions        Request a redemption

  Orders and activity:
    POST   /api/orders                          Record order, credit net amount
    POST   /api/activity                        Record a daily activity row
    GET    /api/fees/quote                      Fee for owner and total

  Requests (admin):
    GET    /api/requests                        List, filter by kind/status/owner
    GET    /api/requests/{id}
    POST   /api/requests/{id}/approve
    POST   /api/requests/{id}/reject
    POST   /api/requests/{id}/decide
    POST   /api/requests/bulk-decide

  Incentives and rental (admin):
    GET    /api/incentives                      Entries, filter by kind/period
    POST   /api/incentives/{id}/pay
    GET    /api/draws/{kind}/{period}
    GET    /api/rental-payouts
    POST   /api/rental-payouts/{id}/mark-paid

  Configuration and jobs (admin):
    GET/PUT /api/admin/slabs[/{name}]
    GET/PUT /api/admin/settings
    GET/PUT /api/admin/fee-rules/{ownerID}
    POST   /api/admin/program                   Apply a YAML/JSON document
    POST   /api/admin/adjustments/{ownerID}     Manual credit/debit
    GET    /api/admin/jobs, /api/admin/jobs/runs
    POST   /api/admin/jobs/{job}?period=

ERROR HANDLING:
  Domain errors map to status codes through generic.Kind:
  - 400: invalid input
  - 404: not found
  - 409: already processed, invalid transition, version conflict
  - 422: configuration, insufficient/below minimum/instant balance, empty draw
  - 503: upstream unavailable
  - 500: anything else

SECURITY NOTE:
  No authentication. Run behind the platform gateway, which authenticates
  vendors and admins.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/warp/incentive-ledger/factory"
	"github.com/warp/incentive-ledger/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc    *Services
	runner *Runner
}

func NewHandler(svc *Services, runner *Runner) *Handler {
	if runner == nil {
		runner = NewRunner(svc)
	}
	return &Handler{svc: svc, runner: runner}
}

// =============================================================================
// VENDOR HANDLERS
// =============================================================================

func (h *Handler) ListVendors(w http.ResponseWriter, r *http.Request) {
	vendors, err := h.svc.Store.ListVendors(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]VendorDTO, len(vendors))
	for i, v := range vendors {
		dtos[i] = toVendorDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateVendor registers a vendor and credits the one-time signup bonus.
// POST /api/vendors
func (h *Handler) CreateVendor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateVendorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeDomainError(w, r, fmt.Errorf("%w: id and name are required", generic.ErrInvalidInput))
		return
	}
	if _, err := generic.LoadLocation(req.Timezone, nil); err != nil {
		writeDomainError(w, r, fmt.Errorf("%w: %v", generic.ErrInvalidInput, err))
		return
	}

	vendor := generic.Vendor{
		ID:         generic.OwnerID(req.ID),
		Name:       req.Name,
		ReferrerID: generic.OwnerID(req.ReferrerID),
		Timezone:   req.Timezone,
		CreatedAt:  h.svc.Now(),
	}
	if err := h.svc.Store.SaveVendor(ctx, vendor); err != nil {
		writeDomainError(w, r, err)
		return
	}

	credited, err := h.svc.Ledger.EnsureSignupBonus(ctx, vendor.ID)
	if err != nil {
		// The vendor exists; the bonus is retried on the next create call.
		hlog.FromRequest(r).Error().Err(err).Str("vendor", req.ID).Msg("signup bonus failed")
	}
	writeJSON(w, http.StatusCreated, CreateVendorResponse{Vendor: toVendorDTO(vendor), SignupBonusCredited: credited})
}

func (h *Handler) GetVendor(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Store.GetVendor(r.Context(), generic.OwnerID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVendorDTO(v))
}

// GetTierProgress returns today's (or ?day=) daily slab progress.
// GET /api/vendors/{id}/progress
func (h *Handler) GetTierProgress(w http.ResponseWriter, r *http.Request) {
	owner := generic.OwnerID(chi.URLParam(r, "id"))
	day := generic.DayOf(h.svc.Now(), h.svc.Location)
	if s := r.URL.Query().Get("day"); s != "" {
		d, err := generic.ParseDay(s)
		if err != nil {
			writeDomainError(w, r, fmt.Errorf("%w: day %q", generic.ErrInvalidInput, s))
			return
		}
		day = d
	}
	progress, err := h.svc.Incentives.DailyProgress(r.Context(), owner, day)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTierProgressDTO(owner, day, progress))
}

// GetRentalProjection returns the payout the vendor would get for the
// current (or ?month=) month so far.
func (h *Handler) GetRentalProjection(w http.ResponseWriter, r *http.Request) {
	owner := generic.OwnerID(chi.URLParam(r, "id"))
	month := generic.MonthOf(h.svc.Now(), h.svc.Location)
	if s := r.URL.Query().Get("month"); s != "" {
		m, err := generic.ParseMonth(s)
		if err != nil {
			writeDomainError(w, r, fmt.Errorf("%w: month %q", generic.ErrInvalidInput, s))
			return
		}
		month = m
	}
	p, err := h.svc.Rental.ProjectedPayout(r.Context(), owner, month)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectionDTO(owner, month, p))
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.Ledger.Account(r.Context(), generic.OwnerID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// ListTransactions returns ledger rows newest first.
// GET /api/wallets/{id}/transactions?from=&to=&limit=&offset=
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := h.listFilter(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	filter.OwnerID = generic.OwnerID(chi.URLParam(r, "id"))
	txs, err := h.svc.Store.ListTransactions(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyWallet replays the owner's audit trail against the cached balance.
func (h *Handler) VerifyWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := generic.OwnerID(chi.URLParam(r, "id"))
	acct, err := h.svc.Ledger.Account(ctx, owner)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dto := VerifyDTO{OwnerID: string(owner), Balance: acct.Balance.String(), Consistent: true}
	replay, err := h.svc.Ledger.Verify(ctx, owner)
	dto.ReplayedBalance = replay.Balance.String()
	dto.ReplayedInstant = replay.EligibleInstantBalance.String()
	dto.Postings = replay.Postings
	if err != nil {
		dto.Consistent = false
		dto.Error = err.Error()
		hlog.FromRequest(r).Error().Err(err).Str("owner", string(owner)).Msg("wallet replay mismatch")
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) SubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Payouts.SubmitWithdrawal(r.Context(), generic.OwnerID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req))
}

func (h *Handler) SubmitInstantPayout(w http.ResponseWriter, r *http.Request) {
	var body InstantPayoutRequest
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	req, err := h.svc.Payouts.SubmitInstantPayout(r.Context(), generic.OwnerID(chi.URLParam(r, "id")), amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req))
}

func (h *Handler) SubmitRedemption(w http.ResponseWriter, r *http.Request) {
	var body RedemptionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	req, err := h.svc.Payouts.SubmitRedemption(r.Context(), generic.OwnerID(chi.URLParam(r, "id")),
		generic.RedemptionType(body.Type), amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req))
}

// CreateAdjustment posts a manual credit or debit.
// POST /api/admin/adjustments/{ownerID}
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var body AdjustmentRequest
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	owner := generic.OwnerID(chi.URLParam(r, "ownerID"))
	var balance generic.Amount
	switch generic.TransactionType(body.Type) {
	case generic.TxCredit:
		balance, err = h.svc.Ledger.Credit(r.Context(), owner, amount, body.Description)
	case generic.TxDebit:
		balance, err = h.svc.Ledger.Debit(r.Context(), owner, amount, body.Description)
	default:
		err = fmt.Errorf("%w: type must be credit or debit", generic.ErrInvalidInput)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner_id": string(owner), "balance": balance.String()})
}

// =============================================================================
// ORDERS, ACTIVITY AND FEES
// =============================================================================

// SettleOrder records an order event and credits the net amount of paid
// orders. Replays of the same order are acknowledged without a new credit.
// POST /api/orders
func (h *Handler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	var body OrderRequest
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	total, err := generic.ParseAmount(body.Total)
	if err != nil {
		writeDomainError(w, r, fmt.Errorf("%w: total %q", generic.ErrInvalidInput, body.Total))
		return
	}
	status := generic.OrderStatus(body.Status)
	switch status {
	case "":
		status = generic.OrderPaid
	case generic.OrderPaid, generic.OrderPending, generic.OrderCancelled, generic.OrderRefunded:
	default:
		writeDomainError(w, r, fmt.Errorf("%w: order status %q", generic.ErrInvalidInput, body.Status))
		return
	}
	created := h.svc.Now()
	if body.CreatedAt != nil {
		created = *body.CreatedAt
	}

	q, err := h.svc.Fees.SettleOrder(r.Context(), generic.OrderCompleted{
		OrderID:   body.OrderID,
		OwnerID:   generic.OwnerID(body.OwnerID),
		Total:     total,
		Status:    status,
		CreatedAt: created,
	})
	resp := SettleOrderResponse{OrderID: body.OrderID, Quote: toQuoteDTO(q)}
	switch {
	case errors.Is(err, generic.ErrAlreadyProcessed):
		resp.AlreadyProcessed = true
	case err != nil:
		writeDomainError(w, r, err)
		return
	default:
		resp.Credited = status == generic.OrderPaid && q.NetAmount.IsPositive()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var body ActivityRequest
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	day, err := generic.ParseDay(body.Day)
	if err != nil || body.OwnerID == "" || body.TransactionCount < 0 {
		writeDomainError(w, r, fmt.Errorf("%w: owner_id, day (YYYY-MM-DD) and a non-negative transaction_count are required", generic.ErrInvalidInput))
		return
	}
	err = h.svc.Store.SaveDailyActivity(r.Context(), generic.DailyActivity{
		OwnerID:          generic.OwnerID(body.OwnerID),
		Day:              day,
		TransactionCount: body.TransactionCount,
		IsSuccessful:     body.IsSuccessful,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QuoteFee computes the fee without recording anything.
// GET /api/fees/quote?owner=&total=
func (h *Handler) QuoteFee(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	total, err := generic.ParseAmount(q.Get("total"))
	if err != nil {
		writeDomainError(w, r, fmt.Errorf("%w: total %q", generic.ErrInvalidInput, q.Get("total")))
		return
	}
	quote, err := h.svc.Fees.ComputeFee(r.Context(), generic.OwnerID(q.Get("owner")), total)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(quote))
}

// =============================================================================
// REQUEST APPROVAL HANDLERS
// =============================================================================

// ListRequests returns payout requests newest first.
// GET /api/requests?kind=&status=&owner=&from=&to=&limit=&offset=
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	filter, err := h.listFilter(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	reqs, err := h.svc.Payouts.List(r.Context(), generic.RequestKind(r.URL.Query().Get("kind")), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]RequestDTO, len(reqs))
	for i, req := range reqs {
		dtos[i] = toRequestDTO(req)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Payouts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// ApproveRequest debits the wallet and marks the request approved.
// POST /api/requests/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, generic.DecisionApprove)
}

// RejectRequest marks the request rejected; balances are untouched.
// POST /api/requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, generic.DecisionReject)
}

// DecideRequest takes the decision from the body.
// POST /api/requests/{id}/decide
func (h *Handler) DecideRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "")
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, decision generic.Decision) {
	var body DecisionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if decision == "" {
		decision = generic.Decision(body.Decision)
	}
	if !decision.Valid() {
		writeDomainError(w, r, fmt.Errorf("%w: decision must be approve or reject", generic.ErrInvalidInput))
		return
	}
	req, err := h.svc.Payouts.Decide(r.Context(), chi.URLParam(r, "id"), decision, adminOr(body.Admin), body.Notes)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// BulkDecide applies one decision to many requests; items are independent.
// POST /api/requests/bulk-decide
func (h *Handler) BulkDecide(w http.ResponseWriter, r *http.Request) {
	var body BulkDecisionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	decision := generic.Decision(body.Decision)
	if !decision.Valid() || len(body.IDs) == 0 {
		writeDomainError(w, r, fmt.Errorf("%w: ids and a decision (approve or reject) are required", generic.ErrInvalidInput))
		return
	}
	result := h.svc.Payouts.BulkDecide(r.Context(), body.IDs, decision, adminOr(body.Admin), body.Notes)
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// INCENTIVE AND RENTAL HANDLERS
// =============================================================================

// ListIncentives returns incentive entries newest first.
// GET /api/incentives?kind=&period=&status=&owner=&limit=&offset=
func (h *Handler) ListIncentives(w http.ResponseWriter, r *http.Request) {
	filter, err := h.listFilter(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	filter.Period = generic.PeriodKey(r.URL.Query().Get("period"))
	entries, err := h.svc.Incentives.Entries(r.Context(), generic.EntryKind(r.URL.Query().Get("kind")), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PayIncentive credits one entry. Paying a paid entry is acknowledged
// without a second credit.
func (h *Handler) PayIncentive(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.Incentives.PayEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, generic.ErrAlreadyProcessed) {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

func (h *Handler) GetDraw(w http.ResponseWriter, r *http.Request) {
	kind := generic.EntryKind(chi.URLParam(r, "kind"))
	if kind != generic.EntryDaily && kind != generic.EntryMonthly {
		writeDomainError(w, r, fmt.Errorf("%w: draw kind must be daily or monthly", generic.ErrInvalidInput))
		return
	}
	draw, err := h.svc.Store.GetDrawResult(r.Context(), kind, generic.PeriodKey(chi.URLParam(r, "period")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDrawDTO(draw))
}

func (h *Handler) ListRentalPayouts(w http.ResponseWriter, r *http.Request) {
	filter, err := h.listFilter(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if v := r.URL.Query().Get("month"); v != "" {
		m, err := generic.ParseMonth(v)
		if err != nil {
			writeDomainError(w, r, fmt.Errorf("%w: month %q", generic.ErrInvalidInput, v))
			return
		}
		filter.Period = generic.MonthKey(m)
	}
	payouts, err := h.svc.Rental.Payouts(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]RentalPayoutDTO, len(payouts))
	for i, p := range payouts {
		dtos[i] = toRentalPayoutDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MarkRentalPaid credits the payout and marks it paid (markRentalPayoutPaid).
// POST /api/rental-payouts/{id}/mark-paid
func (h *Handler) MarkRentalPaid(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Rental.MarkPaid(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRentalPayoutDTO(p))
}

// =============================================================================
// ADMIN CONFIGURATION HANDLERS
// =============================================================================

func (h *Handler) ListSlabSets(w http.ResponseWriter, r *http.Request) {
	sets, err := h.svc.Store.ListSlabSets(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]factory.SlabSetJSON, len(sets))
	for i, set := range sets {
		out[i] = factory.SlabSetToJSON(set)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSlabSet(w http.ResponseWriter, r *http.Request) {
	set, err := h.svc.Store.GetSlabSet(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.SlabSetToJSON(set))
}

// PutSlabSet validates and saves a slab set. A malformed set is rejected
// with 422 and never saved.
// PUT /api/admin/slabs/{name}
func (h *Handler) PutSlabSet(w http.ResponseWriter, r *http.Request) {
	var body factory.SlabSetJSON
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	body.Name = chi.URLParam(r, "name")
	set, err := factory.SlabSetFromJSON(body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := h.svc.Store.SaveSlabSet(r.Context(), set); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.SlabSetToJSON(set))
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Store.GetVendorSettings(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.SettingsToJSON(s))
}

func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var body factory.SettingsJSON
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s, err := factory.SettingsFromJSON(body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := h.svc.Store.SaveVendorSettings(r.Context(), s); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.SettingsToJSON(s))
}

func (h *Handler) GetFeeRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.Store.GetFeeRule(r.Context(), generic.OwnerID(chi.URLParam(r, "ownerID")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.FeeRuleToJSON(rule))
}

func (h *Handler) PutFeeRule(w http.ResponseWriter, r *http.Request) {
	var body factory.FeeRuleJSON
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	body.OwnerID = chi.URLParam(r, "ownerID")
	rule, err := factory.FeeRuleFromJSON(body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	rule.UpdatedAt = h.svc.Now()
	if err := h.svc.Store.SaveFeeRule(r.Context(), rule); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.FeeRuleToJSON(rule))
}

// ApplyProgram validates a whole YAML or JSON program document and saves
// it. Nothing is saved unless every part is valid.
// POST /api/admin/program
func (h *Handler) ApplyProgram(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeDomainError(w, r, fmt.Errorf("%w: %v", generic.ErrInvalidInput, err))
		return
	}
	program, err := factory.ParseProgram(data)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := factory.Apply(r.Context(), h.svc.Store, program); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"slab_sets": len(program.SlabSets),
		"fee_rules": len(program.FeeRules),
	})
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	out := make([]JobDTO, 0, len(jobs))
	for _, j := range Jobs() {
		period := "day"
		if j.Monthly {
			period = "month"
		}
		out = append(out, JobDTO{Name: j.Name, Period: period, Scheduled: j.Scheduled, Description: j.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	runs, err := h.svc.Store.ListJobRuns(r.Context(), page)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]JobRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toJobRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunJob runs a batch job now. Jobs are idempotent, so re-running a period
// only picks up what changed.
// POST /api/admin/jobs/{job}?period=2025-03-14
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	run, err := h.runner.Run(r.Context(), chi.URLParam(r, "job"), generic.PeriodKey(r.URL.Query().Get("period")))
	if err != nil && run.Status != generic.JobFailed {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(generic.Kind(err))
	}
	writeJSON(w, status, toJobRunDTO(run))
}

// Health reports whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.svc.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps err to a status code through its kind. Server-side
// failures are logged with the request id; client errors are not.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := generic.Kind(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: generic.UserMessage(err), Kind: kind, Details: err.Error()})
}

func statusFor(kind generic.ErrorKind) int {
	switch kind {
	case "":
		return http.StatusOK
	case generic.KindInvalidInput:
		return http.StatusBadRequest
	case generic.KindNotFound:
		return http.StatusNotFound
	case generic.KindAlreadyProcessed, generic.KindConflict:
		return http.StatusConflict
	case generic.KindConfiguration, generic.KindInsufficientBalance, generic.KindBelowMinimum,
		generic.KindExceedsInstant, generic.KindNoEligibleCandidates:
		return http.StatusUnprocessableEntity
	case generic.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the request body into v. An empty body leaves v at its
// zero value; required fields are checked by the caller.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: request body: %v", generic.ErrInvalidInput, err)
	}
	return nil
}

func parseAmount(field, s string) (generic.Amount, error) {
	a, err := generic.ParseAmount(strings.TrimSpace(s))
	if err != nil {
		return generic.Amount{}, fmt.Errorf("%w: %s %q", generic.ErrInvalidInput, field, s)
	}
	return a, nil
}

func adminOr(admin string) string {
	if admin == "" {
		return "admin"
	}
	return admin
}

// listFilter reads owner, status, from, to, limit and offset. Dates may be
// RFC 3339 timestamps or plain days in the server timezone.
func (h *Handler) listFilter(r *http.Request) (generic.ListFilter, error) {
	q := r.URL.Query()
	page, err := parsePage(r)
	if err != nil {
		return generic.ListFilter{}, err
	}
	filter := generic.ListFilter{
		OwnerID: generic.OwnerID(q.Get("owner")),
		Status:  q.Get("status"),
		Page:    page,
	}
	if filter.From, err = h.parseTimeParam(q.Get("from")); err != nil {
		return generic.ListFilter{}, err
	}
	if filter.To, err = h.parseTimeParam(q.Get("to")); err != nil {
		return generic.ListFilter{}, err
	}
	return filter, nil
}

func (h *Handler) parseTimeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	d, err := generic.ParseDay(s)
	if err != nil {
		return nil, fmt.Errorf("%w: time %q", generic.ErrInvalidInput, s)
	}
	start, _ := d.Range(h.svc.Location)
	return &start, nil
}

func parsePage(r *http.Request) (generic.Page, error) {
	var page generic.Page
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &page.Limit}, {"offset", &page.Offset}} {
		s := r.URL.Query().Get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return generic.Page{}, fmt.Errorf("%w: %s %q", generic.ErrInvalidInput, p.name, s)
		}
		*p.dst = n
	}
	return page.Normalize(), nil
}
