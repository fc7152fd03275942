/*
request.go - Payout and redemption request lifecycle

PURPOSE:
  The PayoutAuthorizer validates vendor and customer requests to take money
  out of a wallet, and applies admin decisions to them.

REQUEST FLOW:
  ┌─────────────────────────────────────────────────────────────────┐
  │                                                                 │
  │  Owner submits     Validate against      Request stored         │
  │  request     ──▶  balance + minimums ──▶  as pending            │
  │                                                │                │
  │                                                ▼                │
  │                                          ┌──────────┐           │
  │                                          │ Approved │──▶ debit  │
  │                                          └──────────┘           │
  │                                          ┌──────────┐           │
  │                                          │ Rejected │──▶ notes  │
  │                                          └──────────┘           │
  │                                                                 │
  └─────────────────────────────────────────────────────────────────┘

REQUEST KINDS:
  withdrawal      whole balance, needs balance >= minWithdrawalAmount
  instant_payout  partial, needs min <= amount <= eligible instant balance
  redemption      customer wallet, cash/coupon/cashback, amount <= balance

NO HOLDS:
  Submitting does not reserve balance. Validation is repeated by the debit
  at approval time; a request whose owner spent the money meanwhile fails
  approval and stays pending.

RETRIES:
  The approval debit is keyed request:<id>, so a retried approval after a
  crash between debit and status update never debits twice.

EXAMPLE:
  auth := NewPayoutAuthorizer(store, ledger, AuthorizerOptions{})
  req, err := auth.SubmitInstantPayout(ctx, "vendor-1", NewAmountFromInt(150))
  _, err = auth.Approve(ctx, req.ID, "admin-7")

SEE ALSO:
  - ledger.go: the debits
  - batch.go: BulkDecide result shape
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// REQUEST - A request to move money out of a wallet
// =============================================================================

type RequestKind string

const (
	RequestWithdrawal    RequestKind = "withdrawal"
	RequestInstantPayout RequestKind = "instant_payout"
	RequestRedemption    RequestKind = "redemption"
)

type RedemptionType string

const (
	RedeemCash     RedemptionType = "cash"
	RedeemCoupon   RedemptionType = "coupon"
	RedeemCashback RedemptionType = "cashback"
)

func (t RedemptionType) Valid() bool {
	return t == RedeemCash || t == RedeemCoupon || t == RedeemCashback
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool { return d == DecisionApprove || d == DecisionReject }

type Request struct {
	ID             string
	OwnerID        OwnerID
	Kind           RequestKind
	RedemptionType RedemptionType // redemption requests only
	Amount         Amount
	Status         RequestStatus
	Notes          string
	ProcessedBy    string
	RequestedAt    time.Time
	ProcessedAt    *time.Time
}

func (r Request) IsPending() bool { return r.Status == RequestPending }

// source is the ledger source the approval debit is recorded under.
func (r Request) source() Source {
	switch r.Kind {
	case RequestWithdrawal:
		return SourceWithdrawal
	case RequestInstantPayout:
		return SourceInstantPayout
	default:
		return SourceRedemption
	}
}

// RequestDebitKey is the idempotency key of the approval debit.
func RequestDebitKey(id string) string { return "request:" + id }

// =============================================================================
// PAYOUT AUTHORIZER
// =============================================================================

// AuthorizerStore is the slice of storage the authorizer needs.
type AuthorizerStore interface {
	RequestStore
	AppendAudit(ctx context.Context, tx LedgerTransaction) error
}

type AuthorizerOptions struct {
	Settings SettingsSource
	Observer Observer
	Logger   zerolog.Logger
	Now      func() time.Time
}

type PayoutAuthorizer struct {
	store    AuthorizerStore
	ledger   *WalletLedger
	settings SettingsSource
	observer Observer
	log      zerolog.Logger
	now      func() time.Time
}

func NewPayoutAuthorizer(store AuthorizerStore, ledger *WalletLedger, opts AuthorizerOptions) *PayoutAuthorizer {
	a := &PayoutAuthorizer{
		store:    store,
		ledger:   ledger,
		settings: opts.Settings,
		observer: opts.Observer,
		log:      opts.Logger.With().Str("component", "payouts").Logger(),
		now:      opts.Now,
	}
	if a.settings == nil {
		a.settings = ledger.settings
	}
	if a.observer == nil {
		a.observer = NopObserver{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

func (a *PayoutAuthorizer) loadSettings(ctx context.Context) (VendorSettings, error) {
	if a.settings == nil {
		return VendorSettings{}, &ConfigurationError{Subject: "vendor settings", Reason: "no settings source"}
	}
	s, err := a.settings.GetVendorSettings(ctx)
	if errors.Is(err, ErrNotFound) {
		return VendorSettings{}, &ConfigurationError{Subject: "vendor settings", Reason: "not configured"}
	}
	return s, err
}

func (a *PayoutAuthorizer) newRequest(owner OwnerID, kind RequestKind, amount Amount) Request {
	return Request{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Kind:        kind,
		Amount:      amount,
		Status:      RequestPending,
		RequestedAt: a.now(),
	}
}

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitWithdrawal requests the owner's whole current balance.
func (a *PayoutAuthorizer) SubmitWithdrawal(ctx context.Context, owner OwnerID) (Request, error) {
	settings, err := a.loadSettings(ctx)
	if err != nil {
		return Request{}, err
	}
	acct, err := a.ledger.Account(ctx, owner)
	if err != nil {
		return Request{}, err
	}
	if acct.Balance.LessThan(settings.MinWithdrawalAmount) {
		return Request{}, &BelowMinimumError{What: string(RequestWithdrawal), Requested: acct.Balance, Minimum: settings.MinWithdrawalAmount}
	}
	if !acct.Balance.IsPositive() {
		return Request{}, fmt.Errorf("withdrawal of empty wallet: %w", ErrInvalidAmount)
	}

	req := a.newRequest(owner, RequestWithdrawal, acct.Balance)
	if err := a.store.CreateRequest(ctx, req); err != nil {
		return Request{}, err
	}
	a.audit(ctx, req, TxPending, acct.Balance)

	a.log.Info().Str("request", req.ID).Str("owner", string(owner)).Str("amount", req.Amount.String()).Msg("withdrawal requested")
	return req, nil
}

// SubmitInstantPayout requests part of the eligible instant balance.
func (a *PayoutAuthorizer) SubmitInstantPayout(ctx context.Context, owner OwnerID, amount Amount) (Request, error) {
	amount = amount.Round()
	if !amount.IsPositive() {
		return Request{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	settings, err := a.loadSettings(ctx)
	if err != nil {
		return Request{}, err
	}
	if amount.LessThan(settings.MinInstantTransferAmount) {
		return Request{}, &BelowMinimumError{What: string(RequestInstantPayout), Requested: amount, Minimum: settings.MinInstantTransferAmount}
	}
	acct, err := a.ledger.Account(ctx, owner)
	if err != nil {
		return Request{}, err
	}
	if amount.GreaterThan(acct.EligibleInstantBalance) {
		return Request{}, fmt.Errorf("%w: available %s, requested %s", ErrExceedsInstantBalance, acct.EligibleInstantBalance, amount)
	}

	req := a.newRequest(owner, RequestInstantPayout, amount)
	if err := a.store.CreateRequest(ctx, req); err != nil {
		return Request{}, err
	}
	a.log.Info().Str("request", req.ID).Str("owner", string(owner)).Str("amount", amount.String()).Msg("instant payout requested")
	return req, nil
}

// SubmitRedemption requests a customer wallet redemption.
func (a *PayoutAuthorizer) SubmitRedemption(ctx context.Context, owner OwnerID, kind RedemptionType, amount Amount) (Request, error) {
	if !kind.Valid() {
		return Request{}, fmt.Errorf("%w: redemption type %q", ErrInvalidInput, kind)
	}
	amount = amount.Round()
	if !amount.IsPositive() {
		return Request{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	acct, err := a.ledger.Account(ctx, owner)
	if err != nil {
		return Request{}, err
	}
	if amount.GreaterThan(acct.Balance) {
		return Request{}, &InsufficientBalanceError{OwnerID: owner, Available: acct.Balance, Requested: amount}
	}

	req := a.newRequest(owner, RequestRedemption, amount)
	req.RedemptionType = kind
	if err := a.store.CreateRequest(ctx, req); err != nil {
		return Request{}, err
	}
	a.log.Info().Str("request", req.ID).Str("owner", string(owner)).Str("type", string(kind)).Msg("redemption requested")
	return req, nil
}

// audit records the withdrawal_request row. The row is informational, so a
// failure is logged rather than failing the request.
func (a *PayoutAuthorizer) audit(ctx context.Context, req Request, status TransactionStatus, balance Amount) {
	if req.Kind != RequestWithdrawal {
		return
	}
	tx := LedgerTransaction{
		ID:             TransactionID(uuid.NewString()),
		OwnerID:        req.OwnerID,
		Type:           TxWithdrawalRequest,
		Source:         SourceWithdrawal,
		Amount:         req.Amount,
		Description:    "Withdrawal request " + string(status),
		Status:         status,
		ReferenceID:    req.ID,
		IdempotencyKey: fmt.Sprintf("request:%s:%s", req.ID, status),
		BalanceAfter:   balance,
		CreatedAt:      a.now(),
	}
	if err := a.store.AppendAudit(ctx, tx); err != nil && !errors.Is(err, ErrAlreadyProcessed) {
		a.log.Error().Err(err).Str("request", req.ID).Msg("withdrawal audit row failed")
	}
}

// =============================================================================
// DECISIONS
// =============================================================================

// Approve debits the wallet and marks the request approved. Any failure
// leaves the request pending.
func (a *PayoutAuthorizer) Approve(ctx context.Context, id, admin string) (Request, error) {
	return a.Decide(ctx, id, DecisionApprove, admin, "")
}

// Reject marks the request rejected with notes. Balances are untouched.
func (a *PayoutAuthorizer) Reject(ctx context.Context, id, admin, notes string) (Request, error) {
	return a.Decide(ctx, id, DecisionReject, admin, notes)
}

// Decide applies one admin decision to a pending request.
func (a *PayoutAuthorizer) Decide(ctx context.Context, id string, decision Decision, admin, notes string) (Request, error) {
	if !decision.Valid() {
		return Request{}, fmt.Errorf("decision %q: %w", decision, ErrInvalidTransition)
	}

	unlock, err := a.ledger.Locker().Lock(ctx, RequestLockKey(id))
	if err != nil {
		return Request{}, fmt.Errorf("lock request %s: %w", id, err)
	}
	defer unlock()

	req, err := a.store.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if !req.IsPending() {
		return req, a.terminalError(req, decision)
	}

	if decision == DecisionApprove {
		req, err = a.approveLocked(ctx, req, admin, notes)
	} else {
		req, err = a.rejectLocked(ctx, req, admin, notes)
	}
	a.observer.RequestDecided(req.Kind, decision, err)
	if err != nil {
		a.log.Warn().Err(err).Str("request", id).Str("decision", string(decision)).Msg("decision failed")
		return req, err
	}
	a.log.Info().Str("request", id).Str("kind", string(req.Kind)).Str("status", string(req.Status)).Str("by", admin).Msg("request decided")
	return req, nil
}

// terminalError reports a decision on a decided request. Repeating the
// decision that was already taken is an idempotent no-op.
func (a *PayoutAuthorizer) terminalError(req Request, decision Decision) error {
	same := (decision == DecisionApprove && req.Status == RequestApproved) ||
		(decision == DecisionReject && req.Status == RequestRejected)
	if same {
		return fmt.Errorf("request %s already %s: %w", req.ID, req.Status, ErrAlreadyProcessed)
	}
	return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, ErrInvalidTransition)
}

func (a *PayoutAuthorizer) approveLocked(ctx context.Context, req Request, admin, notes string) (Request, error) {
	_, err := a.ledger.Post(ctx, Posting{
		OwnerID:        req.OwnerID,
		Type:           TxDebit,
		Source:         req.source(),
		Amount:         req.Amount,
		Description:    approvalDescription(req),
		Instant:        req.Kind == RequestInstantPayout,
		ReferenceID:    req.ID,
		IdempotencyKey: RequestDebitKey(req.ID),
	})
	if err != nil && !errors.Is(err, ErrAlreadyProcessed) {
		return req, err
	}
	return a.store.DecideRequest(ctx, req.ID, RequestApproved, admin, notes, a.now())
}

func (a *PayoutAuthorizer) rejectLocked(ctx context.Context, req Request, admin, notes string) (Request, error) {
	decided, err := a.store.DecideRequest(ctx, req.ID, RequestRejected, admin, notes, a.now())
	if err != nil {
		return req, err
	}
	if decided.Kind == RequestWithdrawal {
		balance, balErr := a.ledger.Balance(ctx, decided.OwnerID)
		if balErr != nil {
			balance = ZeroAmount()
		}
		a.audit(ctx, decided, TxRejected, balance)
	}
	return decided, nil
}

func approvalDescription(req Request) string {
	switch req.Kind {
	case RequestWithdrawal:
		return "Withdrawal approved"
	case RequestInstantPayout:
		return "Instant payout approved"
	default:
		return fmt.Sprintf("Redemption (%s) approved", req.RedemptionType)
	}
}

// BulkDecide applies one decision to many requests. Items are processed
// independently; the result counts successes and failures.
func (a *PayoutAuthorizer) BulkDecide(ctx context.Context, ids []string, decision Decision, admin, notes string) BatchResult {
	result := BatchResult{Job: "bulk_" + string(decision)}
	for _, id := range ids {
		_, err := a.Decide(ctx, id, decision, admin, notes)
		result.Record(id, err)
	}
	a.log.Info().Int("succeeded", result.Succeeded).Int("failed", result.Failed).Int("skipped", result.Skipped).Msg("bulk decision")
	return result
}

// List returns requests of kind (empty = all) newest first.
func (a *PayoutAuthorizer) List(ctx context.Context, kind RequestKind, filter ListFilter) ([]Request, error) {
	return a.store.ListRequests(ctx, kind, filter)
}

func (a *PayoutAuthorizer) Get(ctx context.Context, id string) (Request, error) {
	return a.store.GetRequest(ctx, id)
}
