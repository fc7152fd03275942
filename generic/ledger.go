/*
ledger.go - Wallet ledger: append-only postings plus cached balances

PURPOSE:
  Every wallet change goes through WalletLedger.Post. A posting appends one
  immutable transaction row and moves the cached account balance in the
  same storage transaction. The cached balance is the hot-path read; the
  rows are the audit trail and can always be replayed (balance.go).

CRITICAL INVARIANTS:
  1. APPEND-ONLY: transaction rows are never updated or deleted
  2. NON-NEGATIVE: balance >= 0 after every posting
  3. INSTANT SUBSET: 0 <= eligibleInstantBalance <= balance
  4. IDEMPOTENT: same idempotency key = same posting, never a second one

POSTING RULES:
  credit, customer payment   balance += amt, instant += amt
  credit, anything else      balance += amt
  debit, instant             instant -= amt (must fit), balance -= amt
  debit, anything else       balance -= amt, instant = min(instant, balance)

CONCURRENCY:
  Postings for one owner are serialized by a Locker (in-process keyed
  mutex or Redis). The store additionally checks the account version, so
  two processes without a shared lock cannot both win; the loser reloads
  and retries.

SEE ALSO:
  - store.go: WalletStore.ApplyPosting
  - request.go: payout approvals post debits through this ledger
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
// POSTING
// =============================================================================

// Posting is one requested wallet movement.
type Posting struct {
	OwnerID        OwnerID
	Type           TransactionType // TxCredit or TxDebit
	Source         Source
	Amount         Amount
	Description    string
	Instant        bool // credit raises / debit consumes eligible instant balance
	ReferenceID    string
	IdempotencyKey string // empty = a fresh key is generated
}

// LedgerOptions wires the ledger's collaborators. Zero values get safe
// defaults.
type LedgerOptions struct {
	Locker   Locker
	Notifier Notifier
	Observer Observer
	Settings SettingsSource
	Logger   zerolog.Logger
	Now      func() time.Time

	// MaxAttempts bounds retries after ErrConcurrentModification.
	MaxAttempts int
}

// WalletLedger is safe for concurrent use.
type WalletLedger struct {
	store       WalletStore
	locker      Locker
	notifier    Notifier
	observer    Observer
	settings    SettingsSource
	log         zerolog.Logger
	now         func() time.Time
	maxAttempts int
}

func NewWalletLedger(store WalletStore, opts LedgerOptions) *WalletLedger {
	l := &WalletLedger{
		store:       store,
		locker:      opts.Locker,
		notifier:    opts.Notifier,
		observer:    opts.Observer,
		settings:    opts.Settings,
		log:         opts.Logger.With().Str("component", "ledger").Logger(),
		now:         opts.Now,
		maxAttempts: opts.MaxAttempts,
	}
	if l.locker == nil {
		l.locker = NewKeyedMutex()
	}
	if l.notifier == nil {
		l.notifier = NopNotifier{}
	}
	if l.observer == nil {
		l.observer = NopObserver{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = 3
	}
	if l.settings == nil {
		if cs, ok := store.(SettingsSource); ok {
			l.settings = cs
		}
	}
	return l
}

// Locker exposes the ledger's lock so other components (request decisions)
// share the same serialization domain.
func (l *WalletLedger) Locker() Locker { return l.locker }

// =============================================================================
// READS
// =============================================================================

// Account returns the cached account. An owner who never received a
// credit gets a zero account.
func (l *WalletLedger) Account(ctx context.Context, owner OwnerID) (WalletAccount, error) {
	acct, err := l.store.GetAccount(ctx, owner)
	if errors.Is(err, ErrNotFound) {
		return NewWalletAccount(owner, l.now()), nil
	}
	return acct, err
}

// Balance is a shorthand for Account(owner).Balance.
func (l *WalletLedger) Balance(ctx context.Context, owner OwnerID) (Amount, error) {
	acct, err := l.Account(ctx, owner)
	if err != nil {
		return Amount{}, err
	}
	return acct.Balance, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Credit appends a success credit and returns the new balance.
func (l *WalletLedger) Credit(ctx context.Context, owner OwnerID, amount Amount, description string) (Amount, error) {
	tx, err := l.Post(ctx, Posting{
		OwnerID:     owner,
		Type:        TxCredit,
		Source:      SourceAdjustment,
		Amount:      amount,
		Description: description,
	})
	if err != nil {
		return Amount{}, err
	}
	return tx.BalanceAfter, nil
}

// Debit appends a success debit and returns the new balance. It fails with
// InsufficientBalanceError when amount exceeds the balance.
func (l *WalletLedger) Debit(ctx context.Context, owner OwnerID, amount Amount, description string) (Amount, error) {
	tx, err := l.Post(ctx, Posting{
		OwnerID:     owner,
		Type:        TxDebit,
		Source:      SourceAdjustment,
		Amount:      amount,
		Description: description,
	})
	if err != nil {
		return Amount{}, err
	}
	return tx.BalanceAfter, nil
}

// Post applies one posting. When the idempotency key was already used the
// original transaction is returned together with an error wrapping
// ErrAlreadyProcessed, and nothing changes.
func (l *WalletLedger) Post(ctx context.Context, p Posting) (LedgerTransaction, error) {
	if p.Type != TxCredit && p.Type != TxDebit {
		return LedgerTransaction{}, fmt.Errorf("posting type %q: %w", p.Type, ErrInvalidTransition)
	}
	p.Amount = p.Amount.Round()
	if !p.Amount.IsPositive() {
		l.observer.PostingRejected(p.Source, KindInvalidInput)
		return LedgerTransaction{}, fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount)
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = "tx:" + uuid.NewString()
	}

	unlock, err := l.locker.Lock(ctx, WalletLockKey(p.OwnerID))
	if err != nil {
		return LedgerTransaction{}, fmt.Errorf("lock wallet %s: %w", p.OwnerID, err)
	}
	defer unlock()

	var tx LedgerTransaction
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		tx, err = l.postLocked(ctx, p)
		if !errors.Is(err, ErrConcurrentModification) {
			break
		}
		l.log.Warn().Str("owner", string(p.OwnerID)).Int("attempt", attempt).Msg("account version conflict, retrying")
	}

	switch {
	case err == nil:
		l.log.Debug().
			Str("owner", string(tx.OwnerID)).
			Str("type", string(tx.Type)).
			Str("source", string(tx.Source)).
			Str("amount", tx.Amount.String()).
			Str("balance_after", tx.BalanceAfter.String()).
			Msg("posting applied")
		l.observer.PostingApplied(tx)
		l.notify(tx)
		return tx, nil
	case errors.Is(err, ErrAlreadyProcessed):
		l.log.Debug().Str("key", p.IdempotencyKey).Msg("posting already processed")
		return tx, err
	default:
		l.observer.PostingRejected(p.Source, Kind(err))
		return LedgerTransaction{}, err
	}
}

func (l *WalletLedger) postLocked(ctx context.Context, p Posting) (LedgerTransaction, error) {
	existing, err := l.store.TransactionByKey(ctx, p.IdempotencyKey)
	if err == nil {
		return existing, fmt.Errorf("posting %s: %w", p.IdempotencyKey, ErrDuplicateIdempotencyKey)
	}
	if !errors.Is(err, ErrNotFound) {
		return LedgerTransaction{}, err
	}

	now := l.now()
	acct, err := l.store.GetAccount(ctx, p.OwnerID)
	switch {
	case errors.Is(err, ErrNotFound):
		acct = NewWalletAccount(p.OwnerID, now)
	case err != nil:
		return LedgerTransaction{}, err
	}
	expected := acct.Version

	next, err := applyPosting(acct, p)
	if err != nil {
		return LedgerTransaction{}, err
	}
	next.Version = expected + 1
	next.UpdatedAt = now

	tx := LedgerTransaction{
		ID:             TransactionID(uuid.NewString()),
		OwnerID:        p.OwnerID,
		Type:           p.Type,
		Source:         p.Source,
		Amount:         p.Amount,
		Description:    p.Description,
		Status:         TxSuccess,
		Instant:        p.Instant,
		ReferenceID:    p.ReferenceID,
		IdempotencyKey: p.IdempotencyKey,
		BalanceAfter:   next.Balance,
		CreatedAt:      now,
	}

	err = l.store.ApplyPosting(ctx, tx, next, expected)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost a race with another process holding no shared lock.
		if existing, lookupErr := l.store.TransactionByKey(ctx, p.IdempotencyKey); lookupErr == nil {
			return existing, err
		}
		return LedgerTransaction{}, err
	}
	if err != nil {
		return LedgerTransaction{}, err
	}
	return tx, nil
}

// applyPosting computes the account state after p, enforcing the balance
// invariants.
func applyPosting(acct WalletAccount, p Posting) (WalletAccount, error) {
	switch p.Type {
	case TxCredit:
		acct.Balance = acct.Balance.Add(p.Amount)
		if p.Instant {
			acct.EligibleInstantBalance = acct.EligibleInstantBalance.Add(p.Amount)
		}
	case TxDebit:
		if p.Amount.GreaterThan(acct.Balance) {
			return acct, &InsufficientBalanceError{OwnerID: acct.OwnerID, Available: acct.Balance, Requested: p.Amount}
		}
		if p.Instant {
			if p.Amount.GreaterThan(acct.EligibleInstantBalance) {
				return acct, fmt.Errorf("%w: available %s, requested %s",
					ErrExceedsInstantBalance, acct.EligibleInstantBalance, p.Amount)
			}
			acct.EligibleInstantBalance = acct.EligibleInstantBalance.Sub(p.Amount)
		}
		acct.Balance = acct.Balance.Sub(p.Amount)
		acct.EligibleInstantBalance = acct.EligibleInstantBalance.Min(acct.Balance)
	}
	return acct, nil
}

func (l *WalletLedger) notify(tx LedgerTransaction) {
	n := Notification{OwnerID: tx.OwnerID, CreatedAt: tx.CreatedAt}
	switch tx.Type {
	case TxCredit:
		n.Type = "wallet_credit"
		n.Title = fmt.Sprintf("₹%s added to your wallet", tx.Amount)
	default:
		n.Type = "wallet_debit"
		n.Title = fmt.Sprintf("₹%s deducted from your wallet", tx.Amount)
	}
	n.Body = tx.Description
	if n.Body == "" {
		n.Body = fmt.Sprintf("New balance: ₹%s", tx.BalanceAfter)
	}
	l.notifier.Notify(n)
}

// =============================================================================
// SIGNUP BONUS
// =============================================================================

// SignupBonusKey is the idempotency key guarding the one-time bonus.
func SignupBonusKey(owner OwnerID) string { return "signup_bonus:" + string(owner) }

// EnsureSignupBonus credits the configured signup bonus once per owner.
// It reports whether this call credited it; repeat calls are no-ops.
func (l *WalletLedger) EnsureSignupBonus(ctx context.Context, owner OwnerID) (bool, error) {
	if l.settings == nil {
		return false, &ConfigurationError{Subject: "vendor settings", Reason: "no settings source"}
	}
	settings, err := l.settings.GetVendorSettings(ctx)
	if err != nil {
		return false, fmt.Errorf("load vendor settings: %w", err)
	}
	if !settings.SignupBonusAmount.IsPositive() {
		return false, nil
	}

	_, err = l.Post(ctx, Posting{
		OwnerID:        owner,
		Type:           TxCredit,
		Source:         SourceSignupBonus,
		Amount:         settings.SignupBonusAmount,
		Description:    "Signup bonus",
		IdempotencyKey: SignupBonusKey(owner),
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
