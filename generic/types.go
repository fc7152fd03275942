/*
Package generic provides the core ledger and incentive engine.

PURPOSE:
  This package holds the domain-agnostic pieces every calculator builds on:
  money amounts, the append-only wallet ledger, slab (tier) resolution, the
  payout request lifecycle and the storage contracts. The incentive, rental
  and fees packages only add their own counting rules on top.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: rupee amount backed by decimal.Decimal
  - LedgerTransaction: immutable audit row written for every wallet change
  - WalletAccount: cached balance per owner (the hot-path read)
  - OwnerID / TransactionID: type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: ledger rows are never modified, only appended
  2. Precision: decimal.Decimal everywhere, never float64 for money
  3. Idempotency: every money movement carries an idempotency key
  4. Auditability: the cached balance can always be replayed from rows

USAGE:
  ledger := generic.NewWalletLedger(store, generic.LedgerOptions{})
  balance, err := ledger.Credit(ctx, "vendor-1", generic.NewAmountFromInt(20), "daily incentive")

SEE ALSO:
  - ledger.go: credit/debit and signup bonus
  - slab.go: tier resolution
  - request.go: withdrawal, instant payout and redemption lifecycle
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Rupee amount (single currency system)
// =============================================================================

// MoneyPlaces is the number of decimal places money is kept at (paise).
const MoneyPlaces = 2

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount      { return Amount{Value: decimal.NewFromFloat(value)} }
func NewAmountFromInt(value int64) Amount { return Amount{Value: decimal.NewFromInt(value)} }
func AmountOf(d decimal.Decimal) Amount   { return Amount{Value: d} }

// ParseAmount parses a decimal string such as "120000.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d}, nil
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) Round() Amount                { return Amount{Value: a.Value.Round(MoneyPlaces)} }
func (a Amount) String() string               { return a.Value.StringFixed(MoneyPlaces) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// OwnerID identifies a wallet owner: a vendor (cash wallet) or a customer
// (coin wallet). The ledger treats both the same way.
type OwnerID string

type TransactionID string

// =============================================================================
// LEDGER TRANSACTION - Immutable audit row
// =============================================================================

type TransactionType string

const (
	TxCredit            TransactionType = "credit"
	TxDebit             TransactionType = "debit"
	TxWithdrawalRequest TransactionType = "withdrawal_request" // audit only, no balance effect
)

type TransactionStatus string

const (
	TxSuccess  TransactionStatus = "success"
	TxPending  TransactionStatus = "pending"
	TxRejected TransactionStatus = "rejected"
)

// Source records which part of the system produced a posting.
type Source string

const (
	SourceCustomerPayment  Source = "customer_payment" // raises eligible instant balance
	SourceDailyIncentive   Source = "daily_incentive"
	SourceMonthlyIncentive Source = "monthly_incentive"
	SourceReferralBonus    Source = "referral_bonus"
	SourceDraw             Source = "draw"
	SourceRentalIncome     Source = "rental_income"
	SourceSignupBonus      Source = "signup_bonus"
	SourceWithdrawal       Source = "withdrawal"
	SourceInstantPayout    Source = "instant_payout"
	SourceRedemption       Source = "redemption"
	SourceAdjustment       Source = "adjustment"
)

type LedgerTransaction struct {
	ID             TransactionID
	OwnerID        OwnerID
	Type           TransactionType
	Source         Source
	Amount         Amount // always positive; Type carries the sign
	Description    string
	Status         TransactionStatus
	Instant        bool // credit raised, or debit consumed, eligible instant balance
	ReferenceID    string
	IdempotencyKey string
	BalanceAfter   Amount
	CreatedAt      time.Time
}

// AffectsBalance reports whether the row moves money. Withdrawal request
// rows and non-success rows are audit-only.
func (tx LedgerTransaction) AffectsBalance() bool {
	return tx.Status == TxSuccess && (tx.Type == TxCredit || tx.Type == TxDebit)
}

// =============================================================================
// WALLET ACCOUNT - Cached balance per owner
// =============================================================================

// WalletAccount is created lazily on the first credit and never deleted.
//
// INVARIANTS:
//   - Balance >= 0
//   - 0 <= EligibleInstantBalance <= Balance
type WalletAccount struct {
	OwnerID                OwnerID
	Balance                Amount
	EligibleInstantBalance Amount
	Version                int64 // optimistic concurrency token
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func NewWalletAccount(owner OwnerID, now time.Time) WalletAccount {
	return WalletAccount{
		OwnerID:                owner,
		Balance:                ZeroAmount(),
		EligibleInstantBalance: ZeroAmount(),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// =============================================================================
// SETTINGS - Admin-authored vendor program settings
// =============================================================================

type VendorSettings struct {
	SignupBonusAmount        Amount
	MinWithdrawalAmount      Amount
	MinInstantTransferAmount Amount
}

// =============================================================================
// ACTORS AND INPUT EVENTS
// =============================================================================

// Vendor is the actor directory entry the calculators iterate over.
type Vendor struct {
	ID         OwnerID
	Name       string
	ReferrerID OwnerID // empty when the vendor was not referred
	Timezone   string  // IANA name used for monthly reporting; empty = server timezone
	CreatedAt  time.Time
}

type OrderStatus string

const (
	OrderPaid      OrderStatus = "paid"
	OrderPending   OrderStatus = "pending"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
)

// OrderCompleted is the event emitted by the order subsystem.
type OrderCompleted struct {
	OrderID   string
	OwnerID   OwnerID
	Total     Amount
	Status    OrderStatus
	CreatedAt time.Time
}

// QualifiesAsEntry reports whether the order counts toward entry-count slabs.
func (o OrderCompleted) QualifiesAsEntry() bool {
	return o.Status == OrderPaid || o.Status == OrderPending
}

// DailyActivity is produced by the external daily-activity aggregator and
// consumed as-is.
type DailyActivity struct {
	OwnerID          OwnerID
	Day              Day
	TransactionCount int
	IsSuccessful     bool
}
