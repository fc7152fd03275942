/*
store.go - Persistence contracts for the ledger and calculators

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations can use SQLite or in-memory storage; the
  engine never assumes stored procedures or a particular SQL dialect.

KEY INTERFACES:
  WalletStore:    accounts + append-only transaction log
  IncentiveStore: incentive entries and draw results
  RentalStore:    rental payouts
  RequestStore:   payout/redemption requests (compare-and-set decisions)
  OrderStore, ActivityStore, VendorStore: calculator inputs
  ConfigStore:    slab sets, vendor settings, fee rules
  JobRunStore:    scheduled batch bookkeeping

APPEND-ONLY CONTRACT:
  Ledger transactions are only ever inserted. ApplyPosting writes the
  transaction row and the account row atomically; the account row is
  guarded by an optimistic version check.

IDEMPOTENCY:
  Idempotency keys are unique at the storage layer. A second write with
  the same key returns ErrDuplicateIdempotencyKey and changes nothing.
  Incentive entries, rental payouts, draw results and job runs are unique
  on their natural keys, so re-running a calculator refreshes rows instead
  of duplicating them.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite
  - generic/store/memory.go: in-memory for tests and dev

SEE ALSO:
  - ledger.go: Higher-level interface using WalletStore
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// LISTING - Pagination and filters for admin tooling (newest first)
// =============================================================================

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum page size.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Window slices n items according to the page.
func (p Page) Window(n int) (int, int) {
	p = p.Normalize()
	if p.Offset >= n {
		return n, n
	}
	end := p.Offset + p.Limit
	if end > n {
		end = n
	}
	return p.Offset, end
}

// ListFilter narrows a listing. Zero values mean "any". From is inclusive,
// To is exclusive.
type ListFilter struct {
	OwnerID OwnerID
	Status  string
	Period  PeriodKey // incentive entry period, or rental payout month
	From    *time.Time
	To      *time.Time
	Page    Page
}

// Matches applies the owner, status and time filters to one row.
func (f ListFilter) Matches(owner OwnerID, status string, at time.Time) bool {
	if f.OwnerID != "" && f.OwnerID != owner {
		return false
	}
	if f.Status != "" && f.Status != status {
		return false
	}
	if f.From != nil && at.Before(*f.From) {
		return false
	}
	if f.To != nil && !at.Before(*f.To) {
		return false
	}
	return true
}

// =============================================================================
// WALLET STORE
// =============================================================================

type WalletStore interface {
	// GetAccount returns ErrNotFound when the owner never received a credit.
	GetAccount(ctx context.Context, owner OwnerID) (WalletAccount, error)

	// ApplyPosting inserts tx and writes account atomically. The account
	// write only succeeds when the stored version equals expectedVersion
	// (0 = account must not exist yet); otherwise ErrConcurrentModification.
	// A duplicate idempotency key returns ErrDuplicateIdempotencyKey.
	ApplyPosting(ctx context.Context, tx LedgerTransaction, account WalletAccount, expectedVersion int64) error

	// AppendAudit inserts an audit-only row (withdrawal requests). It never
	// touches the account.
	AppendAudit(ctx context.Context, tx LedgerTransaction) error

	// TransactionByKey returns ErrNotFound when the key was never used.
	TransactionByKey(ctx context.Context, key string) (LedgerTransaction, error)

	// ListTransactions returns an owner's rows newest first.
	ListTransactions(ctx context.Context, filter ListFilter) ([]LedgerTransaction, error)

	// AllTransactions returns an owner's rows in insertion order, for replay.
	AllTransactions(ctx context.Context, owner OwnerID) ([]LedgerTransaction, error)

	ListAccounts(ctx context.Context, page Page) ([]WalletAccount, error)
}

// =============================================================================
// CALCULATOR OUTPUTS
// =============================================================================

type IncentiveStore interface {
	// UpsertIncentiveEntry inserts e or refreshes the pending row with the
	// same (actor, period, kind, subject). A paid row is returned unchanged
	// together with ErrAlreadyProcessed.
	UpsertIncentiveEntry(ctx context.Context, e IncentiveEntry) (IncentiveEntry, error)

	GetIncentiveEntry(ctx context.Context, id string) (IncentiveEntry, error)

	// MarkIncentivePaid flips pending → paid. Already paid → ErrAlreadyProcessed.
	MarkIncentivePaid(ctx context.Context, id string, paidAt time.Time) error

	ListIncentiveEntries(ctx context.Context, kind EntryKind, filter ListFilter) ([]IncentiveEntry, error)

	// DrawCandidates returns the draw-eligible entries of kind for a period.
	DrawCandidates(ctx context.Context, kind EntryKind, period PeriodKey) ([]IncentiveEntry, error)

	// SaveDrawResult stores r unless a result for (kind, period) exists, in
	// which case the existing result is returned with ErrAlreadyProcessed.
	SaveDrawResult(ctx context.Context, r DrawResult) (DrawResult, error)

	GetDrawResult(ctx context.Context, kind EntryKind, period PeriodKey) (DrawResult, error)
}

type RentalStore interface {
	// UpsertRentalPayout inserts p or refreshes the pending (actor, month)
	// row. A paid row is returned unchanged with ErrAlreadyProcessed.
	UpsertRentalPayout(ctx context.Context, p RentalPayout) (RentalPayout, error)

	GetRentalPayout(ctx context.Context, id string) (RentalPayout, error)

	// MarkRentalPaid flips pending → paid. Already paid → ErrAlreadyProcessed.
	MarkRentalPaid(ctx context.Context, id string, paidAt time.Time) error

	ListRentalPayouts(ctx context.Context, filter ListFilter) ([]RentalPayout, error)
}

type RequestStore interface {
	CreateRequest(ctx context.Context, r Request) error
	GetRequest(ctx context.Context, id string) (Request, error)

	// DecideRequest moves a pending request to status. Any other current
	// status returns ErrInvalidTransition.
	DecideRequest(ctx context.Context, id string, status RequestStatus, processedBy, notes string, at time.Time) (Request, error)

	ListRequests(ctx context.Context, kind RequestKind, filter ListFilter) ([]Request, error)
}

// =============================================================================
// CALCULATOR INPUTS
// =============================================================================

type OrderStore interface {
	// SaveOrder records an order event, replacing an earlier event with the
	// same order id (status changes).
	SaveOrder(ctx context.Context, o OrderCompleted) error

	// ListOrders returns the owner's orders created in [from, to).
	ListOrders(ctx context.Context, owner OwnerID, from, to time.Time) ([]OrderCompleted, error)
}

type ActivityStore interface {
	SaveDailyActivity(ctx context.Context, a DailyActivity) error

	// ListDailyActivity returns the owner's activity rows for days in [from, to].
	ListDailyActivity(ctx context.Context, owner OwnerID, from, to Day) ([]DailyActivity, error)
}

type VendorStore interface {
	SaveVendor(ctx context.Context, v Vendor) error
	GetVendor(ctx context.Context, id OwnerID) (Vendor, error)
	ListVendors(ctx context.Context) ([]Vendor, error)

	// Referees returns the vendors whose ReferrerID is referrer.
	Referees(ctx context.Context, referrer OwnerID) ([]Vendor, error)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// SettingsSource provides the admin-configured vendor settings. It is read
// at operation time, never cached.
type SettingsSource interface {
	GetVendorSettings(ctx context.Context) (VendorSettings, error)
}

type ConfigStore interface {
	SettingsSource
	SaveVendorSettings(ctx context.Context, s VendorSettings) error

	// GetSlabSet returns ErrNotFound for an unknown name.
	GetSlabSet(ctx context.Context, name string) (SlabSet, error)
	SaveSlabSet(ctx context.Context, set SlabSet) error
	ListSlabSets(ctx context.Context) ([]SlabSet, error)

	// GetFeeRule returns ErrNotFound when the owner has no rule.
	GetFeeRule(ctx context.Context, owner OwnerID) (FeeRule, error)
	SaveFeeRule(ctx context.Context, r FeeRule) error
}

type JobRunStore interface {
	// SaveJobRun upserts the run for (job, period).
	SaveJobRun(ctx context.Context, run JobRun) error

	// GetJobRun returns ErrNotFound when the job never ran for the period.
	GetJobRun(ctx context.Context, job string, period PeriodKey) (JobRun, error)

	ListJobRuns(ctx context.Context, page Page) ([]JobRun, error)
}

// Store is everything the engine persists.
type Store interface {
	WalletStore
	IncentiveStore
	RentalStore
	RequestStore
	OrderStore
	ActivityStore
	VendorStore
	ConfigStore
	JobRunStore
}
