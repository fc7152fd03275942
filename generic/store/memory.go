// Package store provides the in-memory Store used by tests and dev mode.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/incentive-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.Store behind one RWMutex. Natural-key
// uniqueness mirrors the SQLite unique indexes.
type Memory struct {
	mu sync.RWMutex

	accounts     map[generic.OwnerID]generic.WalletAccount
	transactions []generic.LedgerTransaction
	idempotency  map[string]int // key → index into transactions

	entries     map[string]generic.IncentiveEntry
	entryByKey  map[entryKey]string
	draws       map[drawKey]generic.DrawResult
	rentals     map[string]generic.RentalPayout
	rentalByKey map[rentalKey]string
	requests    map[string]generic.Request
	orders      map[string]generic.OrderCompleted
	activity    map[activityKey]generic.DailyActivity
	vendors     map[generic.OwnerID]generic.Vendor
	slabSets    map[string]generic.SlabSet
	settings    *generic.VendorSettings
	feeRules    map[generic.OwnerID]generic.FeeRule
	jobRuns     map[jobKey]generic.JobRun
}

type entryKey struct {
	actor   generic.OwnerID
	period  generic.PeriodKey
	kind    generic.EntryKind
	subject generic.OwnerID
}

type drawKey struct {
	kind   generic.EntryKind
	period generic.PeriodKey
}

type rentalKey struct {
	actor generic.OwnerID
	month string
}

type activityKey struct {
	owner generic.OwnerID
	day   string
}

type jobKey struct {
	job    string
	period generic.PeriodKey
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[generic.OwnerID]generic.WalletAccount),
		idempotency: make(map[string]int),
		entries:     make(map[string]generic.IncentiveEntry),
		entryByKey:  make(map[entryKey]string),
		draws:       make(map[drawKey]generic.DrawResult),
		rentals:     make(map[string]generic.RentalPayout),
		rentalByKey: make(map[rentalKey]string),
		requests:    make(map[string]generic.Request),
		orders:      make(map[string]generic.OrderCompleted),
		activity:    make(map[activityKey]generic.DailyActivity),
		vendors:     make(map[generic.OwnerID]generic.Vendor),
		slabSets:    make(map[string]generic.SlabSet),
		feeRules:    make(map[generic.OwnerID]generic.FeeRule),
		jobRuns:     make(map[jobKey]generic.JobRun),
	}
}

var _ generic.Store = (*Memory)(nil)

// =============================================================================
// WALLET
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, owner generic.OwnerID) (generic.WalletAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[owner]
	if !ok {
		return generic.WalletAccount{}, generic.ErrNotFound
	}
	return acct, nil
}

func (m *Memory) ApplyPosting(_ context.Context, tx generic.LedgerTransaction, account generic.WalletAccount, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.idempotency[tx.IdempotencyKey]; dup {
		return generic.ErrDuplicateIdempotencyKey
	}
	current, exists := m.accounts[account.OwnerID]
	switch {
	case !exists && expectedVersion != 0:
		return generic.ErrConcurrentModification
	case exists && current.Version != expectedVersion:
		return generic.ErrConcurrentModification
	}
	if exists {
		account.CreatedAt = current.CreatedAt
	}

	m.appendLocked(tx)
	m.accounts[account.OwnerID] = account
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, tx generic.LedgerTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.idempotency[tx.IdempotencyKey]; dup {
		return generic.ErrDuplicateIdempotencyKey
	}
	m.appendLocked(tx)
	return nil
}

func (m *Memory) appendLocked(tx generic.LedgerTransaction) {
	m.transactions = append(m.transactions, tx)
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = len(m.transactions) - 1
	}
}

func (m *Memory) TransactionByKey(_ context.Context, key string) (generic.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.idempotency[key]
	if !ok {
		return generic.LedgerTransaction{}, generic.ErrNotFound
	}
	return m.transactions[i], nil
}

func (m *Memory) ListTransactions(_ context.Context, filter generic.ListFilter) ([]generic.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.LedgerTransaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		tx := m.transactions[i]
		if filter.Matches(tx.OwnerID, string(tx.Status), tx.CreatedAt) {
			out = append(out, tx)
		}
	}
	return window(out, filter.Page), nil
}

func (m *Memory) AllTransactions(_ context.Context, owner generic.OwnerID) ([]generic.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.LedgerTransaction
	for _, tx := range m.transactions {
		if tx.OwnerID == owner {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *Memory) ListAccounts(_ context.Context, page generic.Page) ([]generic.WalletAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]generic.WalletAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return window(out, page), nil
}

// =============================================================================
// INCENTIVES
// =============================================================================

func (m *Memory) UpsertIncentiveEntry(_ context.Context, e generic.IncentiveEntry) (generic.IncentiveEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := entryKey{actor: e.ActorID, period: e.PeriodKey, kind: e.Kind, subject: e.SubjectID}
	if id, ok := m.entryByKey[k]; ok {
		existing := m.entries[id]
		if existing.IsPaid() {
			return existing, generic.ErrAlreadyProcessed
		}
		existing.MetricValue = e.MetricValue
		existing.SlabLabel = e.SlabLabel
		existing.RewardAmount = e.RewardAmount
		existing.DrawEligible = e.DrawEligible
		existing.UpdatedAt = e.UpdatedAt
		m.entries[id] = existing
		return existing, nil
	}

	e.Status = generic.StatusPending
	m.entries[e.ID] = e
	m.entryByKey[k] = e.ID
	return e, nil
}

func (m *Memory) GetIncentiveEntry(_ context.Context, id string) (generic.IncentiveEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return generic.IncentiveEntry{}, generic.ErrNotFound
	}
	return e, nil
}

func (m *Memory) MarkIncentivePaid(_ context.Context, id string, paidAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return generic.ErrNotFound
	}
	if e.IsPaid() {
		return generic.ErrAlreadyProcessed
	}
	e.Status = generic.StatusPaid
	e.PaidAt = &paidAt
	e.UpdatedAt = paidAt
	m.entries[id] = e
	return nil
}

func (m *Memory) ListIncentiveEntries(_ context.Context, kind generic.EntryKind, filter generic.ListFilter) ([]generic.IncentiveEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.IncentiveEntry
	for _, e := range m.entries {
		if kind != "" && e.Kind != kind {
			continue
		}
		if filter.Period != "" && e.PeriodKey != filter.Period {
			continue
		}
		if filter.Matches(e.ActorID, string(e.Status), e.CreatedAt) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return window(out, filter.Page), nil
}

func (m *Memory) DrawCandidates(_ context.Context, kind generic.EntryKind, period generic.PeriodKey) ([]generic.IncentiveEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.IncentiveEntry
	for _, e := range m.entries {
		if e.Kind == kind && e.PeriodKey == period && e.DrawEligible {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out, nil
}

func (m *Memory) SaveDrawResult(_ context.Context, r generic.DrawResult) (generic.DrawResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := drawKey{kind: r.Kind, period: r.PeriodKey}
	if existing, ok := m.draws[k]; ok {
		return existing, generic.ErrAlreadyProcessed
	}
	m.draws[k] = r
	return r, nil
}

func (m *Memory) GetDrawResult(_ context.Context, kind generic.EntryKind, period generic.PeriodKey) (generic.DrawResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.draws[drawKey{kind: kind, period: period}]
	if !ok {
		return generic.DrawResult{}, generic.ErrNotFound
	}
	return r, nil
}

// =============================================================================
// RENTAL
// =============================================================================

func (m *Memory) UpsertRentalPayout(_ context.Context, p generic.RentalPayout) (generic.RentalPayout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rentalKey{actor: p.ActorID, month: p.Month.String()}
	if id, ok := m.rentalByKey[k]; ok {
		existing := m.rentals[id]
		if existing.IsPaid() {
			return existing, generic.ErrAlreadyProcessed
		}
		existing.TransactionVolume = p.TransactionVolume
		existing.SuccessfulDays = p.SuccessfulDays
		existing.SlabReward = p.SlabReward
		existing.IncentiveAmount = p.IncentiveAmount
		existing.UpdatedAt = p.UpdatedAt
		m.rentals[id] = existing
		return existing, nil
	}

	p.Status = generic.StatusPending
	m.rentals[p.ID] = p
	m.rentalByKey[k] = p.ID
	return p, nil
}

func (m *Memory) GetRentalPayout(_ context.Context, id string) (generic.RentalPayout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.rentals[id]
	if !ok {
		return generic.RentalPayout{}, generic.ErrNotFound
	}
	return p, nil
}

func (m *Memory) MarkRentalPaid(_ context.Context, id string, paidAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rentals[id]
	if !ok {
		return generic.ErrNotFound
	}
	if p.IsPaid() {
		return generic.ErrAlreadyProcessed
	}
	p.Status = generic.StatusPaid
	p.PaidAt = &paidAt
	p.UpdatedAt = paidAt
	m.rentals[id] = p
	return nil
}

func (m *Memory) ListRentalPayouts(_ context.Context, filter generic.ListFilter) ([]generic.RentalPayout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.RentalPayout
	for _, p := range m.rentals {
		if filter.Period != "" && generic.MonthKey(p.Month) != filter.Period {
			continue
		}
		if filter.Matches(p.ActorID, string(p.Status), p.CreatedAt) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return window(out, filter.Page), nil
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Memory) CreateRequest(_ context.Context, r generic.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return generic.ErrAlreadyProcessed
	}
	m.requests[r.ID] = r
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id string) (generic.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return generic.Request{}, generic.ErrNotFound
	}
	return r, nil
}

func (m *Memory) DecideRequest(_ context.Context, id string, status generic.RequestStatus, processedBy, notes string, at time.Time) (generic.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return generic.Request{}, generic.ErrNotFound
	}
	if r.Status != generic.RequestPending {
		return r, generic.ErrInvalidTransition
	}
	r.Status = status
	r.ProcessedBy = processedBy
	r.Notes = notes
	r.ProcessedAt = &at
	m.requests[id] = r
	return r, nil
}

func (m *Memory) ListRequests(_ context.Context, kind generic.RequestKind, filter generic.ListFilter) ([]generic.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.Request
	for _, r := range m.requests {
		if kind != "" && r.Kind != kind {
			continue
		}
		if filter.Matches(r.OwnerID, string(r.Status), r.RequestedAt) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return window(out, filter.Page), nil
}

// =============================================================================
// ORDERS / ACTIVITY / VENDORS
// =============================================================================

func (m *Memory) SaveOrder(_ context.Context, o generic.OrderCompleted) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = o
	return nil
}

func (m *Memory) ListOrders(_ context.Context, owner generic.OwnerID, from, to time.Time) ([]generic.OrderCompleted, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.OrderCompleted
	for _, o := range m.orders {
		if o.OwnerID == owner && !o.CreatedAt.Before(from) && o.CreatedAt.Before(to) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveDailyActivity(_ context.Context, a generic.DailyActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[activityKey{owner: a.OwnerID, day: a.Day.String()}] = a
	return nil
}

func (m *Memory) ListDailyActivity(_ context.Context, owner generic.OwnerID, from, to generic.Day) ([]generic.DailyActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.DailyActivity
	for _, a := range m.activity {
		if a.OwnerID == owner && !a.Day.Before(from) && !a.Day.After(to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (m *Memory) SaveVendor(_ context.Context, v generic.Vendor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vendors[v.ID] = v
	return nil
}

func (m *Memory) GetVendor(_ context.Context, id generic.OwnerID) (generic.Vendor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vendors[id]
	if !ok {
		return generic.Vendor{}, generic.ErrNotFound
	}
	return v, nil
}

func (m *Memory) ListVendors(_ context.Context) ([]generic.Vendor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]generic.Vendor, 0, len(m.vendors))
	for _, v := range m.vendors {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Referees(_ context.Context, referrer generic.OwnerID) ([]generic.Vendor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.Vendor
	for _, v := range m.vendors {
		if v.ReferrerID == referrer {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func (m *Memory) GetVendorSettings(_ context.Context) (generic.VendorSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return generic.VendorSettings{}, generic.ErrNotFound
	}
	return *m.settings, nil
}

func (m *Memory) SaveVendorSettings(_ context.Context, s generic.VendorSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	return nil
}

func (m *Memory) GetSlabSet(_ context.Context, name string) (generic.SlabSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.slabSets[name]
	if !ok {
		return generic.SlabSet{}, generic.ErrNotFound
	}
	return set, nil
}

func (m *Memory) SaveSlabSet(_ context.Context, set generic.SlabSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set.Slabs = append([]generic.Slab(nil), set.Slabs...)
	m.slabSets[set.Name] = set
	return nil
}

func (m *Memory) ListSlabSets(_ context.Context) ([]generic.SlabSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]generic.SlabSet, 0, len(m.slabSets))
	for _, s := range m.slabSets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetFeeRule(_ context.Context, owner generic.OwnerID) (generic.FeeRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.feeRules[owner]
	if !ok {
		return generic.FeeRule{}, generic.ErrNotFound
	}
	return r, nil
}

func (m *Memory) SaveFeeRule(_ context.Context, r generic.FeeRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeRules[r.OwnerID] = r
	return nil
}

// =============================================================================
// JOB RUNS
// =============================================================================

func (m *Memory) SaveJobRun(_ context.Context, run generic.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobRuns[jobKey{job: run.Job, period: run.PeriodKey}] = run
	return nil
}

func (m *Memory) GetJobRun(_ context.Context, job string, period generic.PeriodKey) (generic.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.jobRuns[jobKey{job: job, period: period}]
	if !ok {
		return generic.JobRun{}, generic.ErrNotFound
	}
	return run, nil
}

func (m *Memory) ListJobRuns(_ context.Context, page generic.Page) ([]generic.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]generic.JobRun, 0, len(m.jobRuns))
	for _, r := range m.jobRuns {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return window(out, page), nil
}

func window[T any](items []T, page generic.Page) []T {
	start, end := page.Window(len(items))
	return items[start:end]
}
