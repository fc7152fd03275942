/*
Package sqlite provides a SQLite-backed implementation of generic.Store.

PURPOSE:
  Durable storage for the wallet ledger, incentive entries, rental payouts,
  payout requests and program configuration. In production the same
  patterns apply to PostgreSQL with minor dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch the transactions table
  - ApplyPosting inserts the transaction row and moves the account row in
    one SQL transaction; the account update is guarded by its version

KEY TABLES:
  accounts:          cached balance per owner (version column for CAS)
  transactions:      immutable ledger rows, idempotency_key UNIQUE
  incentive_entries: UNIQUE(actor_id, period_key, kind, subject_id)
  draw_results:      UNIQUE(kind, period_key)
  rental_payouts:    UNIQUE(actor_id, month)
  requests:          payout / redemption requests
  orders, daily_activity, vendors: calculator inputs
  slab_sets, settings, fee_rules:  admin configuration
  job_runs:          PRIMARY KEY(job, period_key)

  The unique indexes are the last line of idempotency defence: even if two
  processes race past the application checks, the second insert fails and
  is mapped to ErrDuplicateIdempotencyKey / ErrAlreadyProcessed.

TIMES:
  Stored as fixed-width UTC text so lexical order equals time order.

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. SQLite allows one writer at a
  time anyway, and a single connection keeps ":memory:" databases shared.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      return err
  }
  defer store.Close()
  ledger := generic.NewWalletLedger(store, generic.LedgerOptions{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/incentive-ledger/generic"
)

// timeLayout is RFC3339 with fixed nanoseconds.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements generic.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ generic.Store = (*Store)(nil)

// New opens (and migrates) the database at dbPath. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	-- Cached balances
	CREATE TABLE IF NOT EXISTS accounts (
		owner_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		eligible_instant_balance TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_updated
		ON accounts(updated_at DESC);

	-- Ledger rows (append-only)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		source TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		instant INTEGER NOT NULL DEFAULT 0,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_owner
		ON transactions(owner_id, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_id) WHERE reference_id IS NOT NULL;

	-- Incentive entries
	CREATE TABLE IF NOT EXISTS incentive_entries (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		metric_value TEXT NOT NULL,
		slab_label TEXT NOT NULL,
		reward_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		draw_eligible INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		paid_at TEXT
	);

	-- CRITICAL: one entry per actor, period, kind and referee
	CREATE UNIQUE INDEX IF NOT EXISTS idx_incentive_entries_natural
		ON incentive_entries(actor_id, period_key, kind, subject_id);
	CREATE INDEX IF NOT EXISTS idx_incentive_entries_draw
		ON incentive_entries(kind, period_key, draw_eligible);

	CREATE TABLE IF NOT EXISTS draw_results (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		period_key TEXT NOT NULL,
		winner_id TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		candidate_count INTEGER NOT NULL,
		prize_amount TEXT NOT NULL,
		drawn_at TEXT NOT NULL,
		UNIQUE(kind, period_key)
	);

	CREATE TABLE IF NOT EXISTS rental_payouts (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		month TEXT NOT NULL,
		transaction_volume TEXT NOT NULL,
		successful_days INTEGER NOT NULL,
		slab_reward TEXT NOT NULL,
		incentive_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		paid_at TEXT,
		UNIQUE(actor_id, month)
	);

	-- Payout and redemption requests
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		redemption_type TEXT,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		notes TEXT,
		processed_by TEXT,
		requested_at TEXT NOT NULL,
		processed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON requests(kind, status);

	-- Calculator inputs
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		total TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_owner_created
		ON orders(owner_id, created_at);

	CREATE TABLE IF NOT EXISTS daily_activity (
		owner_id TEXT NOT NULL,
		day TEXT NOT NULL,
		transaction_count INTEGER NOT NULL,
		is_successful INTEGER NOT NULL,
		PRIMARY KEY(owner_id, day)
	);

	CREATE TABLE IF NOT EXISTS vendors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		referrer_id TEXT,
		timezone TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_vendors_referrer
		ON vendors(referrer_id) WHERE referrer_id IS NOT NULL;

	-- Admin configuration
	CREATE TABLE IF NOT EXISTS slab_sets (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		slabs_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		signup_bonus_amount TEXT NOT NULL,
		min_withdrawal_amount TEXT NOT NULL,
		min_instant_transfer_amount TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fee_rules (
		owner_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		min_order_value TEXT NOT NULL,
		slabs_json TEXT,
		is_exempt INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Scheduled batch runs
	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT NOT NULL,
		job TEXT NOT NULL,
		period_key TEXT NOT NULL,
		status TEXT NOT NULL,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		PRIMARY KEY(job, period_key)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// WALLET STORE
// =============================================================================

const txColumns = `id, owner_id, tx_type, source, amount, description, status, instant,
	reference_id, idempotency_key, balance_after, created_at`

func (s *Store) GetAccount(ctx context.Context, owner generic.OwnerID) (generic.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, balance, eligible_instant_balance, version, created_at, updated_at
		FROM accounts WHERE owner_id = ?`, owner)
	return scanAccount(row)
}

// ApplyPosting inserts tx and writes account in one SQL transaction.
func (s *Store) ApplyPosting(ctx context.Context, tx generic.LedgerTransaction, account generic.WalletAccount, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := insertTransaction(ctx, sqlTx, tx); err != nil {
		return err
	}

	if expectedVersion == 0 {
		_, err = sqlTx.ExecContext(ctx, `
			INSERT INTO accounts (owner_id, balance, eligible_instant_balance, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			account.OwnerID, account.Balance.Value.String(), account.EligibleInstantBalance.Value.String(),
			account.Version, formatTime(account.CreatedAt), formatTime(account.UpdatedAt),
		)
		if isUniqueConstraintError(err) {
			return generic.ErrConcurrentModification
		}
		if err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}
	} else {
		res, err := sqlTx.ExecContext(ctx, `
			UPDATE accounts SET balance = ?, eligible_instant_balance = ?, version = ?, updated_at = ?
			WHERE owner_id = ? AND version = ?`,
			account.Balance.Value.String(), account.EligibleInstantBalance.Value.String(),
			account.Version, formatTime(account.UpdatedAt), account.OwnerID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return generic.ErrConcurrentModification
		}
	}

	return sqlTx.Commit()
}

func (s *Store) AppendAudit(ctx context.Context, tx generic.LedgerTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTransaction(ctx, s.db, tx)
}

func insertTransaction(ctx context.Context, db execer, tx generic.LedgerTransaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.OwnerID, tx.Type, tx.Source, tx.Amount.Value.String(), tx.Description,
		tx.Status, tx.Instant, nullString(tx.ReferenceID), nullString(tx.IdempotencyKey),
		tx.BalanceAfter.Value.String(), formatTime(tx.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return generic.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) TransactionByKey(ctx context.Context, key string) (generic.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs, err := s.queryTransactions(ctx, `SELECT `+txColumns+` FROM transactions WHERE idempotency_key = ?`, key)
	if err != nil {
		return generic.LedgerTransaction{}, err
	}
	if len(txs) == 0 {
		return generic.LedgerTransaction{}, generic.ErrNotFound
	}
	return txs[0], nil
}

func (s *Store) ListTransactions(ctx context.Context, filter generic.ListFilter) ([]generic.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filterClause(filter, "owner_id", "status", "created_at")
	query := `SELECT ` + txColumns + ` FROM transactions` + where + ` ORDER BY seq DESC` + pageClause(filter.Page)
	return s.queryTransactions(ctx, query, args...)
}

func (s *Store) AllTransactions(ctx context.Context, owner generic.OwnerID) ([]generic.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTransactions(ctx, `SELECT `+txColumns+` FROM transactions WHERE owner_id = ? ORDER BY seq ASC`, owner)
}

func (s *Store) ListAccounts(ctx context.Context, page generic.Page) ([]generic.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, balance, eligible_instant_balance, version, created_at, updated_at
		FROM accounts ORDER BY updated_at DESC, owner_id ASC`+pageClause(page))
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []generic.WalletAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]generic.LedgerTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []generic.LedgerTransaction
	for rows.Next() {
		var (
			tx                          generic.LedgerTransaction
			amount, balanceAfter        string
			description, reference, key sql.NullString
			createdAt                   string
		)
		if err := rows.Scan(&tx.ID, &tx.OwnerID, &tx.Type, &tx.Source, &amount, &description,
			&tx.Status, &tx.Instant, &reference, &key, &balanceAfter, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Amount = parseAmount(amount)
		tx.BalanceAfter = parseAmount(balanceAfter)
		tx.Description = description.String
		tx.ReferenceID = reference.String
		tx.IdempotencyKey = key.String
		tx.CreatedAt = parseTime(createdAt)
		out = append(out, tx)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (generic.WalletAccount, error) {
	var (
		a                    generic.WalletAccount
		balance, instant     string
		createdAt, updatedAt string
	)
	err := row.Scan(&a.OwnerID, &balance, &instant, &a.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, generic.ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Balance = parseAmount(balance)
	a.EligibleInstantBalance = parseAmount(instant)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// =============================================================================
// INCENTIVE STORE
// =============================================================================

const entryColumns = `id, actor_id, period_key, kind, subject_id, metric_value, slab_label,
	reward_amount, status, draw_eligible, created_at, updated_at, paid_at`

// UpsertIncentiveEntry refreshes pending rows only; the WHERE on the
// conflict clause leaves paid rows untouched.
func (s *Store) UpsertIncentiveEntry(ctx context.Context, e generic.IncentiveEntry) (generic.IncentiveEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incentive_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, NULL)
		ON CONFLICT(actor_id, period_key, kind, subject_id) DO UPDATE SET
			metric_value = excluded.metric_value,
			slab_label = excluded.slab_label,
			reward_amount = excluded.reward_amount,
			draw_eligible = excluded.draw_eligible,
			updated_at = excluded.updated_at
		WHERE incentive_entries.status = 'pending'`,
		e.ID, e.ActorID, e.PeriodKey, e.Kind, e.SubjectID, e.MetricValue.String(), e.SlabLabel,
		e.RewardAmount.Value.String(), e.DrawEligible, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return generic.IncentiveEntry{}, fmt.Errorf("failed to upsert incentive entry: %w", err)
	}

	entries, err := s.queryEntries(ctx, `SELECT `+entryColumns+` FROM incentive_entries
		WHERE actor_id = ? AND period_key = ? AND kind = ? AND subject_id = ?`,
		e.ActorID, e.PeriodKey, e.Kind, e.SubjectID)
	if err != nil {
		return generic.IncentiveEntry{}, err
	}
	if len(entries) == 0 {
		return generic.IncentiveEntry{}, generic.ErrNotFound
	}
	if entries[0].IsPaid() {
		return entries[0], generic.ErrAlreadyProcessed
	}
	return entries[0], nil
}

func (s *Store) GetIncentiveEntry(ctx context.Context, id string) (generic.IncentiveEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx, `SELECT `+entryColumns+` FROM incentive_entries WHERE id = ?`, id)
	if err != nil {
		return generic.IncentiveEntry{}, err
	}
	if len(entries) == 0 {
		return generic.IncentiveEntry{}, generic.ErrNotFound
	}
	return entries[0], nil
}

func (s *Store) MarkIncentivePaid(ctx context.Context, id string, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markPaid(ctx, "incentive_entries", id, paidAt)
}

// markPaid flips pending → paid with a compare-and-set on status.
func (s *Store) markPaid(ctx context.Context, table, id string, paidAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET status = 'paid', paid_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, formatTime(paidAt), formatTime(paidAt), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s paid: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ErrNotFound
	}
	if err != nil {
		return err
	}
	return generic.ErrAlreadyProcessed
}

func (s *Store) ListIncentiveEntries(ctx context.Context, kind generic.EntryKind, filter generic.ListFilter) ([]generic.IncentiveEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filterClause(filter, "actor_id", "status", "created_at")
	if kind != "" {
		where, args = and(where, args, "kind = ?", kind)
	}
	if filter.Period != "" {
		where, args = and(where, args, "period_key = ?", filter.Period)
	}
	query := `SELECT ` + entryColumns + ` FROM incentive_entries` + where +
		` ORDER BY created_at DESC, id DESC` + pageClause(filter.Page)
	return s.queryEntries(ctx, query, args...)
}

func (s *Store) DrawCandidates(ctx context.Context, kind generic.EntryKind, period generic.PeriodKey) ([]generic.IncentiveEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM incentive_entries
		WHERE kind = ? AND period_key = ? AND draw_eligible = 1
		ORDER BY actor_id ASC`, kind, period)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]generic.IncentiveEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incentive entries: %w", err)
	}
	defer rows.Close()

	var out []generic.IncentiveEntry
	for rows.Next() {
		var (
			e                    generic.IncentiveEntry
			metric, reward       string
			createdAt, updatedAt string
			paidAt               sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.PeriodKey, &e.Kind, &e.SubjectID, &metric, &e.SlabLabel,
			&reward, &e.Status, &e.DrawEligible, &createdAt, &updatedAt, &paidAt); err != nil {
			return nil, fmt.Errorf("failed to scan incentive entry: %w", err)
		}
		e.MetricValue = generic.MustParseDecimal(metric)
		e.RewardAmount = parseAmount(reward)
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		e.PaidAt = parseNullTime(paidAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SaveDrawResult(ctx context.Context, r generic.DrawResult) (generic.DrawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO draw_results (id, kind, period_key, winner_id, entry_id, candidate_count, prize_amount, drawn_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.PeriodKey, r.WinnerID, r.EntryID, r.CandidateCount, r.PrizeAmount.Value.String(), formatTime(r.DrawnAt),
	)
	if isUniqueConstraintError(err) {
		existing, getErr := s.getDrawResult(ctx, r.Kind, r.PeriodKey)
		if getErr != nil {
			return generic.DrawResult{}, getErr
		}
		return existing, generic.ErrAlreadyProcessed
	}
	if err != nil {
		return generic.DrawResult{}, fmt.Errorf("failed to save draw result: %w", err)
	}
	return r, nil
}

func (s *Store) GetDrawResult(ctx context.Context, kind generic.EntryKind, period generic.PeriodKey) (generic.DrawResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getDrawResult(ctx, kind, period)
}

func (s *Store) getDrawResult(ctx context.Context, kind generic.EntryKind, period generic.PeriodKey) (generic.DrawResult, error) {
	var (
		r            generic.DrawResult
		prize, drawn string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, period_key, winner_id, entry_id, candidate_count, prize_amount, drawn_at
		FROM draw_results WHERE kind = ? AND period_key = ?`, kind, period,
	).Scan(&r.ID, &r.Kind, &r.PeriodKey, &r.WinnerID, &r.EntryID, &r.CandidateCount, &prize, &drawn)
	if errors.Is(err, sql.ErrNoRows) {
		return r, generic.ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("failed to get draw result: %w", err)
	}
	r.PrizeAmount = parseAmount(prize)
	r.DrawnAt = parseTime(drawn)
	return r, nil
}

// =============================================================================
// RENTAL STORE
// =============================================================================

const rentalColumns = `id, actor_id, month, transaction_volume, successful_days, slab_reward,
	incentive_amount, status, created_at, updated_at, paid_at`

func (s *Store) UpsertRentalPayout(ctx context.Context, p generic.RentalPayout) (generic.RentalPayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rental_payouts (`+rentalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, NULL)
		ON CONFLICT(actor_id, month) DO UPDATE SET
			transaction_volume = excluded.transaction_volume,
			successful_days = excluded.successful_days,
			slab_reward = excluded.slab_reward,
			incentive_amount = excluded.incentive_amount,
			updated_at = excluded.updated_at
		WHERE rental_payouts.status = 'pending'`,
		p.ID, p.ActorID, p.Month.String(), p.TransactionVolume.Value.String(), p.SuccessfulDays,
		p.SlabReward.Value.String(), p.IncentiveAmount.Value.String(), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return generic.RentalPayout{}, fmt.Errorf("failed to upsert rental payout: %w", err)
	}

	payouts, err := s.queryRentals(ctx, `SELECT `+rentalColumns+` FROM rental_payouts WHERE actor_id = ? AND month = ?`,
		p.ActorID, p.Month.String())
	if err != nil {
		return generic.RentalPayout{}, err
	}
	if len(payouts) == 0 {
		return generic.RentalPayout{}, generic.ErrNotFound
	}
	if payouts[0].IsPaid() {
		return payouts[0], generic.ErrAlreadyProcessed
	}
	return payouts[0], nil
}

func (s *Store) GetRentalPayout(ctx context.Context, id string) (generic.RentalPayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payouts, err := s.queryRentals(ctx, `SELECT `+rentalColumns+` FROM rental_payouts WHERE id = ?`, id)
	if err != nil {
		return generic.RentalPayout{}, err
	}
	if len(payouts) == 0 {
		return generic.RentalPayout{}, generic.ErrNotFound
	}
	return payouts[0], nil
}

func (s *Store) MarkRentalPaid(ctx context.Context, id string, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markPaid(ctx, "rental_payouts", id, paidAt)
}

func (s *Store) ListRentalPayouts(ctx context.Context, filter generic.ListFilter) ([]generic.RentalPayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filterClause(filter, "actor_id", "status", "created_at")
	if filter.Period != "" {
		where, args = and(where, args, "month = ?", string(filter.Period))
	}
	query := `SELECT ` + rentalColumns + ` FROM rental_payouts` + where +
		` ORDER BY created_at DESC, id DESC` + pageClause(filter.Page)
	return s.queryRentals(ctx, query, args...)
}

func (s *Store) queryRentals(ctx context.Context, query string, args ...any) ([]generic.RentalPayout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rental payouts: %w", err)
	}
	defer rows.Close()

	var out []generic.RentalPayout
	for rows.Next() {
		var (
			p                           generic.RentalPayout
			month, volume, slab, amount string
			createdAt, updatedAt        string
			paidAt                      sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.ActorID, &month, &volume, &p.SuccessfulDays, &slab, &amount,
			&p.Status, &createdAt, &updatedAt, &paidAt); err != nil {
			return nil, fmt.Errorf("failed to scan rental payout: %w", err)
		}
		m, err := generic.ParseMonth(month)
		if err != nil {
			return nil, fmt.Errorf("rental payout %s: %w", p.ID, err)
		}
		p.Month = m
		p.TransactionVolume = parseAmount(volume)
		p.SlabReward = parseAmount(slab)
		p.IncentiveAmount = parseAmount(amount)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		p.PaidAt = parseNullTime(paidAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// REQUEST STORE
// =============================================================================

const requestColumns = `id, owner_id, kind, redemption_type, amount, status, notes, processed_by,
	requested_at, processed_at`

func (s *Store) CreateRequest(ctx context.Context, r generic.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.Kind, nullString(string(r.RedemptionType)), r.Amount.Value.String(), r.Status,
		nullString(r.Notes), nullString(r.ProcessedBy), formatTime(r.RequestedAt), formatNullTime(r.ProcessedAt),
	)
	if isUniqueConstraintError(err) {
		return generic.ErrAlreadyProcessed
	}
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (generic.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRequest(ctx, id)
}

func (s *Store) getRequest(ctx context.Context, id string) (generic.Request, error) {
	reqs, err := s.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	if err != nil {
		return generic.Request{}, err
	}
	if len(reqs) == 0 {
		return generic.Request{}, generic.ErrNotFound
	}
	return reqs[0], nil
}

// DecideRequest is a compare-and-set on status = 'pending'.
func (s *Store) DecideRequest(ctx context.Context, id string, status generic.RequestStatus, processedBy, notes string, at time.Time) (generic.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET status = ?, processed_by = ?, notes = ?, processed_at = ?
		WHERE id = ? AND status = 'pending'`,
		status, nullString(processedBy), nullString(notes), formatTime(at), id,
	)
	if err != nil {
		return generic.Request{}, fmt.Errorf("failed to decide request: %w", err)
	}
	n, _ := res.RowsAffected()

	r, err := s.getRequest(ctx, id)
	if err != nil {
		return generic.Request{}, err
	}
	if n == 0 {
		return r, generic.ErrInvalidTransition
	}
	return r, nil
}

func (s *Store) ListRequests(ctx context.Context, kind generic.RequestKind, filter generic.ListFilter) ([]generic.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filterClause(filter, "owner_id", "status", "requested_at")
	if kind != "" {
		where, args = and(where, args, "kind = ?", kind)
	}
	query := `SELECT ` + requestColumns + ` FROM requests` + where +
		` ORDER BY requested_at DESC, id DESC` + pageClause(filter.Page)
	return s.queryRequests(ctx, query, args...)
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]generic.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []generic.Request
	for rows.Next() {
		var (
			r                              generic.Request
			redemption, notes, processedBy sql.NullString
			amount, requestedAt            string
			processedAt                    sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Kind, &redemption, &amount, &r.Status, &notes,
			&processedBy, &requestedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		r.RedemptionType = generic.RedemptionType(redemption.String)
		r.Amount = parseAmount(amount)
		r.Notes = notes.String
		r.ProcessedBy = processedBy.String
		r.RequestedAt = parseTime(requestedAt)
		r.ProcessedAt = parseNullTime(processedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// ORDERS / ACTIVITY / VENDORS
// =============================================================================

func (s *Store) SaveOrder(ctx context.Context, o generic.OrderCompleted) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, owner_id, total, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			total = excluded.total,
			status = excluded.status,
			created_at = excluded.created_at`,
		o.OrderID, o.OwnerID, o.Total.Value.String(), o.Status, formatTime(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *Store) ListOrders(ctx context.Context, owner generic.OwnerID, from, to time.Time) ([]generic.OrderCompleted, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, owner_id, total, status, created_at FROM orders
		WHERE owner_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC`, owner, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []generic.OrderCompleted
	for rows.Next() {
		var (
			o                generic.OrderCompleted
			total, createdAt string
		)
		if err := rows.Scan(&o.OrderID, &o.OwnerID, &total, &o.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Total = parseAmount(total)
		o.CreatedAt = parseTime(createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) SaveDailyActivity(ctx context.Context, a generic.DailyActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_activity (owner_id, day, transaction_count, is_successful)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, day) DO UPDATE SET
			transaction_count = excluded.transaction_count,
			is_successful = excluded.is_successful`,
		a.OwnerID, a.Day.String(), a.TransactionCount, a.IsSuccessful,
	)
	if err != nil {
		return fmt.Errorf("failed to save daily activity: %w", err)
	}
	return nil
}

func (s *Store) ListDailyActivity(ctx context.Context, owner generic.OwnerID, from, to generic.Day) ([]generic.DailyActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, day, transaction_count, is_successful FROM daily_activity
		WHERE owner_id = ? AND day >= ? AND day <= ?
		ORDER BY day ASC`, owner, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query daily activity: %w", err)
	}
	defer rows.Close()

	var out []generic.DailyActivity
	for rows.Next() {
		var (
			a   generic.DailyActivity
			day string
		)
		if err := rows.Scan(&a.OwnerID, &day, &a.TransactionCount, &a.IsSuccessful); err != nil {
			return nil, fmt.Errorf("failed to scan daily activity: %w", err)
		}
		d, err := generic.ParseDay(day)
		if err != nil {
			return nil, err
		}
		a.Day = d
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SaveVendor(ctx context.Context, v generic.Vendor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vendors (id, name, referrer_id, timezone, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			referrer_id = excluded.referrer_id,
			timezone = excluded.timezone`,
		v.ID, v.Name, nullString(string(v.ReferrerID)), nullString(v.Timezone), formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save vendor: %w", err)
	}
	return nil
}

func (s *Store) GetVendor(ctx context.Context, id generic.OwnerID) (generic.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vendors, err := s.queryVendors(ctx, `SELECT id, name, referrer_id, timezone, created_at FROM vendors WHERE id = ?`, id)
	if err != nil {
		return generic.Vendor{}, err
	}
	if len(vendors) == 0 {
		return generic.Vendor{}, generic.ErrNotFound
	}
	return vendors[0], nil
}

func (s *Store) ListVendors(ctx context.Context) ([]generic.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryVendors(ctx, `SELECT id, name, referrer_id, timezone, created_at FROM vendors ORDER BY id ASC`)
}

func (s *Store) Referees(ctx context.Context, referrer generic.OwnerID) ([]generic.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryVendors(ctx, `SELECT id, name, referrer_id, timezone, created_at FROM vendors
		WHERE referrer_id = ? ORDER BY id ASC`, referrer)
}

func (s *Store) queryVendors(ctx context.Context, query string, args ...any) ([]generic.Vendor, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vendors: %w", err)
	}
	defer rows.Close()

	var out []generic.Vendor
	for rows.Next() {
		var (
			v                  generic.Vendor
			referrer, timezone sql.NullString
			createdAt          string
		)
		if err := rows.Scan(&v.ID, &v.Name, &referrer, &timezone, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan vendor: %w", err)
		}
		v.ReferrerID = generic.OwnerID(referrer.String)
		v.Timezone = timezone.String
		v.CreatedAt = parseTime(createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// CONFIG STORE
// =============================================================================

func (s *Store) GetVendorSettings(ctx context.Context) (generic.VendorSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bonus, withdrawal, instant string
	err := s.db.QueryRowContext(ctx, `
		SELECT signup_bonus_amount, min_withdrawal_amount, min_instant_transfer_amount
		FROM settings WHERE id = 1`).Scan(&bonus, &withdrawal, &instant)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.VendorSettings{}, generic.ErrNotFound
	}
	if err != nil {
		return generic.VendorSettings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	return generic.VendorSettings{
		SignupBonusAmount:        parseAmount(bonus),
		MinWithdrawalAmount:      parseAmount(withdrawal),
		MinInstantTransferAmount: parseAmount(instant),
	}, nil
}

func (s *Store) SaveVendorSettings(ctx context.Context, v generic.VendorSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, signup_bonus_amount, min_withdrawal_amount, min_instant_transfer_amount)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			signup_bonus_amount = excluded.signup_bonus_amount,
			min_withdrawal_amount = excluded.min_withdrawal_amount,
			min_instant_transfer_amount = excluded.min_instant_transfer_amount`,
		v.SignupBonusAmount.Value.String(), v.MinWithdrawalAmount.Value.String(), v.MinInstantTransferAmount.Value.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// slabRecord is the stored JSON shape of one slab.
type slabRecord struct {
	Min    decimal.Decimal  `json:"min"`
	Max    *decimal.Decimal `json:"max,omitempty"`
	Reward decimal.Decimal  `json:"reward"`
	Label  string           `json:"label"`
}

func (s *Store) GetSlabSet(ctx context.Context, name string) (generic.SlabSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sets, err := s.querySlabSets(ctx, `SELECT name, kind, slabs_json FROM slab_sets WHERE name = ?`, name)
	if err != nil {
		return generic.SlabSet{}, err
	}
	if len(sets) == 0 {
		return generic.SlabSet{}, generic.ErrNotFound
	}
	return sets[0], nil
}

func (s *Store) SaveSlabSet(ctx context.Context, set generic.SlabSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]slabRecord, 0, len(set.Slabs))
	for _, sl := range set.Slabs {
		records = append(records, slabRecord{Min: sl.Min, Max: sl.Max, Reward: sl.Reward.Value, Label: sl.Label})
	}
	slabsJSON, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode slabs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO slab_sets (name, kind, slabs_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			slabs_json = excluded.slabs_json,
			updated_at = excluded.updated_at`,
		set.Name, set.Kind, string(slabsJSON), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save slab set: %w", err)
	}
	return nil
}

func (s *Store) ListSlabSets(ctx context.Context) ([]generic.SlabSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.querySlabSets(ctx, `SELECT name, kind, slabs_json FROM slab_sets ORDER BY name ASC`)
}

func (s *Store) querySlabSets(ctx context.Context, query string, args ...any) ([]generic.SlabSet, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query slab sets: %w", err)
	}
	defer rows.Close()

	var out []generic.SlabSet
	for rows.Next() {
		var (
			set       generic.SlabSet
			slabsJSON string
			records   []slabRecord
		)
		if err := rows.Scan(&set.Name, &set.Kind, &slabsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan slab set: %w", err)
		}
		if err := json.Unmarshal([]byte(slabsJSON), &records); err != nil {
			return nil, &generic.ConfigurationError{Subject: "slab set " + set.Name, Reason: "stored slabs are not valid JSON"}
		}
		for _, r := range records {
			set.Slabs = append(set.Slabs, generic.Slab{
				Min: r.Min, Max: r.Max, Reward: generic.AmountOf(r.Reward), Label: r.Label, Kind: set.Kind,
			})
		}
		out = append(out, set)
	}
	return out, rows.Err()
}

type bracketRecord struct {
	MinOrderValue decimal.Decimal `json:"min_order_value"`
	Value         decimal.Decimal `json:"value"`
}

func (s *Store) GetFeeRule(ctx context.Context, owner generic.OwnerID) (generic.FeeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r               generic.FeeRule
		value, minOrder string
		slabsJSON       sql.NullString
		updatedAt       string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, kind, value, min_order_value, slabs_json, is_exempt, updated_at
		FROM fee_rules WHERE owner_id = ?`, owner,
	).Scan(&r.OwnerID, &r.Kind, &value, &minOrder, &slabsJSON, &r.IsExempt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, generic.ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("failed to get fee rule: %w", err)
	}
	r.Value = generic.MustParseDecimal(value)
	r.MinOrderValue = parseAmount(minOrder)
	r.UpdatedAt = parseTime(updatedAt)
	if slabsJSON.Valid && slabsJSON.String != "" {
		var brackets []bracketRecord
		if err := json.Unmarshal([]byte(slabsJSON.String), &brackets); err != nil {
			return r, &generic.ConfigurationError{Subject: "fee rule " + string(owner), Reason: "stored brackets are not valid JSON"}
		}
		for _, b := range brackets {
			r.Slabs = append(r.Slabs, generic.FeeBracket{MinOrderValue: generic.AmountOf(b.MinOrderValue), Value: generic.AmountOf(b.Value)})
		}
	}
	return r, nil
}

func (s *Store) SaveFeeRule(ctx context.Context, r generic.FeeRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var slabsJSON sql.NullString
	if len(r.Slabs) > 0 {
		brackets := make([]bracketRecord, 0, len(r.Slabs))
		for _, b := range r.Slabs {
			brackets = append(brackets, bracketRecord{MinOrderValue: b.MinOrderValue.Value, Value: b.Value.Value})
		}
		data, err := json.Marshal(brackets)
		if err != nil {
			return fmt.Errorf("failed to encode fee brackets: %w", err)
		}
		slabsJSON = sql.NullString{String: string(data), Valid: true}
	}
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fee_rules (owner_id, kind, value, min_order_value, slabs_json, is_exempt, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			kind = excluded.kind,
			value = excluded.value,
			min_order_value = excluded.min_order_value,
			slabs_json = excluded.slabs_json,
			is_exempt = excluded.is_exempt,
			updated_at = excluded.updated_at`,
		r.OwnerID, r.Kind, r.Value.String(), r.MinOrderValue.Value.String(), slabsJSON, r.IsExempt, formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save fee rule: %w", err)
	}
	return nil
}

// =============================================================================
// JOB RUNS
// =============================================================================

func (s *Store) SaveJobRun(ctx context.Context, run generic.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job, period_key, status, succeeded, failed, skipped, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job, period_key) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		run.ID, run.Job, run.PeriodKey, run.Status, run.Succeeded, run.Failed, run.Skipped,
		nullString(run.Error), formatTime(run.StartedAt), formatNullTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job run: %w", err)
	}
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, job string, period generic.PeriodKey) (generic.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryJobRuns(ctx, `SELECT id, job, period_key, status, succeeded, failed, skipped, error,
		started_at, completed_at FROM job_runs WHERE job = ? AND period_key = ?`, job, period)
	if err != nil {
		return generic.JobRun{}, err
	}
	if len(runs) == 0 {
		return generic.JobRun{}, generic.ErrNotFound
	}
	return runs[0], nil
}

func (s *Store) ListJobRuns(ctx context.Context, page generic.Page) ([]generic.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryJobRuns(ctx, `SELECT id, job, period_key, status, succeeded, failed, skipped, error,
		started_at, completed_at FROM job_runs ORDER BY started_at DESC`+pageClause(page))
}

func (s *Store) queryJobRuns(ctx context.Context, query string, args ...any) ([]generic.JobRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var out []generic.JobRun
	for rows.Next() {
		var (
			r                   generic.JobRun
			runErr, completedAt sql.NullString
			startedAt           string
		)
		if err := rows.Scan(&r.ID, &r.Job, &r.PeriodKey, &r.Status, &r.Succeeded, &r.Failed, &r.Skipped,
			&runErr, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		r.Error = runErr.String
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// filterClause builds the WHERE clause for the shared owner / status /
// time-window filters.
func filterClause(f generic.ListFilter, ownerCol, statusCol, timeCol string) (string, []any) {
	var (
		where string
		args  []any
	)
	if f.OwnerID != "" {
		where, args = and(where, args, ownerCol+" = ?", f.OwnerID)
	}
	if f.Status != "" {
		where, args = and(where, args, statusCol+" = ?", f.Status)
	}
	if f.From != nil {
		where, args = and(where, args, timeCol+" >= ?", formatTime(*f.From))
	}
	if f.To != nil {
		where, args = and(where, args, timeCol+" < ?", formatTime(*f.To))
	}
	return where, args
}

func and(where string, args []any, clause string, arg any) (string, []any) {
	if where == "" {
		where = " WHERE " + clause
	} else {
		where += " AND " + clause
	}
	return where, append(args, arg)
}

func pageClause(p generic.Page) string {
	p = p.Normalize()
	return fmt.Sprintf(" LIMIT %d OFFSET %d", p.Limit, p.Offset)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseAmount(value string) generic.Amount {
	return generic.AmountOf(generic.MustParseDecimal(value))
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
