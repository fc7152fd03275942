package generic

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// REPLAY - Recompute balances from the audit trail
// =============================================================================

// Replay is the balance state derived from transaction rows alone.
type Replay struct {
	Balance                Amount
	EligibleInstantBalance Amount
	Postings               int
}

// ReplayBalance folds txs (insertion order) through the posting rules.
// Audit-only rows are skipped. It fails if any step would break an account
// invariant, which means the trail itself is corrupt.
func ReplayBalance(owner OwnerID, txs []LedgerTransaction) (Replay, error) {
	acct := NewWalletAccount(owner, time.Time{})
	r := Replay{}
	for _, tx := range txs {
		if !tx.AffectsBalance() {
			continue
		}
		next, err := applyPosting(acct, Posting{Type: tx.Type, Amount: tx.Amount, Instant: tx.Instant})
		if err != nil {
			return r, fmt.Errorf("replay %s at %s: %w", owner, tx.ID, err)
		}
		if !next.Balance.Equal(tx.BalanceAfter) {
			return r, fmt.Errorf("replay %s at %s: balance %s, row says %s", owner, tx.ID, next.Balance, tx.BalanceAfter)
		}
		acct = next
		r.Postings++
	}
	r.Balance = acct.Balance
	r.EligibleInstantBalance = acct.EligibleInstantBalance
	return r, nil
}

// CheckInvariants validates balance >= 0 and 0 <= instant <= balance.
func CheckInvariants(acct WalletAccount) error {
	switch {
	case acct.Balance.IsNegative():
		return fmt.Errorf("account %s: negative balance %s", acct.OwnerID, acct.Balance)
	case acct.EligibleInstantBalance.IsNegative():
		return fmt.Errorf("account %s: negative instant balance %s", acct.OwnerID, acct.EligibleInstantBalance)
	case acct.EligibleInstantBalance.GreaterThan(acct.Balance):
		return fmt.Errorf("account %s: instant balance %s exceeds balance %s",
			acct.OwnerID, acct.EligibleInstantBalance, acct.Balance)
	}
	return nil
}

// Verify compares the cached account with a replay of its transactions.
// It is an audit tool; the hot path reads the cached balance.
func (l *WalletLedger) Verify(ctx context.Context, owner OwnerID) (Replay, error) {
	acct, err := l.Account(ctx, owner)
	if err != nil {
		return Replay{}, err
	}
	if err := CheckInvariants(acct); err != nil {
		return Replay{}, err
	}
	txs, err := l.store.AllTransactions(ctx, owner)
	if err != nil {
		return Replay{}, err
	}
	r, err := ReplayBalance(owner, txs)
	if err != nil {
		return r, err
	}
	if !r.Balance.Equal(acct.Balance) || !r.EligibleInstantBalance.Equal(acct.EligibleInstantBalance) {
		return r, fmt.Errorf("account %s drifted: cached %s/%s, replayed %s/%s", owner,
			acct.Balance, acct.EligibleInstantBalance, r.Balance, r.EligibleInstantBalance)
	}
	return r, nil
}
