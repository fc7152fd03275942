package generic

import "time"

// =============================================================================
// NOTIFICATIONS - Fire-and-forget events on every wallet change
// =============================================================================

type Notification struct {
	OwnerID   OwnerID
	Title     string
	Body      string
	Type      string // e.g. "wallet_credit", "wallet_debit"
	CreatedAt time.Time
}

// Notifier must not block the caller and must not report delivery errors:
// a lost notification never rolls back a ledger write.
type Notifier interface {
	Notify(n Notification)
}

type NopNotifier struct{}

func (NopNotifier) Notify(Notification) {}

// =============================================================================
// OBSERVER - Metrics hooks
// =============================================================================

// Observer receives engine events for metrics. Implementations must be cheap
// and safe for concurrent use.
type Observer interface {
	PostingApplied(tx LedgerTransaction)
	PostingRejected(source Source, kind ErrorKind)
	RequestDecided(kind RequestKind, decision Decision, err error)
	BatchCompleted(job string, result BatchResult)
	FeeFallback(reason string)
}

type NopObserver struct{}

func (NopObserver) PostingApplied(LedgerTransaction)            {}
func (NopObserver) PostingRejected(Source, ErrorKind)           {}
func (NopObserver) RequestDecided(RequestKind, Decision, error) {}
func (NopObserver) BatchCompleted(string, BatchResult)          {}
func (NopObserver) FeeFallback(string)                          {}
