package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INCENTIVE ENTRY - One computed reward per (actor, period, kind, subject)
// =============================================================================

type EntryKind string

const (
	EntryDaily    EntryKind = "daily"
	EntryMonthly  EntryKind = "monthly"
	EntryReferral EntryKind = "referral"
)

// PayoutStatus is shared by incentive entries and rental payouts. The only
// transition is pending → paid.
type PayoutStatus string

const (
	StatusPending PayoutStatus = "pending"
	StatusPaid    PayoutStatus = "paid"
)

type IncentiveEntry struct {
	ID           string
	ActorID      OwnerID
	PeriodKey    PeriodKey
	Kind         EntryKind
	SubjectID    OwnerID // referee for referral entries, empty otherwise
	MetricValue  decimal.Decimal
	SlabLabel    string
	RewardAmount Amount
	Status       PayoutStatus
	DrawEligible bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PaidAt       *time.Time
}

func (e IncentiveEntry) IsPaid() bool { return e.Status == StatusPaid }

// =============================================================================
// RENTAL PAYOUT - One per (actor, month)
// =============================================================================

type RentalPayout struct {
	ID                string
	ActorID           OwnerID
	Month             Month
	TransactionVolume Amount
	SuccessfulDays    int // 0..30
	SlabReward        Amount
	IncentiveAmount   Amount
	Status            PayoutStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
}

func (p RentalPayout) IsPaid() bool { return p.Status == StatusPaid }

// =============================================================================
// DRAW RESULT - One per (kind, period)
// =============================================================================

type DrawResult struct {
	ID             string
	Kind           EntryKind // daily or monthly
	PeriodKey      PeriodKey
	WinnerID       OwnerID
	EntryID        string
	CandidateCount int
	PrizeAmount    Amount
	DrawnAt        time.Time
}

// =============================================================================
// JOB RUN - Scheduled batch bookkeeping
// =============================================================================

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPartial   JobStatus = "partial" // ran to the end, some actors failed
)

type JobRun struct {
	ID          string
	Job         string
	PeriodKey   PeriodKey
	Status      JobStatus
	Succeeded   int
	Failed      int
	Skipped     int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// =============================================================================
// FEE RULE - Per-vendor platform fee
// =============================================================================

type FeeRuleKind string

const (
	FeePercentage FeeRuleKind = "percentage"
	FeeFixed      FeeRuleKind = "fixed"
	FeeSlab       FeeRuleKind = "slab"
)

// FeeBracket applies Value as a fixed fee to orders of at least MinOrderValue.
type FeeBracket struct {
	MinOrderValue Amount
	Value         Amount
}

// FeeRule configures the platform fee for one vendor. For percentage rules
// Value is a fraction (0.03 = 3%); for fixed rules it is rupees.
type FeeRule struct {
	OwnerID       OwnerID
	Kind          FeeRuleKind
	Value         decimal.Decimal
	MinOrderValue Amount
	Slabs         []FeeBracket
	IsExempt      bool
	UpdatedAt     time.Time
}
