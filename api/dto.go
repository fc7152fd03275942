/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as decimal strings with two places ("120.50"), never as
  JSON numbers, so clients cannot lose paise to float rounding.

VALIDATION:
  Validation is done in handlers and the domain packages, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/program.go: slab set, fee rule and settings documents
*/
package api

import (
	"time"

	"github.com/warp/incentive-ledger/fees"
	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/rental"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Kind    generic.ErrorKind `json:"kind,omitempty"`
	Details string            `json:"details,omitempty"`
}

// =============================================================================
// WALLETS
// =============================================================================

type AccountDTO struct {
	OwnerID                string `json:"owner_id"`
	Balance                string `json:"balance"`
	EligibleInstantBalance string `json:"eligible_instant_balance"`
	Version                int64  `json:"version"`
	UpdatedAt              string `json:"updated_at,omitempty"`
}

func toAccountDTO(a generic.WalletAccount) AccountDTO {
	dto := AccountDTO{
		OwnerID:                string(a.OwnerID),
		Balance:                a.Balance.String(),
		EligibleInstantBalance: a.EligibleInstantBalance.String(),
		Version:                a.Version,
	}
	if !a.UpdatedAt.IsZero() {
		dto.UpdatedAt = a.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

type TransactionDTO struct {
	ID           string `json:"id"`
	OwnerID      string `json:"owner_id"`
	Type         string `json:"type"`
	Source       string `json:"source"`
	Amount       string `json:"amount"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status"`
	Instant      bool   `json:"instant,omitempty"`
	ReferenceID  string `json:"reference_id,omitempty"`
	BalanceAfter string `json:"balance_after"`
	CreatedAt    string `json:"created_at"`
}

func toTransactionDTO(tx generic.LedgerTransaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(tx.ID),
		OwnerID:      string(tx.OwnerID),
		Type:         string(tx.Type),
		Source:       string(tx.Source),
		Amount:       tx.Amount.String(),
		Description:  tx.Description,
		Status:       string(tx.Status),
		Instant:      tx.Instant,
		ReferenceID:  tx.ReferenceID,
		BalanceAfter: tx.BalanceAfter.String(),
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
	}
}

// VerifyDTO compares the cached balance with a replay of the audit trail.
type VerifyDTO struct {
	OwnerID         string `json:"owner_id"`
	Balance         string `json:"balance"`
	ReplayedBalance string `json:"replayed_balance"`
	ReplayedInstant string `json:"replayed_instant_balance"`
	Postings        int    `json:"postings"`
	Consistent      bool   `json:"consistent"`
	Error           string `json:"error,omitempty"`
}

type AdjustmentRequest struct {
	Type        string `json:"type"` // credit or debit
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// =============================================================================
// VENDORS, ORDERS, ACTIVITY
// =============================================================================

type VendorDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ReferrerID string `json:"referrer_id,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

func toVendorDTO(v generic.Vendor) VendorDTO {
	dto := VendorDTO{ID: string(v.ID), Name: v.Name, ReferrerID: string(v.ReferrerID), Timezone: v.Timezone}
	if !v.CreatedAt.IsZero() {
		dto.CreatedAt = v.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

type CreateVendorRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ReferrerID string `json:"referrer_id"`
	Timezone   string `json:"timezone"`
}

type CreateVendorResponse struct {
	Vendor              VendorDTO `json:"vendor"`
	SignupBonusCredited bool      `json:"signup_bonus_credited"`
}

type OrderRequest struct {
	OrderID   string     `json:"order_id"`
	OwnerID   string     `json:"owner_id"`
	Total     string     `json:"total"`
	Status    string     `json:"status"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type QuoteDTO struct {
	OrderTotal     string `json:"order_total"`
	Fee            string `json:"fee"`
	NetAmount      string `json:"net_amount"`
	RuleKind       string `json:"rule_kind,omitempty"`
	Fallback       bool   `json:"fallback"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

func toQuoteDTO(q fees.Quote) QuoteDTO {
	dto := QuoteDTO{
		OrderTotal:     q.OrderTotal.String(),
		Fee:            q.Fee.String(),
		NetAmount:      q.NetAmount.String(),
		RuleKind:       string(q.Rule.Kind),
		Fallback:       q.Fallback,
		FallbackReason: q.FallbackReason,
	}
	if q.Rule.IsExempt {
		dto.RuleKind = "exempt"
	}
	return dto
}

type SettleOrderResponse struct {
	OrderID          string   `json:"order_id"`
	Quote            QuoteDTO `json:"quote"`
	Credited         bool     `json:"credited"`
	AlreadyProcessed bool     `json:"already_processed,omitempty"`
}

type ActivityRequest struct {
	OwnerID          string `json:"owner_id"`
	Day              string `json:"day"`
	TransactionCount int    `json:"transaction_count"`
	IsSuccessful     bool   `json:"is_successful"`
}

// =============================================================================
// PAYOUT REQUESTS
// =============================================================================

type RequestDTO struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"owner_id"`
	Kind           string  `json:"kind"`
	RedemptionType string  `json:"redemption_type,omitempty"`
	Amount         string  `json:"amount"`
	Status         string  `json:"status"`
	Notes          string  `json:"notes,omitempty"`
	ProcessedBy    string  `json:"processed_by,omitempty"`
	RequestedAt    string  `json:"requested_at"`
	ProcessedAt    *string `json:"processed_at,omitempty"`
}

func toRequestDTO(r generic.Request) RequestDTO {
	dto := RequestDTO{
		ID:             r.ID,
		OwnerID:        string(r.OwnerID),
		Kind:           string(r.Kind),
		RedemptionType: string(r.RedemptionType),
		Amount:         r.Amount.String(),
		Status:         string(r.Status),
		Notes:          r.Notes,
		ProcessedBy:    r.ProcessedBy,
		RequestedAt:    r.RequestedAt.Format(time.RFC3339),
	}
	if r.ProcessedAt != nil {
		dto.ProcessedAt = formatTime(*r.ProcessedAt)
	}
	return dto
}

type InstantPayoutRequest struct {
	Amount string `json:"amount"`
}

type RedemptionRequest struct {
	Type   string `json:"type"`
	Amount string `json:"amount"`
}

type DecisionRequest struct {
	Decision string `json:"decision"` // approve or reject; implied by the approve/reject routes
	Admin    string `json:"admin"`
	Notes    string `json:"notes"`
}

type BulkDecisionRequest struct {
	IDs      []string `json:"ids"`
	Decision string   `json:"decision"`
	Admin    string   `json:"admin"`
	Notes    string   `json:"notes"`
}

// =============================================================================
// INCENTIVES, DRAWS, RENTAL
// =============================================================================

type EntryDTO struct {
	ID           string  `json:"id"`
	ActorID      string  `json:"actor_id"`
	Period       string  `json:"period"`
	Kind         string  `json:"kind"`
	SubjectID    string  `json:"subject_id,omitempty"`
	MetricValue  string  `json:"metric_value"`
	SlabLabel    string  `json:"slab_label,omitempty"`
	RewardAmount string  `json:"reward_amount"`
	Status       string  `json:"status"`
	DrawEligible bool    `json:"draw_eligible"`
	PaidAt       *string `json:"paid_at,omitempty"`
}

func toEntryDTO(e generic.IncentiveEntry) EntryDTO {
	dto := EntryDTO{
		ID:           e.ID,
		ActorID:      string(e.ActorID),
		Period:       e.PeriodKey.String(),
		Kind:         string(e.Kind),
		SubjectID:    string(e.SubjectID),
		MetricValue:  e.MetricValue.String(),
		SlabLabel:    e.SlabLabel,
		RewardAmount: e.RewardAmount.String(),
		Status:       string(e.Status),
		DrawEligible: e.DrawEligible,
	}
	if e.PaidAt != nil {
		dto.PaidAt = formatTime(*e.PaidAt)
	}
	return dto
}

type DrawDTO struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Period         string `json:"period"`
	WinnerID       string `json:"winner_id"`
	EntryID        string `json:"entry_id"`
	CandidateCount int    `json:"candidate_count"`
	PrizeAmount    string `json:"prize_amount"`
	DrawnAt        string `json:"drawn_at"`
}

func toDrawDTO(d generic.DrawResult) DrawDTO {
	return DrawDTO{
		ID:             d.ID,
		Kind:           string(d.Kind),
		Period:         d.PeriodKey.String(),
		WinnerID:       string(d.WinnerID),
		EntryID:        d.EntryID,
		CandidateCount: d.CandidateCount,
		PrizeAmount:    d.PrizeAmount.String(),
		DrawnAt:        d.DrawnAt.Format(time.RFC3339),
	}
}

type RentalPayoutDTO struct {
	ID                string  `json:"id"`
	ActorID           string  `json:"actor_id"`
	Month             string  `json:"month"`
	TransactionVolume string  `json:"transaction_volume"`
	SuccessfulDays    int     `json:"successful_days"`
	SlabReward        string  `json:"slab_reward"`
	IncentiveAmount   string  `json:"incentive_amount"`
	Status            string  `json:"status"`
	PaidAt            *string `json:"paid_at,omitempty"`
}

func toRentalPayoutDTO(p generic.RentalPayout) RentalPayoutDTO {
	dto := RentalPayoutDTO{
		ID:                p.ID,
		ActorID:           string(p.ActorID),
		Month:             p.Month.String(),
		TransactionVolume: p.TransactionVolume.String(),
		SuccessfulDays:    p.SuccessfulDays,
		SlabReward:        p.SlabReward.String(),
		IncentiveAmount:   p.IncentiveAmount.String(),
		Status:            string(p.Status),
	}
	if p.PaidAt != nil {
		dto.PaidAt = formatTime(*p.PaidAt)
	}
	return dto
}

type ProjectionDTO struct {
	OwnerID        string `json:"owner_id"`
	Month          string `json:"month"`
	Volume         string `json:"volume"`
	SuccessfulDays int    `json:"successful_days"`
	SlabReward     string `json:"slab_reward"`
	Payout         string `json:"payout"`
}

func toProjectionDTO(owner generic.OwnerID, month generic.Month, p rental.Projection) ProjectionDTO {
	return ProjectionDTO{
		OwnerID:        string(owner),
		Month:          month.String(),
		Volume:         p.Volume.String(),
		SuccessfulDays: p.SuccessfulDays,
		SlabReward:     p.SlabReward.String(),
		Payout:         p.Payout.String(),
	}
}

// TierProgressDTO drives the "earn ₹X more" banner in the vendor app.
type TierProgressDTO struct {
	OwnerID          string  `json:"owner_id"`
	Day              string  `json:"day"`
	Metric           string  `json:"metric"`
	CurrentLabel     string  `json:"current_label"`
	CurrentReward    string  `json:"current_reward"`
	NextLabel        *string `json:"next_label,omitempty"`
	NextMin          *string `json:"next_min,omitempty"`
	RemainingMetric  string  `json:"remaining_metric"`
	AdditionalReward string  `json:"additional_reward"`
	AtTopTier        bool    `json:"at_top_tier"`
}

func toTierProgressDTO(owner generic.OwnerID, day generic.Day, p generic.TierProgress) TierProgressDTO {
	dto := TierProgressDTO{
		OwnerID:          string(owner),
		Day:              day.String(),
		Metric:           p.Metric.String(),
		CurrentLabel:     p.Current.Label,
		CurrentReward:    p.Current.Reward.String(),
		RemainingMetric:  p.RemainingMetric.String(),
		AdditionalReward: p.AdditionalReward.String(),
		AtTopTier:        p.AtTopTier(),
	}
	if p.Next != nil {
		label, nextMin := p.Next.Label, p.Next.Min.String()
		dto.NextLabel, dto.NextMin = &label, &nextMin
	}
	return dto
}

// =============================================================================
// JOBS AND SCENARIOS
// =============================================================================

type JobDTO struct {
	Name        string `json:"name"`
	Period      string `json:"period"` // "day" or "month"
	Scheduled   bool   `json:"scheduled"`
	Description string `json:"description"`
}

type JobRunDTO struct {
	ID          string  `json:"id"`
	Job         string  `json:"job"`
	Period      string  `json:"period"`
	Status      string  `json:"status"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

func toJobRunDTO(r generic.JobRun) JobRunDTO {
	dto := JobRunDTO{
		ID:        r.ID,
		Job:       r.Job,
		Period:    r.PeriodKey.String(),
		Status:    string(r.Status),
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Skipped:   r.Skipped,
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = formatTime(*r.CompletedAt)
	}
	return dto
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResultDTO reports what a demo scenario did and whether the
// outcome matched the documented expectation.
type ScenarioResultDTO struct {
	ID       string            `json:"id"`
	Passed   bool              `json:"passed"`
	Steps    []string          `json:"steps"`
	Balances map[string]string `json:"balances,omitempty"`
	Result   any               `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func formatTime(t time.Time) *string {
	s := t.Format(time.RFC3339)
	return &s
}
