package incentive

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/warp/incentive-ledger/generic"
)

// =============================================================================
// DRAWS - One uniformly random winner per (kind, period)
// =============================================================================

// UniformPicker draws from the runtime's auto-seeded generator. Fairness
// matters here, reproducibility does not.
func UniformPicker(n int) int { return rand.IntN(n) }

// DrawPrizeKey is the idempotency key of a draw prize credit.
func DrawPrizeKey(kind generic.EntryKind, period generic.PeriodKey) string {
	return fmt.Sprintf("draw:%s:%s", kind, period)
}

// ComputeMonthlyDraw picks the month's winner among draw-eligible monthly
// entries.
func (c *Calculator) ComputeMonthlyDraw(ctx context.Context, month generic.Month) (generic.DrawResult, error) {
	return c.draw(ctx, generic.EntryMonthly, generic.MonthKey(month), c.cfg.MonthlyDrawPrize)
}

// ComputeDailyDraw picks the day's winner among draw-eligible daily entries.
func (c *Calculator) ComputeDailyDraw(ctx context.Context, day generic.Day) (generic.DrawResult, error) {
	return c.draw(ctx, generic.EntryDaily, generic.DayKey(day), c.cfg.DailyDrawPrize)
}

// draw stores the result before crediting the prize. A re-run finds the
// stored result, settles its prize again (a no-op if it was already
// credited) and returns it with an error wrapping ErrAlreadyProcessed.
func (c *Calculator) draw(ctx context.Context, kind generic.EntryKind, period generic.PeriodKey, prize generic.Amount) (generic.DrawResult, error) {
	existing, err := c.store.GetDrawResult(ctx, kind, period)
	switch {
	case err == nil:
		if err := c.settlePrize(ctx, existing); err != nil {
			return existing, err
		}
		return existing, fmt.Errorf("%s draw %s: %w", kind, period, generic.ErrAlreadyProcessed)
	case !errors.Is(err, generic.ErrNotFound):
		return generic.DrawResult{}, err
	}

	candidates, err := c.store.DrawCandidates(ctx, kind, period)
	if err != nil {
		return generic.DrawResult{}, fmt.Errorf("load %s draw candidates: %w", kind, err)
	}
	if len(candidates) == 0 {
		c.log.Info().Str("kind", string(kind)).Str("period", period.String()).Msg("draw has no eligible candidates")
		return generic.DrawResult{}, fmt.Errorf("%s draw %s: %w", kind, period, generic.ErrNoEligibleCandidates)
	}

	i := c.pick(len(candidates))
	if i < 0 || i >= len(candidates) {
		return generic.DrawResult{}, fmt.Errorf("picker returned %d for %d candidates", i, len(candidates))
	}
	winner := candidates[i]

	result, err := c.store.SaveDrawResult(ctx, generic.DrawResult{
		ID:             uuid.NewString(),
		Kind:           kind,
		PeriodKey:      period,
		WinnerID:       winner.ActorID,
		EntryID:        winner.ID,
		CandidateCount: len(candidates),
		PrizeAmount:    prize,
		DrawnAt:        c.now(),
	})
	if err != nil && !errors.Is(err, generic.ErrAlreadyProcessed) {
		return generic.DrawResult{}, fmt.Errorf("save %s draw: %w", kind, err)
	}
	// On a concurrent run the stored result wins, whoever it names.
	if err := c.settlePrize(ctx, result); err != nil {
		return result, err
	}

	c.log.Info().Str("kind", string(kind)).Str("period", period.String()).
		Str("winner", string(result.WinnerID)).Int("candidates", result.CandidateCount).Msg("draw completed")
	return result, nil
}

func (c *Calculator) settlePrize(ctx context.Context, r generic.DrawResult) error {
	if !r.PrizeAmount.IsPositive() {
		return nil
	}
	_, err := c.ledger.Post(ctx, generic.Posting{
		OwnerID:        r.WinnerID,
		Type:           generic.TxCredit,
		Source:         generic.SourceDraw,
		Amount:         r.PrizeAmount,
		Description:    fmt.Sprintf("Winner of the %s draw %s", r.Kind, r.PeriodKey),
		ReferenceID:    r.ID,
		IdempotencyKey: DrawPrizeKey(r.Kind, r.PeriodKey),
	})
	if err != nil && !errors.Is(err, generic.ErrAlreadyProcessed) {
		return fmt.Errorf("credit draw prize to %s: %w", r.WinnerID, err)
	}
	return nil
}
