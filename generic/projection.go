package generic

import "github.com/shopspring/decimal"

// =============================================================================
// TIER PROGRESS - "earn ₹X more by reaching Y"
// =============================================================================

// TierProgress describes where a metric sits in a slab set and what the
// next tier would pay.
type TierProgress struct {
	Metric           decimal.Decimal
	Current          Slab
	Next             *Slab           // nil at the top tier
	RemainingMetric  decimal.Decimal // Next.Min - Metric; zero at the top tier
	AdditionalReward Amount          // Next.Reward - Current.Reward; zero at the top tier
}

func (p TierProgress) AtTopTier() bool { return p.Next == nil }

// Progress resolves the current tier and the distance to the next one.
func Progress(set SlabSet, metric decimal.Decimal) (TierProgress, error) {
	current, err := Resolve(set, metric)
	if err != nil {
		return TierProgress{}, err
	}
	next, err := NextTier(set, metric)
	if err != nil {
		return TierProgress{}, err
	}

	m := metric.Truncate(set.Kind.Places())
	progress := TierProgress{
		Metric:           m,
		Current:          current,
		Next:             next,
		RemainingMetric:  decimal.Zero,
		AdditionalReward: ZeroAmount(),
	}
	if next != nil {
		progress.RemainingMetric = next.Min.Sub(m)
		progress.AdditionalReward = next.Reward.Sub(current.Reward)
	}
	return progress, nil
}
