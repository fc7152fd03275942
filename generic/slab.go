/*
slab.go - Tier (slab) resolution

PURPOSE:
  Maps a metric (entry count, monthly volume) to a reward tier. Every
  calculator goes through Resolve; nothing else in the engine picks a slab.

KEY CONCEPTS:
  - Slab: one contiguous metric range [Min, Max] with a fixed reward
  - SlabSet: named, admin-authored list of slabs of a single kind
  - SlabKind: entry_count (whole entries) or volume (paise)

PARTITION RULES (checked by Validate):
  1. At least one slab, all of the set's kind
  2. Sorted ascending by Min, no overlap and no gap: next.Min = prev.Max + unit
  3. Exactly one unbounded tier (Max == nil) and it is the last one
  4. No negative Min or Reward, bounds expressed at the kind's granularity

RESOLUTION ORDER:
  The metric is truncated to the kind's granularity and matched forward
  against [Min, Max]. On a valid set the match is unique. A metric below
  the first Min resolves to the zero-reward below_minimum sentinel.

EXAMPLE:
  daily := SlabSet{Name: "daily", Kind: SlabEntryCount, Slabs: []Slab{
      {Min: d("0"), Max: ptr("49"), Reward: inr(0)},
      {Min: d("50"), Max: ptr("99"), Reward: inr(20)},
      {Min: d("100"), Reward: inr(50)},
  }}
  slab, _ := Resolve(daily, decimal.NewFromInt(75)) // reward 20

SEE ALSO:
  - projection.go: NextTier-based progress
  - factory/program.go: parses admin JSON/YAML into SlabSets
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SLAB KIND
// =============================================================================

type SlabKind string

const (
	SlabEntryCount SlabKind = "entry_count"
	SlabVolume     SlabKind = "volume"
)

// Places is the granularity metrics of this kind are truncated to.
func (k SlabKind) Places() int32 {
	if k == SlabVolume {
		return MoneyPlaces
	}
	return 0
}

// Unit is the smallest representable step: 1 entry or 0.01 rupee.
func (k SlabKind) Unit() decimal.Decimal {
	return decimal.New(1, -k.Places())
}

func (k SlabKind) Valid() bool { return k == SlabEntryCount || k == SlabVolume }

// Well-known slab set names.
const (
	SlabSetDaily   = "daily"
	SlabSetMonthly = "monthly"
	SlabSetRental  = "rental"
)

// BelowMinimumLabel is the label of the sentinel slab returned for metrics
// under the first tier.
const BelowMinimumLabel = "below_minimum"

// =============================================================================
// SLAB / SLAB SET
// =============================================================================

type Slab struct {
	Min    decimal.Decimal
	Max    *decimal.Decimal // nil = unbounded
	Reward Amount
	Label  string
	Kind   SlabKind // empty inherits the set kind
}

func (s Slab) IsUnbounded() bool { return s.Max == nil }

// IsBelowMinimum reports whether s is the zero-reward sentinel.
func (s Slab) IsBelowMinimum() bool { return s.Label == BelowMinimumLabel && s.Reward.IsZero() }

// Contains reports whether metric is inside [Min, Max].
func (s Slab) Contains(metric decimal.Decimal) bool {
	if metric.LessThan(s.Min) {
		return false
	}
	return s.Max == nil || metric.LessThanOrEqual(*s.Max)
}

type SlabSet struct {
	Name  string
	Kind  SlabKind
	Slabs []Slab
}

func (set SlabSet) configError(format string, args ...any) error {
	return &ConfigurationError{Subject: "slab set " + set.Name, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the partition rules. It is run before every resolution
// and before admin edits are saved.
func (set SlabSet) Validate() error {
	if !set.Kind.Valid() {
		return set.configError("unknown kind %q", set.Kind)
	}
	if len(set.Slabs) == 0 {
		return set.configError("no slabs")
	}

	places := set.Kind.Places()
	unit := set.Kind.Unit()
	last := len(set.Slabs) - 1

	for i, s := range set.Slabs {
		if s.Kind != "" && s.Kind != set.Kind {
			return set.configError("slab %d has kind %q, set is %q", i, s.Kind, set.Kind)
		}
		if s.Min.IsNegative() {
			return set.configError("slab %d has negative min %s", i, s.Min)
		}
		if s.Reward.IsNegative() {
			return set.configError("slab %d has negative reward %s", i, s.Reward)
		}
		if !s.Min.Equal(s.Min.Truncate(places)) {
			return set.configError("slab %d min %s is finer than the %s granularity", i, s.Min, set.Kind)
		}

		if s.Max == nil {
			if i != last {
				return set.configError("slab %d is unbounded but not last", i)
			}
			continue
		}
		if i == last {
			return set.configError("last slab must be unbounded")
		}
		if !s.Max.Equal(s.Max.Truncate(places)) {
			return set.configError("slab %d max %s is finer than the %s granularity", i, *s.Max, set.Kind)
		}
		if s.Max.LessThan(s.Min) {
			return set.configError("slab %d max %s is below min %s", i, *s.Max, s.Min)
		}

		next := set.Slabs[i+1]
		expected := s.Max.Add(unit)
		switch {
		case next.Min.LessThan(s.Min):
			return set.configError("slabs not sorted at %d", i+1)
		case next.Min.LessThan(expected):
			return set.configError("slab %d overlaps slab %d", i+1, i)
		case next.Min.GreaterThan(expected):
			return set.configError("gap between slab %d and %d (%s..%s)", i, i+1, expected, next.Min)
		}
	}
	return nil
}

func (set SlabSet) normalize(metric decimal.Decimal) (decimal.Decimal, error) {
	if metric.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidMetric, metric)
	}
	return metric.Truncate(set.Kind.Places()), nil
}

func (set SlabSet) belowMinimum() Slab {
	first := set.Slabs[0]
	ceiling := first.Min.Sub(set.Kind.Unit())
	return Slab{
		Min:    decimal.Zero,
		Max:    &ceiling,
		Reward: ZeroAmount(),
		Label:  BelowMinimumLabel,
		Kind:   set.Kind,
	}
}

func (set SlabSet) withKind(s Slab) Slab {
	if s.Kind == "" {
		s.Kind = set.Kind
	}
	return s
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolve returns the unique slab containing metric.
func Resolve(set SlabSet, metric decimal.Decimal) (Slab, error) {
	if err := set.Validate(); err != nil {
		return Slab{}, err
	}
	m, err := set.normalize(metric)
	if err != nil {
		return Slab{}, err
	}
	if m.LessThan(set.Slabs[0].Min) {
		return set.belowMinimum(), nil
	}
	for _, s := range set.Slabs {
		if s.Contains(m) {
			return set.withKind(s), nil
		}
	}
	// Unreachable on a validated set.
	return Slab{}, set.configError("no slab contains %s", m)
}

// NextTier returns the smallest slab whose Min exceeds metric, or nil when
// metric is already in the top tier.
func NextTier(set SlabSet, metric decimal.Decimal) (*Slab, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	m, err := set.normalize(metric)
	if err != nil {
		return nil, err
	}
	for _, s := range set.Slabs {
		if s.Min.GreaterThan(m) {
			next := set.withKind(s)
			return &next, nil
		}
	}
	return nil, nil
}
