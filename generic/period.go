package generic

import (
	"strings"
	"time"
)

// =============================================================================
// PERIOD KEY - Identifies the calculation window of an entry or job run
// =============================================================================

// PeriodKey is either a day ("2026-03-01") or a month ("2026-03").
// Uniqueness constraints on incentive entries, draw results and job runs are
// keyed on it, so the textual form must never change.
type PeriodKey string

func DayKey(d Day) PeriodKey     { return PeriodKey(d.String()) }
func MonthKey(m Month) PeriodKey { return PeriodKey(m.String()) }

func (k PeriodKey) String() string { return string(k) }

// IsMonth reports whether the key names a whole month.
func (k PeriodKey) IsMonth() bool { return len(k) == len(monthLayout) && strings.Count(string(k), "-") == 1 }

// Day parses a day key.
func (k PeriodKey) Day() (Day, error) { return ParseDay(string(k)) }

// Month parses a month key. A day key yields the month it belongs to.
func (k PeriodKey) Month() (Month, error) {
	if k.IsMonth() {
		return ParseMonth(string(k))
	}
	d, err := ParseDay(string(k))
	if err != nil {
		return Month{}, err
	}
	return d.Month(), nil
}

// =============================================================================
// SCHEDULING HELPERS - Which period a batch run targets
// =============================================================================

// LastCompletedDay is yesterday in loc. Daily jobs run for a day only once
// it is over, so late orders are not missed.
func LastCompletedDay(now time.Time, loc *time.Location) Day {
	return DayOf(now, loc).AddDays(-1)
}

// LastCompletedMonth is the month before the current one in loc.
func LastCompletedMonth(now time.Time, loc *time.Location) Month {
	return MonthOf(now, loc).Prev()
}
