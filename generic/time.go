package generic

import (
	"fmt"
	"time"
	_ "time/tzdata" // vendor timezones must resolve on minimal images
)

// =============================================================================
// DAY - Civil calendar date (no time of day, no zone)
// =============================================================================

// Day is a calendar date. It only turns into an instant range once a
// location is supplied, so the same Day can be evaluated in the server
// timezone (incentives) or the vendor's reporting timezone (rental income).
type Day struct {
	t time.Time // midnight UTC
}

const dayLayout = "2006-01-02"

func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf returns the calendar day t falls on in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	lt := t.In(loc)
	return NewDay(lt.Year(), lt.Month(), lt.Day())
}

func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return Day{t: t}, nil
}

// Comparison
func (d Day) Before(o Day) bool { return d.t.Before(o.t) }
func (d Day) After(o Day) bool  { return d.t.After(o.t) }
func (d Day) Equal(o Day) bool  { return d.t.Equal(o.t) }
func (d Day) IsZero() bool      { return d.t.IsZero() }

// Arithmetic
func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n)} }

// Properties
func (d Day) Year() int               { return d.t.Year() }
func (d Day) MonthOfYear() time.Month { return d.t.Month() }
func (d Day) DayOfMonth() int         { return d.t.Day() }
func (d Day) Month() Month            { return NewMonth(d.t.Year(), d.t.Month()) }
func (d Day) String() string          { return d.t.Format(dayLayout) }

// Range returns the half-open instant range [start, end) covering the day
// in loc. DST transitions make some days 23 or 25 hours long.
func (d Day) Range(loc *time.Location) (time.Time, time.Time) {
	start := time.Date(d.t.Year(), d.t.Month(), d.t.Day(), 0, 0, 0, 0, loc)
	end := time.Date(d.t.Year(), d.t.Month(), d.t.Day()+1, 0, 0, 0, 0, loc)
	return start, end
}

// Contains reports whether instant t falls on this day in loc.
func (d Day) Contains(t time.Time, loc *time.Location) bool {
	start, end := d.Range(loc)
	return !t.Before(start) && t.Before(end)
}

func (d Day) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Day) UnmarshalText(b []byte) error {
	parsed, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// MONTH - Calendar month
// =============================================================================

type Month struct {
	year  int
	month time.Month
}

const monthLayout = "2006-01"

func NewMonth(year int, month time.Month) Month {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Month{year: t.Year(), month: t.Month()}
}

// MonthOf returns the calendar month t falls in, evaluated in loc.
func MonthOf(t time.Time, loc *time.Location) Month {
	lt := t.In(loc)
	return NewMonth(lt.Year(), lt.Month())
}

func ParseMonth(s string) (Month, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return NewMonth(t.Year(), t.Month()), nil
}

func (m Month) Year() int               { return m.year }
func (m Month) MonthOfYear() time.Month { return m.month }
func (m Month) IsZero() bool            { return m.year == 0 && m.month == 0 }
func (m Month) FirstDay() Day           { return NewDay(m.year, m.month, 1) }
func (m Month) LastDay() Day            { return m.Next().FirstDay().AddDays(-1) }
func (m Month) Next() Month             { return NewMonth(m.year, m.month+1) }
func (m Month) Prev() Month             { return NewMonth(m.year, m.month-1) }
func (m Month) Equal(o Month) bool      { return m.year == o.year && m.month == o.month }

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.year, int(m.month))
}

// NumDays is the calendar length of the month (28..31).
func (m Month) NumDays() int { return m.LastDay().DayOfMonth() }

// Days lists every day of the month in order.
func (m Month) Days() []Day {
	days := make([]Day, 0, 31)
	for d := m.FirstDay(); d.Month().Equal(m); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// Contains reports whether day d belongs to the month.
func (m Month) Contains(d Day) bool { return d.Month().Equal(m) }

// Range returns [start, end) of the month in loc.
func (m Month) Range(loc *time.Location) (time.Time, time.Time) {
	start := time.Date(m.year, m.month, 1, 0, 0, 0, 0, loc)
	end := time.Date(m.year, m.month+1, 1, 0, 0, 0, 0, loc)
	return start, end
}

func (m Month) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Month) UnmarshalText(b []byte) error {
	parsed, err := ParseMonth(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// LOCATION HELPERS
// =============================================================================

// LoadLocation resolves an IANA name, falling back to fallback when the name
// is empty. An unknown name is an error, never a silent fallback.
func LoadLocation(name string, fallback *time.Location) (*time.Location, error) {
	if name == "" {
		if fallback == nil {
			return time.UTC, nil
		}
		return fallback, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return loc, nil
}
