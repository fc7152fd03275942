package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-ledger/generic"
)

func TestDay_RangeInLocation(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	day := generic.NewDay(2026, time.March, 1)
	start, end := day.Range(kolkata)

	assert.Equal(t, "2026-02-28T18:30:00Z", start.UTC().Format(time.RFC3339))
	assert.Equal(t, 24*time.Hour, end.Sub(start))

	// 00:10 IST on March 2nd is still March 1st in UTC.
	assert.True(t, day.Contains(time.Date(2026, time.March, 1, 23, 59, 0, 0, kolkata), kolkata))
	assert.False(t, day.Contains(time.Date(2026, time.March, 2, 0, 10, 0, 0, kolkata), kolkata))
}

func TestMonth_DaysAndNavigation(t *testing.T) {
	feb, err := generic.ParseMonth("2026-02")
	require.NoError(t, err)

	assert.Equal(t, 28, feb.NumDays())
	assert.Len(t, feb.Days(), 28)
	assert.Equal(t, "2026-01", feb.Prev().String())
	assert.Equal(t, "2026-03", feb.Next().String())
	assert.Equal(t, "2025-12", generic.NewMonth(2026, time.January).Prev().String())
	assert.True(t, feb.Contains(generic.NewDay(2026, time.February, 28)))
	assert.False(t, feb.Contains(generic.NewDay(2026, time.March, 1)))
}

func TestPeriodKey(t *testing.T) {
	day := generic.DayKey(generic.NewDay(2026, time.March, 1))
	month := generic.MonthKey(generic.NewMonth(2026, time.March))

	assert.False(t, day.IsMonth())
	assert.True(t, month.IsMonth())

	m, err := day.Month()
	require.NoError(t, err)
	assert.Equal(t, "2026-03", m.String())
}

func TestLastCompletedPeriods(t *testing.T) {
	now := time.Date(2026, time.April, 1, 0, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-31", generic.LastCompletedDay(now, time.UTC).String())
	assert.Equal(t, "2026-03", generic.LastCompletedMonth(now, time.UTC).String())
}
