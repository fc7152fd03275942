package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/incentive"
)

func TestRunner_DefaultPeriod(t *testing.T) {
	a := newTestAPI(t)
	r := NewRunner(a.svc)

	daily, ok := lookupJob(incentive.JobDailyIncentive)
	require.True(t, ok)
	monthly, ok := lookupJob(incentive.JobMonthlyIncentive)
	require.True(t, ok)

	// testNow is 2025-03-15 10:00 UTC
	assert.Equal(t, generic.PeriodKey("2025-03-14"), r.DefaultPeriod(daily))
	assert.Equal(t, generic.PeriodKey("2025-02"), r.DefaultPeriod(monthly))
}

func TestRunner_MonthlyJobAcceptsADay(t *testing.T) {
	a := newTestAPI(t)

	run, err := NewRunner(a.svc).Run(context.Background(), incentive.JobMonthlyIncentive, "2025-02-17")

	require.NoError(t, err)
	assert.Equal(t, generic.PeriodKey("2025-02"), run.PeriodKey)
	assert.Equal(t, generic.JobCompleted, run.Status)
}

func TestRunner_RunOnceSkipsCompletedPeriod(t *testing.T) {
	a := newTestAPI(t)
	r := NewRunner(a.svc)
	ctx := context.Background()

	// GIVEN: A completed run for the period
	first, err := r.RunOnce(ctx, incentive.JobDailyIncentive, "2025-03-14")
	require.NoError(t, err)

	// WHEN: It is asked for again
	second, err := r.RunOnce(ctx, incentive.JobDailyIncentive, "2025-03-14")

	// THEN: The stored run is returned and nothing executes
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)
	assert.Equal(t, first.ID, second.ID)

	// A manual Run always executes
	third, err := r.Run(ctx, incentive.JobDailyIncentive, "2025-03-14")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestRunner_DrawWithoutCandidatesCompletes(t *testing.T) {
	a := newTestAPI(t)

	run, err := NewRunner(a.svc).Run(context.Background(), incentive.JobDailyDraw, "2025-03-14")

	require.NoError(t, err)
	assert.Equal(t, generic.JobCompleted, run.Status)
	assert.NotEmpty(t, run.Error)
}

func TestRunner_MissingSlabSetFailsRun(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, a.svc.Store.SaveVendor(ctx, generic.Vendor{ID: "vendor-1", Name: "V"}))
	// An invalid rental set stored behind the validator's back
	require.NoError(t, a.svc.Store.SaveSlabSet(ctx, generic.SlabSet{Name: generic.SlabSetRental, Kind: generic.SlabVolume}))

	run, err := NewRunner(a.svc).Run(ctx, "rental-income", "2025-02")

	assert.ErrorIs(t, err, generic.ErrConfiguration)
	assert.Equal(t, generic.JobFailed, run.Status)

	stored, getErr := a.svc.Store.GetJobRun(ctx, "rental-income", "2025-02")
	require.NoError(t, getErr)
	assert.Equal(t, generic.JobFailed, stored.Status)
}

func TestRunner_RunOnceRetriesPartialRun(t *testing.T) {
	a := newTestAPI(t)
	r := NewRunner(a.svc)
	ctx := context.Background()

	// GIVEN: Two vendors, one whose timezone cannot be loaded
	require.NoError(t, a.svc.Store.SaveVendor(ctx, generic.Vendor{ID: "ok", Name: "Ok"}))
	require.NoError(t, a.svc.Store.SaveVendor(ctx, generic.Vendor{ID: "broken", Name: "Broken", Timezone: "Not/AZone"}))

	// WHEN: The monthly rental calc runs for the period
	first, err := r.RunOnce(ctx, "rental-income", "2025-02")

	// THEN: The run is partial, not completed
	require.NoError(t, err)
	assert.Equal(t, generic.JobPartial, first.Status)
	assert.Equal(t, 1, first.Succeeded)
	assert.Equal(t, 1, first.Failed)
	assert.Contains(t, first.Error, "1 of 2 items failed")

	// AND: Once the vendor is fixed, the next RunOnce executes again
	require.NoError(t, a.svc.Store.SaveVendor(ctx, generic.Vendor{ID: "broken", Name: "Broken", Timezone: "Asia/Kolkata"}))
	second, err := r.RunOnce(ctx, "rental-income", "2025-02")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, generic.JobCompleted, second.Status)
	assert.Equal(t, 0, second.Failed)

	_, err = r.RunOnce(ctx, "rental-income", "2025-02")
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)
}

func TestScheduler_TickRunsEachScheduledJobOnce(t *testing.T) {
	a := newTestAPI(t)
	s := NewScheduler(NewRunner(a.svc), SchedulerOptions{Interval: time.Hour, Logger: zerolog.Nop()})
	ctx := context.Background()

	scheduled := 0
	for _, j := range Jobs() {
		if j.Scheduled {
			scheduled++
		}
	}

	first := s.Tick(ctx)
	second := s.Tick(ctx)

	assert.Len(t, first.Ran, scheduled)
	assert.Empty(t, first.Failed)
	assert.Empty(t, second.Ran)
	assert.Len(t, second.Skipped, scheduled)
}

func TestScheduler_StartStop(t *testing.T) {
	a := newTestAPI(t)
	s := NewScheduler(NewRunner(a.svc), SchedulerOptions{Interval: time.Hour, Logger: zerolog.Nop()})

	s.Start()
	s.Start()

	// The first pass runs immediately on start
	require.Eventually(t, func() bool {
		runs, err := a.svc.Store.ListJobRuns(context.Background(), generic.Page{})
		return err == nil && len(runs) > 0
	}, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}
