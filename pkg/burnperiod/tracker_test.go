package burnperiod

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/d1c-labs/settler/pkg/fees"
	"github.com/d1c-labs/settler/pkg/logger"
	"github.com/d1c-labs/settler/pkg/postgres/postgrestest"
)

func testTracker(t *testing.T, clock clockwork.Clock, cap uint64) *Tracker {
	t.Helper()
	pool := postgrestest.NewPool(t, sharedDB)

	_, err := pool.Exec(t.Context(), `TRUNCATE burn_periods RESTART IDENTITY`)
	require.NoError(t, err)

	tracker, err := NewTracker(Config{
		Logger:        logger.NewTest(),
		Clock:         clock,
		Pool:          pool,
		AnnualBurnCap: cap,
	})
	require.NoError(t, err)
	return tracker
}

func TestSettler_BurnPeriod_NewTracker(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		tracker, err := NewTracker(Config{})
		require.Error(t, err)
		require.Nil(t, tracker)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing cap", func(t *testing.T) {
		t.Parallel()
		pool := postgrestest.NewPool(t, sharedDB)
		tracker, err := NewTracker(Config{
			Logger: logger.NewTest(),
			Pool:   pool,
		})
		require.Error(t, err)
		require.Nil(t, tracker)
		require.Contains(t, err.Error(), "annual burn cap is required")
	})
}

func TestSettler_BurnPeriod_CurrentPeriod(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	tracker := testTracker(t, clock, 100_000*fees.OneToken)

	p, err := tracker.CurrentPeriod(ctx)
	require.NoError(t, err)
	require.Equal(t, start, p.PeriodStartAt.UTC())
	require.Zero(t, p.BurnedAmount)

	t.Run("stable within the year", func(t *testing.T) {
		clock.Advance(364 * 24 * time.Hour)
		again, err := tracker.CurrentPeriod(ctx)
		require.NoError(t, err)
		require.Equal(t, p.ID, again.ID)
	})

	t.Run("rolls to the anniversary after a year", func(t *testing.T) {
		clock.Advance(2 * 24 * time.Hour)
		next, err := tracker.CurrentPeriod(ctx)
		require.NoError(t, err)
		require.NotEqual(t, p.ID, next.ID)
		require.Equal(t, start.AddDate(1, 0, 0), next.PeriodStartAt.UTC())
		require.Zero(t, next.BurnedAmount)
	})

	t.Run("skips missed years to the covering anniversary", func(t *testing.T) {
		clock.Advance(3 * 366 * 24 * time.Hour)
		far, err := tracker.CurrentPeriod(ctx)
		require.NoError(t, err)
		require.Equal(t, start.AddDate(4, 0, 0), far.PeriodStartAt.UTC())
	})
}

func TestSettler_BurnPeriod_Admit(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC))
	cap := 10 * fees.OneToken
	tracker := testTracker(t, clock, cap)

	ok, err := tracker.CanAdmit(ctx, 6*fees.OneToken)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tracker.Admit(ctx, 6*fees.OneToken))

	p, err := tracker.CurrentPeriod(ctx)
	require.NoError(t, err)
	require.Equal(t, 6*fees.OneToken, p.BurnedAmount)

	t.Run("rejects past the cap", func(t *testing.T) {
		ok, err := tracker.CanAdmit(ctx, 5*fees.OneToken)
		require.NoError(t, err)
		require.False(t, ok)

		err = tracker.Admit(ctx, 5*fees.OneToken)
		require.ErrorIs(t, err, ErrCapExceeded)

		p, err := tracker.CurrentPeriod(ctx)
		require.NoError(t, err)
		require.Equal(t, 6*fees.OneToken, p.BurnedAmount)
	})

	t.Run("admits exactly up to the cap", func(t *testing.T) {
		require.NoError(t, tracker.Admit(ctx, 4*fees.OneToken))

		ok, err := tracker.CanAdmit(ctx, 1)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("zero is a no-op", func(t *testing.T) {
		require.NoError(t, tracker.Admit(ctx, 0))
	})

	t.Run("new period resets the budget", func(t *testing.T) {
		clock.Advance(367 * 24 * time.Hour)
		ok, err := tracker.CanAdmit(ctx, cap)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tracker.Admit(ctx, 3*fees.OneToken))

		p, err := tracker.CurrentPeriod(ctx)
		require.NoError(t, err)
		require.Equal(t, 3*fees.OneToken, p.BurnedAmount)
	})
}

func TestSettler_BurnPeriod_RequestAboveCap(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC))
	tracker := testTracker(t, clock, fees.OneToken)

	ok, err := tracker.CanAdmit(ctx, 2*fees.OneToken)
	require.NoError(t, err)
	require.False(t, ok)
}
