package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryGapTrackerCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("contiguous sequence records nothing", func(t *testing.T) {
		tracker := NewMemoryGapTracker(NewMemoryLog(), 10*time.Minute, time.Hour)

		for _, id := range []int64{1, 2, 3} {
			require.NoError(t, tracker.Check(ctx, id))
		}

		require.Empty(t, tracker.PendingGaps())

		cursor, err := tracker.Cursor(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(3), cursor)
	})

	t.Run("skipped ids become gaps", func(t *testing.T) {
		tracker := NewMemoryGapTracker(NewMemoryLog(), 10*time.Minute, time.Hour)

		for _, id := range []int64{1, 2, 5, 6} {
			require.NoError(t, tracker.Check(ctx, id))
		}

		require.Equal(t, []int64{3, 4}, tracker.PendingGaps())
	})

	t.Run("first observation starts tracking without gaps", func(t *testing.T) {
		tracker := NewMemoryGapTracker(NewMemoryLog(), 10*time.Minute, time.Hour)

		require.NoError(t, tracker.Check(ctx, 5))
		require.Empty(t, tracker.PendingGaps())

		require.NoError(t, tracker.Check(ctx, 7))
		require.Equal(t, []int64{6}, tracker.PendingGaps())
	})
}

func TestMemoryGapTrackerFillGaps(t *testing.T) {
	ctx := context.Background()

	log := NewMemoryLog()
	for i := 0; i < 6; i++ {
		_, err := log.Append(ctx, int64(i+1), &RepositoryUpdated{Source: SourceRepository})
		require.NoError(t, err)
	}

	grace := 10 * time.Minute
	outdated := time.Hour

	tracker := NewMemoryGapTracker(log, grace, outdated)

	current := time.Now()
	tracker.now = func() time.Time { return current }

	for _, id := range []int64{1, 2, 5, 6} {
		require.NoError(t, tracker.Check(ctx, id))
	}

	var handled []int64
	handler := func(event Event) error {
		handled = append(handled, event.ID)
		return nil
	}

	// Before the grace period elapses no gap is eligible.
	require.NoError(t, tracker.FillGaps(ctx, handler))
	require.Empty(t, handled)
	require.Equal(t, []int64{3, 4}, tracker.PendingGaps())

	current = current.Add(grace + time.Second)

	require.NoError(t, tracker.FillGaps(ctx, handler))
	require.Equal(t, []int64{3, 4}, handled)
	require.Empty(t, tracker.PendingGaps())
}

func TestMemoryGapTrackerOutdatedPurge(t *testing.T) {
	ctx := context.Background()

	// The log never receives events 3 and 4, so the gaps cannot fill.
	log := NewMemoryLog()
	grace := 10 * time.Minute
	outdated := time.Hour

	tracker := NewMemoryGapTracker(log, grace, outdated)

	current := time.Now()
	tracker.now = func() time.Time { return current }

	for _, id := range []int64{2, 5} {
		require.NoError(t, tracker.Check(ctx, id))
	}
	require.Equal(t, []int64{3, 4}, tracker.PendingGaps())

	current = current.Add(grace + time.Second)
	require.NoError(t, tracker.FillGaps(ctx, func(Event) error { return nil }))
	require.Equal(t, []int64{3, 4}, tracker.PendingGaps(), "missing events stay pending inside the outdated window")

	current = current.Add(outdated)
	require.NoError(t, tracker.FillGaps(ctx, func(Event) error { return nil }))
	require.Empty(t, tracker.PendingGaps(), "gaps past the outdated window are abandoned")
}

func TestMemoryGapTrackerFailedHandlerKeepsGap(t *testing.T) {
	ctx := context.Background()

	log := NewMemoryLog()
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, int64(i+1), &RepositoryUpdated{Source: SourceRepository})
		require.NoError(t, err)
	}

	tracker := NewMemoryGapTracker(log, time.Minute, time.Hour)

	current := time.Now()
	tracker.now = func() time.Time { return current }

	require.NoError(t, tracker.Check(ctx, 1))
	require.NoError(t, tracker.Check(ctx, 3))

	current = current.Add(2 * time.Minute)

	require.NoError(t, tracker.FillGaps(ctx, func(Event) error { return context.DeadlineExceeded }))
	require.Equal(t, []int64{2}, tracker.PendingGaps(), "a failed handler leaves the gap pending")
}
