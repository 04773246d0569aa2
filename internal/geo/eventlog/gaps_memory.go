package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryGapTracker is an in-process GapTracker used by tests and single-node
// setups.
type MemoryGapTracker struct {
	mtx        sync.Mutex
	events     Log
	previousID int64
	pending    map[int64]time.Time
	grace      time.Duration
	outdated   time.Duration
	// now is swappable so tests can control the grace and outdated windows.
	now func() time.Time
}

// NewMemoryGapTracker returns an in-memory implementation of GapTracker.
func NewMemoryGapTracker(events Log, grace, outdated time.Duration) *MemoryGapTracker {
	return &MemoryGapTracker{
		events:   events,
		pending:  map[int64]time.Time{},
		grace:    grace,
		outdated: outdated,
		now:      time.Now,
	}
}

// Check records gaps behind currentID and advances the cursor.
func (t *MemoryGapTracker) Check(_ context.Context, currentID int64) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.previousID > 0 {
		for id := t.previousID + 1; id < currentID; id++ {
			if _, ok := t.pending[id]; !ok {
				t.pending[id] = t.now()
			}
		}
	}

	t.previousID = currentID
	return nil
}

// FillGaps runs one backfill pass.
func (t *MemoryGapTracker) FillGaps(ctx context.Context, handler GapHandler) error {
	t.mtx.Lock()
	now := t.now()

	var fillable []int64
	for id, recordedAt := range t.pending {
		switch {
		case now.Sub(recordedAt) > t.outdated:
			delete(t.pending, id)
		case now.Sub(recordedAt) > t.grace:
			fillable = append(fillable, id)
		}
	}
	t.mtx.Unlock()

	sort.Slice(fillable, func(i, j int) bool { return fillable[i] < fillable[j] })

	for _, id := range fillable {
		event, err := t.events.ByID(ctx, id)
		if err == ErrEventNotFound {
			continue
		}
		if err != nil {
			return err
		}

		if err := handler(event); err != nil {
			continue
		}

		t.mtx.Lock()
		delete(t.pending, id)
		t.mtx.Unlock()
	}

	return nil
}

// Cursor returns the last observed event ID.
func (t *MemoryGapTracker) Cursor(context.Context) (int64, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	return t.previousID, nil
}

// PendingGaps returns the IDs currently tracked as missing, in ascending
// order.
func (t *MemoryGapTracker) PendingGaps() []int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	ids := make([]int64, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}
