package eventlog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-memory event log used by tests and single-process
// setups.
type MemoryLog struct {
	sync.Mutex
	seq    int64
	events []Event
}

// NewMemoryLog returns an in-memory implementation of Log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append inserts a new entry.
func (l *MemoryLog) Append(_ context.Context, projectID int64, payload Payload) (Event, error) {
	l.Lock()
	defer l.Unlock()

	l.seq++
	event := Event{
		ID:        l.seq,
		Type:      payload.EventType(),
		ProjectID: projectID,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
	l.events = append(l.events, event)

	return event, nil
}

// ByID fetches a single entry, or ErrEventNotFound.
func (l *MemoryLog) ByID(_ context.Context, id int64) (Event, error) {
	l.Lock()
	defer l.Unlock()

	for _, event := range l.events {
		if event.ID == id {
			return event, nil
		}
	}

	return Event{}, ErrEventNotFound
}

// After returns up to limit entries with IDs greater than afterID.
func (l *MemoryLog) After(_ context.Context, afterID int64, limit int) ([]Event, error) {
	l.Lock()
	defer l.Unlock()

	var events []Event
	for _, event := range l.events {
		if event.ID <= afterID {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}

	return events, nil
}
