package datastore

import (
	"context"
	"sync"
	"time"
)

type registryKey struct {
	entityID int64
	kind     Kind
}

// MemoryRegistryStore is an in-memory RegistryStore used by tests and
// single-process setups.
type MemoryRegistryStore struct {
	sync.Mutex
	entries map[registryKey]RegistryEntry
}

// NewMemoryRegistryStore returns an in-memory implementation of RegistryStore.
func NewMemoryRegistryStore() *MemoryRegistryStore {
	return &MemoryRegistryStore{entries: map[registryKey]RegistryEntry{}}
}

// Get returns the entry for the entity, or ErrNotFound.
func (s *MemoryRegistryStore) Get(_ context.Context, entityID int64, kind Kind) (RegistryEntry, error) {
	s.Lock()
	defer s.Unlock()

	entry, ok := s.entries[registryKey{entityID, kind}]
	if !ok {
		return RegistryEntry{}, ErrNotFound
	}
	return entry, nil
}

// StartSync creates the entry if needed and records the attempt start.
func (s *MemoryRegistryStore) StartSync(_ context.Context, entityID int64, kind Kind, startedAt time.Time) (RegistryEntry, error) {
	s.Lock()
	defer s.Unlock()

	key := registryKey{entityID, kind}
	entry, ok := s.entries[key]
	if !ok {
		entry = RegistryEntry{EntityID: entityID, Kind: kind}
	}

	startedAt = startedAt.UTC()
	entry.LastSyncedAt = &startedAt
	s.entries[key] = entry

	return entry, nil
}

// FinishSync records the attempt outcome.
func (s *MemoryRegistryStore) FinishSync(_ context.Context, entityID int64, kind Kind, finishedAt time.Time, success bool, retryAt time.Time) error {
	s.Lock()
	defer s.Unlock()

	key := registryKey{entityID, kind}
	entry, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}

	if success {
		finishedAt = finishedAt.UTC()
		entry.LastSuccessfulSyncAt = &finishedAt
		entry.RetryCount = nil
		entry.RetryAt = nil
		entry.ForceRedownload = false
	} else {
		count := entry.Retries() + 1
		retryAt = retryAt.UTC()
		entry.RetryCount = &count
		entry.RetryAt = &retryAt
	}

	s.entries[key] = entry
	return nil
}

// ScheduleRedownload flags the entity for a forced redownload.
func (s *MemoryRegistryStore) ScheduleRedownload(_ context.Context, entityID int64, kind Kind) error {
	s.Lock()
	defer s.Unlock()

	key := registryKey{entityID, kind}
	entry, ok := s.entries[key]
	if !ok {
		entry = RegistryEntry{EntityID: entityID, Kind: kind}
	}

	entry.ForceRedownload = true
	entry.RetryCount = nil
	entry.RetryAt = nil
	s.entries[key] = entry

	return nil
}

// Reset clears the counters so the next trigger starts a fresh cycle.
func (s *MemoryRegistryStore) Reset(_ context.Context, entityID int64, kind Kind) error {
	s.Lock()
	defer s.Unlock()

	key := registryKey{entityID, kind}
	entry, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}

	entry.RetryCount = nil
	entry.RetryAt = nil
	entry.ForceRedownload = false
	s.entries[key] = entry

	return nil
}

// Delete removes the entry.
func (s *MemoryRegistryStore) Delete(_ context.Context, entityID int64, kind Kind) error {
	s.Lock()
	defer s.Unlock()

	delete(s.entries, registryKey{entityID, kind})
	return nil
}

// MemoryUpdateQueue is an in-memory UpdateQueue used by tests and
// single-process setups.
type MemoryUpdateQueue struct {
	sync.Mutex
	seq    int64
	queued []UpdateJob
}

// NewMemoryUpdateQueue returns an in-memory implementation of UpdateQueue.
func NewMemoryUpdateQueue() *MemoryUpdateQueue {
	return &MemoryUpdateQueue{}
}

// Enqueue appends a notification for the project.
func (q *MemoryUpdateQueue) Enqueue(_ context.Context, projectID int64, cloneURL string) error {
	q.Lock()
	defer q.Unlock()

	q.seq++
	q.queued = append(q.queued, UpdateJob{ID: q.seq, ProjectID: projectID, CloneURL: cloneURL})
	return nil
}

// PopBatch removes and returns up to count of the oldest entries.
func (q *MemoryUpdateQueue) PopBatch(_ context.Context, count int) ([]UpdateJob, error) {
	q.Lock()
	defer q.Unlock()

	if count > len(q.queued) {
		count = len(q.queued)
	}
	if count == 0 {
		return nil, nil
	}

	jobs := make([]UpdateJob, count)
	copy(jobs, q.queued[:count])
	q.queued = q.queued[count:]

	return jobs, nil
}

// Depth returns the number of queued entries.
func (q *MemoryUpdateQueue) Depth(_ context.Context) (int64, error) {
	q.Lock()
	defer q.Unlock()

	return int64(len(q.queued)), nil
}
