// Package datastore provides data models and datastore persistence abstractions
// for tracking the state of repository and file replication between Geo nodes.
package datastore

import (
	"context"
	"errors"
	"time"
)

// Kind is the type of a replicated entity.
type Kind string

const (
	// KindRepository is a project's git repository.
	KindRepository Kind = "repository"
	// KindWiki is a project's wiki repository.
	KindWiki Kind = "wiki"
	// KindFile is an uploaded file (attachment, avatar, LFS object).
	KindFile Kind = "file"
)

// ErrNotFound is returned when no registry entry exists for the requested
// entity.
var ErrNotFound = errors.New("registry entry not found")

// RegistryEntry is the durable per-entity sync state record. One row exists
// per (entity id, kind). Entries are created lazily on the first sync attempt
// and mutated exclusively by the sync driver while it holds the entity lease.
type RegistryEntry struct {
	EntityID int64
	Kind     Kind
	// LastSyncedAt is when the last sync attempt started.
	LastSyncedAt *time.Time
	// LastSuccessfulSyncAt is when the last attempt finished successfully.
	LastSuccessfulSyncAt *time.Time
	// RetryCount is the number of consecutive failed attempts. Nil means the
	// last attempt succeeded or a fresh cycle was started.
	RetryCount *int
	// RetryAt is the earliest time the next attempt should run.
	RetryAt *time.Time
	// ForceRedownload requests a full redownload on the next attempt
	// regardless of the retry count.
	ForceRedownload bool
}

// Retries returns the retry count, treating a nil counter as zero.
func (e RegistryEntry) Retries() int {
	if e.RetryCount == nil {
		return 0
	}
	return *e.RetryCount
}

// RegistryStore persists RegistryEntry records.
type RegistryStore interface {
	// Get returns the entry for the entity, or ErrNotFound.
	Get(ctx context.Context, entityID int64, kind Kind) (RegistryEntry, error)
	// StartSync records the beginning of a sync attempt, creating the entry
	// if it does not exist yet, and returns the entry as of the start.
	StartSync(ctx context.Context, entityID int64, kind Kind, startedAt time.Time) (RegistryEntry, error)
	// FinishSync records the attempt outcome. On success the retry counter,
	// retry-at timestamp and force-redownload flag are cleared and the
	// successful-sync timestamp advances. On failure the retry counter is
	// incremented and retryAt schedules the next attempt.
	FinishSync(ctx context.Context, entityID int64, kind Kind, finishedAt time.Time, success bool, retryAt time.Time) error
	// ScheduleRedownload flags the entity for a forced redownload and starts
	// a fresh retry cycle.
	ScheduleRedownload(ctx context.Context, entityID int64, kind Kind) error
	// Reset clears the entry's counters after the retry limit is exhausted,
	// so the next trigger starts from a clean slate.
	Reset(ctx context.Context, entityID int64, kind Kind) error
	// Delete removes the entry when the entity was removed at the source.
	Delete(ctx context.Context, entityID int64, kind Kind) error
}

// UpdateJob is one queued "this project changed" notification.
type UpdateJob struct {
	ID        int64  `json:"-"`
	ProjectID int64  `json:"id"`
	CloneURL  string `json:"clone_url"`
}

// UpdateQueue is the primary-side FIFO of pending change notifications. It is
// the coarser-grained precursor of the event log and is retained for
// secondaries that have not switched to event log consumption yet.
type UpdateQueue interface {
	// Enqueue appends a notification for the project.
	Enqueue(ctx context.Context, projectID int64, cloneURL string) error
	// PopBatch atomically reads and removes up to count of the oldest
	// entries. Read and trim are one operation so overlapping notifier runs
	// never deliver the same entry twice.
	PopBatch(ctx context.Context, count int) ([]UpdateJob, error)
	// Depth returns the number of queued entries.
	Depth(ctx context.Context) (int64, error)
}
