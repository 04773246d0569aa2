package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

// PostgresRegistryStore is the Postgres backed RegistryStore. All mutations
// are single statements; the caller's lease is the only lock required.
type PostgresRegistryStore struct {
	db glsql.Querier
}

// NewPostgresRegistryStore returns a RegistryStore persisting to Postgres.
func NewPostgresRegistryStore(db glsql.Querier) *PostgresRegistryStore {
	return &PostgresRegistryStore{db: db}
}

func scanRegistryEntry(scan func(dest ...interface{}) error) (RegistryEntry, error) {
	var entry RegistryEntry
	var lastSynced, lastSuccessful, retryAt sql.NullTime
	var retryCount sql.NullInt64

	if err := scan(&entry.EntityID, &entry.Kind, &lastSynced, &lastSuccessful, &retryCount, &retryAt, &entry.ForceRedownload); err != nil {
		return RegistryEntry{}, err
	}

	if lastSynced.Valid {
		entry.LastSyncedAt = &lastSynced.Time
	}
	if lastSuccessful.Valid {
		entry.LastSuccessfulSyncAt = &lastSuccessful.Time
	}
	if retryCount.Valid {
		count := int(retryCount.Int64)
		entry.RetryCount = &count
	}
	if retryAt.Valid {
		entry.RetryAt = &retryAt.Time
	}

	return entry, nil
}

// Get returns the entry for the entity, or ErrNotFound.
func (s *PostgresRegistryStore) Get(ctx context.Context, entityID int64, kind Kind) (RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, kind, last_synced_at, last_successful_sync_at, retry_count, retry_at, force_redownload
		FROM project_registry
		WHERE entity_id = $1 AND kind = $2`,
		entityID, string(kind),
	)

	entry, err := scanRegistryEntry(row.Scan)
	if err == sql.ErrNoRows {
		return RegistryEntry{}, ErrNotFound
	}
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("get registry entry: %w", err)
	}

	return entry, nil
}

// StartSync creates the entry if needed and records the attempt start.
func (s *PostgresRegistryStore) StartSync(ctx context.Context, entityID int64, kind Kind, startedAt time.Time) (RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO project_registry (entity_id, kind, last_synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, kind)
			DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at
		RETURNING entity_id, kind, last_synced_at, last_successful_sync_at, retry_count, retry_at, force_redownload`,
		entityID, string(kind), startedAt.UTC(),
	)

	entry, err := scanRegistryEntry(row.Scan)
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("start sync: %w", err)
	}

	return entry, nil
}

// FinishSync records the attempt outcome.
func (s *PostgresRegistryStore) FinishSync(ctx context.Context, entityID int64, kind Kind, finishedAt time.Time, success bool, retryAt time.Time) error {
	var err error
	if success {
		_, err = s.db.ExecContext(ctx, `
			UPDATE project_registry
			SET last_successful_sync_at = $3,
			    retry_count = NULL,
			    retry_at = NULL,
			    force_redownload = FALSE
			WHERE entity_id = $1 AND kind = $2`,
			entityID, string(kind), finishedAt.UTC(),
		)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE project_registry
			SET retry_count = COALESCE(retry_count, 0) + 1,
			    retry_at = $3
			WHERE entity_id = $1 AND kind = $2`,
			entityID, string(kind), retryAt.UTC(),
		)
	}

	if err != nil {
		return fmt.Errorf("finish sync: %w", err)
	}
	return nil
}

// ScheduleRedownload flags the entity for a forced redownload. The retry
// counter is cleared: the redownload cycle starts counting fresh.
func (s *PostgresRegistryStore) ScheduleRedownload(ctx context.Context, entityID int64, kind Kind) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO project_registry (entity_id, kind, force_redownload)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (entity_id, kind)
			DO UPDATE SET force_redownload = TRUE, retry_count = NULL, retry_at = NULL`,
		entityID, string(kind),
	); err != nil {
		return fmt.Errorf("schedule redownload: %w", err)
	}
	return nil
}

// Reset clears the counters so the next trigger starts a fresh cycle.
func (s *PostgresRegistryStore) Reset(ctx context.Context, entityID int64, kind Kind) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE project_registry
		SET retry_count = NULL, retry_at = NULL, force_redownload = FALSE
		WHERE entity_id = $1 AND kind = $2`,
		entityID, string(kind),
	); err != nil {
		return fmt.Errorf("reset registry entry: %w", err)
	}
	return nil
}

// Delete removes the entry.
func (s *PostgresRegistryStore) Delete(ctx context.Context, entityID int64, kind Kind) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM project_registry WHERE entity_id = $1 AND kind = $2`,
		entityID, string(kind),
	); err != nil {
		return fmt.Errorf("delete registry entry: %w", err)
	}
	return nil
}

// PostgresUpdateQueue is the Postgres backed UpdateQueue.
type PostgresUpdateQueue struct {
	db glsql.Querier
}

// NewPostgresUpdateQueue returns an UpdateQueue persisting to Postgres.
func NewPostgresUpdateQueue(db glsql.Querier) *PostgresUpdateQueue {
	return &PostgresUpdateQueue{db: db}
}

// Enqueue appends a notification for the project.
func (q *PostgresUpdateQueue) Enqueue(ctx context.Context, projectID int64, cloneURL string) error {
	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO update_queue (project_id, clone_url) VALUES ($1, $2)`,
		projectID, cloneURL,
	); err != nil {
		return fmt.Errorf("enqueue update: %w", err)
	}
	return nil
}

// PopBatch removes and returns up to count of the oldest entries. The
// DELETE ... RETURNING over a locked sub-select makes read and trim one
// atomic operation, so concurrent notifier runs never share an entry.
func (q *PostgresUpdateQueue) PopBatch(ctx context.Context, count int) ([]UpdateJob, error) {
	rows, err := q.db.QueryContext(ctx, `
		DELETE FROM update_queue
		WHERE id IN (
			SELECT id FROM update_queue
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, project_id, clone_url`,
		count,
	)
	if err != nil {
		return nil, fmt.Errorf("pop update batch: %w", err)
	}
	defer rows.Close()

	var jobs []UpdateJob
	for rows.Next() {
		var job UpdateJob
		if err := rows.Scan(&job.ID, &job.ProjectID, &job.CloneURL); err != nil {
			return nil, fmt.Errorf("scan update job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// Depth returns the number of queued entries.
func (q *PostgresUpdateQueue) Depth(ctx context.Context) (int64, error) {
	var depth int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM update_queue`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
