package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/advisorylock"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

// GapHandler processes one backfilled event.
type GapHandler func(Event) error

// GapTracker remembers event IDs a consumer observed as missing. Event IDs
// are assigned before the surrounding transaction commits, so a concurrently
// committing writer produces a gap that usually fills in shortly after the
// consumer saw a later ID. The grace period tolerates that skew; the
// outdated period bounds memory growth from writers that never committed.
type GapTracker interface {
	// Check records every ID between the last contiguous ID and currentID as
	// a gap and advances the cursor to currentID.
	Check(ctx context.Context, currentID int64) error
	// FillGaps purges gaps older than the outdated period, then hands every
	// gap older than the grace period whose event has appeared to the
	// handler, removing it from the pending set on success.
	FillGaps(ctx context.Context, handler GapHandler) error
	// Cursor returns the last observed event ID, zero for a fresh consumer.
	Cursor(ctx context.Context) (int64, error)
}

// PostgresGapTracker keeps the pending gap set in the shared database so
// every consumer process sees the same state.
type PostgresGapTracker struct {
	log      logrus.FieldLogger
	db       *sql.DB
	events   Log
	nodeName string
	grace    time.Duration
	outdated time.Duration
}

// NewPostgresGapTracker returns a GapTracker for the named consumer node.
func NewPostgresGapTracker(log logrus.FieldLogger, db *sql.DB, events Log, nodeName string, grace, outdated time.Duration) *PostgresGapTracker {
	return &PostgresGapTracker{
		log:      log.WithField("component", "GapTracker"),
		db:       db,
		events:   events,
		nodeName: nodeName,
		grace:    grace,
		outdated: outdated,
	}
}

// Check records gaps behind currentID and advances the cursor.
func (t *PostgresGapTracker) Check(ctx context.Context, currentID int64) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin gap check: %w", err)
	}
	defer tx.Rollback()

	var previousID int64
	err = tx.QueryRowContext(ctx, `
		SELECT previous_id FROM event_cursor WHERE node_name = $1 FOR UPDATE`,
		t.nodeName,
	).Scan(&previousID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read event cursor: %w", err)
	}

	// A consumer without a cursor has no notion of contiguity yet; it only
	// starts tracking from the first ID it observes.
	if previousID > 0 && currentID > previousID+1 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_gaps (id)
			SELECT generate_series($1::bigint, $2::bigint)
			ON CONFLICT (id) DO NOTHING`,
			previousID+1, currentID-1,
		); err != nil {
			return fmt.Errorf("record gaps: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_cursor (node_name, previous_id)
		VALUES ($1, $2)
		ON CONFLICT (node_name) DO UPDATE SET previous_id = EXCLUDED.previous_id`,
		t.nodeName, currentID,
	); err != nil {
		return fmt.Errorf("advance event cursor: %w", err)
	}

	return tx.Commit()
}

// Cursor returns the last observed event ID, zero for a fresh consumer.
func (t *PostgresGapTracker) Cursor(ctx context.Context) (int64, error) {
	var previousID int64
	err := t.db.QueryRowContext(ctx,
		"SELECT previous_id FROM event_cursor WHERE node_name = $1",
		t.nodeName,
	).Scan(&previousID)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("read event cursor: %w", err)
	}

	return previousID, nil
}

// FillGaps runs one backfill pass. Concurrent passes are serialized through
// an advisory lock; a pass that fails to take the lock returns immediately.
func (t *PostgresGapTracker) FillGaps(ctx context.Context, handler GapHandler) error {
	conn, err := t.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisorylock.FillGaps).Scan(&locked); err != nil {
		return fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		return nil
	}
	defer func() {
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, advisorylock.FillGaps); err != nil {
			t.log.WithError(err).Error("failed releasing gap backfill lock")
		}
	}()

	// Gaps past the outdated window are permanently lost, most likely from a
	// writer that crashed before committing. Dropping them is deliberate.
	if _, err := conn.ExecContext(ctx, `
		DELETE FROM event_gaps
		WHERE recorded_at < NOW() - $1 * INTERVAL '1 microsecond'`,
		t.outdated.Microseconds(),
	); err != nil {
		return fmt.Errorf("purge outdated gaps: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT id FROM event_gaps
		WHERE recorded_at < NOW() - $1 * INTERVAL '1 microsecond'
		ORDER BY id`,
		t.grace.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("select fillable gaps: %w", err)
	}

	var ids glsql.Uint64Provider
	err = glsql.ScanAll(rows, &ids)
	// The connection is reused below, so the rows are closed eagerly.
	rows.Close()
	if err != nil {
		return fmt.Errorf("scan fillable gaps: %w", err)
	}

	var filled []int64
	for _, gapID := range ids.Values() {
		id := int64(gapID)
		event, err := t.events.ByID(ctx, id)
		if err == ErrEventNotFound {
			// Still missing; it stays pending until the outdated purge.
			continue
		}
		if err != nil {
			return fmt.Errorf("look up gap event %d: %w", id, err)
		}

		if err := handler(event); err != nil {
			t.log.WithError(err).WithField("event_id", id).Error("failed handling backfilled event")
			continue
		}

		filled = append(filled, id)
	}

	if len(filled) > 0 {
		if _, err := conn.ExecContext(ctx, `DELETE FROM event_gaps WHERE id = ANY($1)`, pq.Array(filled)); err != nil {
			return fmt.Errorf("remove filled gaps: %w", err)
		}
	}

	return nil
}
