package health

import (
	"context"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

// Reporter assembles the local node's Status. Every figure is collected
// independently and best-effort: a failing query leaves its field unknown
// rather than failing the whole document.
type Reporter struct {
	log      logrus.FieldLogger
	nodeName string
	db       glsql.Querier
	queue    datastore.UpdateQueue
	checker  *Checker
}

// NewReporter returns a Reporter for the local node. queue may be nil on
// nodes that do not run the update queue; checker may be nil on the primary,
// which has no replica to verify.
func NewReporter(log logrus.FieldLogger, nodeName string, db glsql.Querier, queue datastore.UpdateQueue, checker *Checker) *Reporter {
	return &Reporter{
		log:      log.WithField("component", "health.Reporter"),
		nodeName: nodeName,
		db:       db,
		queue:    queue,
		checker:  checker,
	}
}

// Status builds the current status document.
func (r *Reporter) Status(ctx context.Context) Status {
	status := Status{NodeName: r.nodeName, Healthy: true}

	if r.checker != nil {
		diagnostic, err := r.checker.Check(ctx)
		if err != nil {
			diagnostic = "health check failed: " + err.Error()
		}
		if diagnostic != "" {
			status.Healthy = false
			status.Diagnostic = diagnostic
		}
	}

	if r.db != nil {
		r.collectRegistryCounts(ctx, &status)
		r.collectEventFigures(ctx, &status)
	}

	if r.queue != nil {
		if depth, err := r.queue.Depth(ctx); err != nil {
			r.log.WithError(err).Warn("failed reading update queue depth")
		} else {
			status.UpdateQueueDepth = Known(depth)
		}
	}

	if r.db != nil {
		if lag, ok := r.replicationLag(ctx); ok {
			status.ReplicationLagSeconds = Known(lag)
		}
	}

	return status
}

func (r *Reporter) collectRegistryCounts(ctx context.Context, status *Status) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			kind,
			COUNT(*) FILTER (WHERE last_successful_sync_at IS NOT NULL AND retry_count IS NULL),
			COUNT(*) FILTER (WHERE retry_count IS NOT NULL)
		FROM project_registry
		GROUP BY kind`,
	)
	if err != nil {
		r.log.WithError(err).Warn("failed reading registry counts")
		return
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var kind string
		var synced, failed int64
		if err := rows.Scan(&kind, &synced, &failed); err != nil {
			r.log.WithError(err).Warn("failed scanning registry counts")
			return
		}

		switch datastore.Kind(kind) {
		case datastore.KindRepository:
			status.RepositoriesSyncedCount = Known(synced)
			status.RepositoriesFailedCount = Known(failed)
			total += synced + failed
		case datastore.KindWiki:
			status.WikisSyncedCount = Known(synced)
			status.WikisFailedCount = Known(failed)
		case datastore.KindFile:
			status.FilesSyncedCount = Known(synced)
			status.FilesFailedCount = Known(failed)
		}
	}
	if err := rows.Err(); err != nil {
		r.log.WithError(err).Warn("failed reading registry counts")
		return
	}

	status.RepositoriesCount = Known(total)
}

func (r *Reporter) collectEventFigures(ctx context.Context, status *Status) {
	var lastEventID int64
	if err := r.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM event_log").Scan(&lastEventID); err != nil {
		r.log.WithError(err).Warn("failed reading last event id")
	} else {
		status.LastEventID = Known(lastEventID)
	}

	var cursorID int64
	err := r.db.QueryRowContext(ctx,
		"SELECT previous_id FROM event_cursor WHERE node_name = $1",
		r.nodeName,
	).Scan(&cursorID)
	if err == nil {
		status.CursorLastEventID = Known(cursorID)
	}
}

// replicationLag reads the replay lag in whole seconds. On a node that is
// not a replica pg_last_xact_replay_timestamp() is NULL, which reports as
// unknown rather than zero.
func (r *Reporter) replicationLag(ctx context.Context) (int64, bool) {
	var lag *int64
	err := r.db.QueryRowContext(ctx, `
		SELECT CAST(FLOOR(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp()))) AS bigint)`,
	).Scan(&lag)
	if err != nil {
		r.log.WithError(err).Warn("failed reading replication lag")
		return 0, false
	}
	if lag == nil {
		return 0, false
	}

	return *lag, true
}
