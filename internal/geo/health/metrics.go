package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/geo/signing"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

// StatusStore persists the last observed health of each node, so operators
// can inspect the cluster from the database after the fact.
type StatusStore interface {
	// Record stores the outcome of one contact attempt with the node.
	Record(ctx context.Context, nodeName string, healthy bool, diagnostic string, attemptedAt time.Time) error
}

// PostgresStatusStore stores node health in the node_status table.
type PostgresStatusStore struct {
	db glsql.Querier
}

// NewPostgresStatusStore returns a StatusStore backed by db.
func NewPostgresStatusStore(db glsql.Querier) *PostgresStatusStore {
	return &PostgresStatusStore{db: db}
}

// Record implements StatusStore. last_seen_active_at only advances on a
// healthy contact, so its age is the time since the node was last known good.
func (s *PostgresStatusStore) Record(ctx context.Context, nodeName string, healthy bool, diagnostic string, attemptedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_status (node_name, healthy, diagnostic, last_contact_attempt_at, last_seen_active_at)
		VALUES ($1, $2, $3, $4, CASE WHEN $2 THEN $4 END)
		ON CONFLICT (node_name) DO UPDATE SET
			healthy = EXCLUDED.healthy,
			diagnostic = EXCLUDED.diagnostic,
			last_contact_attempt_at = EXCLUDED.last_contact_attempt_at,
			last_seen_active_at = CASE WHEN EXCLUDED.healthy
				THEN EXCLUDED.last_contact_attempt_at
				ELSE node_status.last_seen_active_at
			END`,
		nodeName, healthy, diagnostic, attemptedAt,
	)
	if err != nil {
		return fmt.Errorf("record node status: %w", err)
	}

	return nil
}

// MemoryStatusStore is an in-memory StatusStore for tests.
type MemoryStatusStore struct {
	mtx     sync.Mutex
	records map[string]MemoryStatusRecord
}

// MemoryStatusRecord is one stored contact outcome.
type MemoryStatusRecord struct {
	Healthy     bool
	Diagnostic  string
	AttemptedAt time.Time
}

// NewMemoryStatusStore returns an empty MemoryStatusStore.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{records: map[string]MemoryStatusRecord{}}
}

// Record implements StatusStore.
func (s *MemoryStatusStore) Record(_ context.Context, nodeName string, healthy bool, diagnostic string, attemptedAt time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.records[nodeName] = MemoryStatusRecord{Healthy: healthy, Diagnostic: diagnostic, AttemptedAt: attemptedAt}
	return nil
}

// Get returns the stored record for the node.
func (s *MemoryStatusStore) Get(nodeName string) (MemoryStatusRecord, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	record, ok := s.records[nodeName]
	return record, ok
}

// StatusFetcher obtains a node's current status document.
type StatusFetcher func(ctx context.Context, node *config.Node) (Status, error)

// HTTPStatusFetcher fetches a node's status endpoint with a signed request.
func HTTPStatusFetcher(client *http.Client, signer *signing.Signer) StatusFetcher {
	return func(ctx context.Context, node *config.Node) (Status, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.URL+"/api/geo/status", nil)
		if err != nil {
			return Status{}, fmt.Errorf("build status request: %w", err)
		}

		header, err := signer.Header(map[string]interface{}{"scope": "status"})
		if err != nil {
			return Status{}, err
		}
		req.Header.Set("Authorization", header)

		resp, err := client.Do(req)
		if err != nil {
			return Status{}, fmt.Errorf("request node status: %w", err)
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			return Status{}, fmt.Errorf("request node status: unexpected status %d", resp.StatusCode)
		}

		var status Status
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return Status{}, fmt.Errorf("decode node status: %w", err)
		}

		return status, nil
	}
}

// Metrics polls node statuses and republishes them as Prometheus gauges. On
// the primary it sweeps every secondary; on a secondary it reports the local
// node only. One unreachable node never stops the sweep.
type Metrics struct {
	log   logrus.FieldLogger
	nodes []*config.Node
	fetch StatusFetcher
	store StatusStore
	now   func() time.Time

	healthy       *prometheus.GaugeVec
	synced        *prometheus.GaugeVec
	failed        *prometheus.GaugeVec
	lastEventID   *prometheus.GaugeVec
	cursorEventID *prometheus.GaugeVec
	lagSeconds    *prometheus.GaugeVec
	pollFailures  *prometheus.CounterVec
}

// NewMetrics returns a Metrics poller over the given nodes. store may be nil
// when no durable record is wanted.
func NewMetrics(log logrus.FieldLogger, nodes []*config.Node, fetch StatusFetcher, store StatusStore) *Metrics {
	nodeLabels := []string{"node"}
	kindLabels := []string{"node", "kind"}

	return &Metrics{
		log:   log.WithField("component", "health.Metrics"),
		nodes: nodes,
		fetch: fetch,
		store: store,
		now:   time.Now,
		healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geo_node_healthy",
			Help: "Whether the node passed its last health check (1) or not (0).",
		}, nodeLabels),
		synced: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geo_node_synced_entities",
			Help: "Number of successfully synchronized entities on the node, by kind.",
		}, kindLabels),
		failed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geo_node_failed_entities",
			Help: "Number of entities with a pending retry on the node, by kind.",
		}, kindLabels),
		lastEventID: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geo_node_last_event_id",
			Help: "Highest event log ID the node has written.",
		}, nodeLabels),
		cursorEventID: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geo_node_cursor_last_event_id",
			Help: "Highest event log ID the node has processed.",
		}, nodeLabels),
		lagSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geo_node_replication_lag_seconds",
			Help: "Database replication lag of the node in seconds.",
		}, nodeLabels),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geo_status_poll_failures_total",
			Help: "Number of failed attempts to obtain a node's status.",
		}, nodeLabels),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.healthy.Collect(ch)
	m.synced.Collect(ch)
	m.failed.Collect(ch)
	m.lastEventID.Collect(ch)
	m.cursorEventID.Collect(ch)
	m.lagSeconds.Collect(ch)
	m.pollFailures.Collect(ch)
}

// Run polls until ctx is done, one sweep per tick.
func (m *Metrics) Run(ctx context.Context, ticker helper.Ticker) error {
	defer ticker.Stop()
	ticker.Reset()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			m.Sweep(ctx)
			ticker.Reset()
		}
	}
}

// Sweep polls every node once.
func (m *Metrics) Sweep(ctx context.Context) {
	for _, node := range m.nodes {
		m.poll(ctx, node)
	}
}

func (m *Metrics) poll(ctx context.Context, node *config.Node) {
	logger := m.log.WithField("node", node.Name)
	attemptedAt := m.now()

	status, err := m.fetch(ctx, node)
	if err != nil {
		logger.WithError(err).Error("failed polling node status")
		m.pollFailures.WithLabelValues(node.Name).Inc()
		m.healthy.WithLabelValues(node.Name).Set(0)
		m.record(ctx, logger, node.Name, false, "node unreachable: "+err.Error(), attemptedAt)
		return
	}

	m.publish(node.Name, status)
	m.record(ctx, logger, node.Name, status.Healthy, status.Diagnostic, attemptedAt)
}

func (m *Metrics) record(ctx context.Context, logger logrus.FieldLogger, nodeName string, healthy bool, diagnostic string, attemptedAt time.Time) {
	if m.store == nil {
		return
	}
	if err := m.store.Record(ctx, nodeName, healthy, diagnostic, attemptedAt); err != nil {
		logger.WithError(err).Error("failed recording node status")
	}
}

func (m *Metrics) publish(nodeName string, status Status) {
	healthy := 0.0
	if status.Healthy {
		healthy = 1.0
	}
	m.healthy.WithLabelValues(nodeName).Set(healthy)

	setKind := func(vec *prometheus.GaugeVec, kind string, n Number) {
		if n.Known {
			vec.WithLabelValues(nodeName, kind).Set(float64(n.Value))
		}
	}
	setKind(m.synced, "repository", status.RepositoriesSyncedCount)
	setKind(m.failed, "repository", status.RepositoriesFailedCount)
	setKind(m.synced, "wiki", status.WikisSyncedCount)
	setKind(m.failed, "wiki", status.WikisFailedCount)
	setKind(m.synced, "file", status.FilesSyncedCount)
	setKind(m.failed, "file", status.FilesFailedCount)

	set := func(vec *prometheus.GaugeVec, n Number) {
		if n.Known {
			vec.WithLabelValues(nodeName).Set(float64(n.Value))
		}
	}
	set(m.lastEventID, status.LastEventID)
	set(m.cursorEventID, status.CursorLastEventID)
	set(m.lagSeconds, status.ReplicationLagSeconds)
}
