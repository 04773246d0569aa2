package datastore

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

var (
	descUpdateQueueDepth = prometheus.NewDesc(
		"geo_update_queue_depth",
		"Number of pending entries in the primary's update notification queue.",
		nil,
		nil,
	)
	descFailedRegistryEntries = prometheus.NewDesc(
		"geo_registry_failed_entries",
		"Number of registry entries with a pending retry, by entity kind.",
		[]string{"kind"},
		nil,
	)
)

// ReplicationStateCollector collects queue depth and registry backlog metrics
// from the datastore.
type ReplicationStateCollector struct {
	log         logrus.FieldLogger
	queue       UpdateQueue
	queryFailed func(ctx context.Context) (map[Kind]int, error)
}

// NewReplicationStateCollector returns a new collector. queryFailed may be
// nil when no registry database is configured; only queue depth is reported
// then.
func NewReplicationStateCollector(log logrus.FieldLogger, queue UpdateQueue, queryFailed func(ctx context.Context) (map[Kind]int, error)) *ReplicationStateCollector {
	return &ReplicationStateCollector{
		log:         log.WithField("component", "ReplicationStateCollector"),
		queue:       queue,
		queryFailed: queryFailed,
	}
}

// FailedRegistryCounts returns a query function counting registry entries
// that have a pending retry, grouped by entity kind.
func FailedRegistryCounts(db glsql.Querier) func(ctx context.Context) (map[Kind]int, error) {
	return func(ctx context.Context) (map[Kind]int, error) {
		rows, err := db.QueryContext(ctx, `
			SELECT kind, COUNT(*)
			FROM project_registry
			WHERE retry_count IS NOT NULL
			GROUP BY kind`,
		)
		if err != nil {
			return nil, fmt.Errorf("query failed registry entries: %w", err)
		}
		defer rows.Close()

		counts := map[Kind]int{}
		for rows.Next() {
			var kind string
			var count int
			if err := rows.Scan(&kind, &count); err != nil {
				return nil, fmt.Errorf("scan failed registry entries: %w", err)
			}
			counts[Kind(kind)] = count
		}

		return counts, rows.Err()
	}
}

// Describe implements prometheus.Collector.
func (c *ReplicationStateCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *ReplicationStateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.TODO()

	depth, err := c.queue.Depth(ctx)
	if err != nil {
		c.log.WithError(err).Error("failed collecting update queue depth")
	} else {
		ch <- prometheus.MustNewConstMetric(descUpdateQueueDepth, prometheus.GaugeValue, float64(depth))
	}

	if c.queryFailed == nil {
		return
	}

	failed, err := c.queryFailed(ctx)
	if err != nil {
		c.log.WithError(err).Error("failed collecting registry backlog")
		return
	}

	for kind, count := range failed {
		ch <- prometheus.MustNewConstMetric(descFailedRegistryEntries, prometheus.GaugeValue, float64(count), string(kind))
	}
}
