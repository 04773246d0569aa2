package eventlog

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Store is the write side of the event log as seen by primary-side
// mutations. Create never returns an error: event logging must not block or
// fail the mutation that triggered it. Append failures are logged and
// counted, nothing more.
type Store struct {
	log     logrus.FieldLogger
	events  Log
	primary bool

	appendFailures prometheus.Counter
}

// NewStore returns a Store. primary selects whether Create appends at all;
// on secondaries it is a silent no-op.
func NewStore(log logrus.FieldLogger, events Log, primary bool) *Store {
	return &Store{
		log:     log.WithField("component", "eventlog.Store"),
		events:  events,
		primary: primary,
		appendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geo_event_log_append_failures_total",
			Help: "Number of event log appends that failed.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (s *Store) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, ch)
}

// Collect implements prometheus.Collector.
func (s *Store) Collect(ch chan<- prometheus.Metric) {
	s.appendFailures.Collect(ch)
}

// Create appends one typed event for the project. No-op unless this node is
// the primary.
func (s *Store) Create(ctx context.Context, projectID int64, payload Payload) {
	if !s.primary {
		return
	}

	if _, err := s.events.Append(ctx, projectID, payload); err != nil {
		s.appendFailures.Inc()
		s.log.WithError(err).WithFields(logrus.Fields{
			"event_type": payload.EventType(),
			"project_id": projectID,
		}).Error("failed appending event to the log")
	}
}
