// Package notify pushes queued "repositories changed" notifications from the
// primary to its secondaries. It is the coarse-grained precursor of the
// event log, kept for secondaries that do not consume the log yet.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	retry "github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/geo/internal/geo/signing"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

const (
	// EventHeader names the notification type carried by a push.
	EventHeader = "X-Geo-Event"
	// EventUpdateRepositories is the only notification type currently pushed.
	EventUpdateRepositories = "Update Repositories"

	refreshPath = "/api/geo/refresh_projects"

	deliveryAttempts = 3
)

// Notifier drains the update queue in batches and pushes each batch to every
// secondary. A batch is popped and trimmed atomically, so overlapping runs
// never deliver the same entry twice; a batch that fails to deliver is not
// re-queued.
type Notifier struct {
	log         logrus.FieldLogger
	queue       datastore.UpdateQueue
	secondaries []*config.Node
	signer      *signing.Signer
	client      *http.Client
	batchSize   int

	batchesSent  *prometheus.CounterVec
	pushFailures *prometheus.CounterVec
}

// NewNotifier wires a Notifier. batchSize bounds how many queue entries one
// push carries.
func NewNotifier(log logrus.FieldLogger, queue datastore.UpdateQueue, secondaries []*config.Node, signer *signing.Signer, client *http.Client, batchSize int) *Notifier {
	return &Notifier{
		log:         log.WithField("component", "notify.Notifier"),
		queue:       queue,
		secondaries: secondaries,
		signer:      signer,
		client:      client,
		batchSize:   batchSize,
		batchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geo_notification_batches_sent_total",
			Help: "Number of notification batches delivered, by secondary.",
		}, []string{"node"}),
		pushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geo_notification_push_failures_total",
			Help: "Number of notification pushes that exhausted their retries, by secondary.",
		}, []string{"node"}),
	}
}

// Describe implements prometheus.Collector.
func (n *Notifier) Describe(ch chan<- *prometheus.Desc) {
	n.batchesSent.Describe(ch)
	n.pushFailures.Describe(ch)
}

// Collect implements prometheus.Collector.
func (n *Notifier) Collect(ch chan<- prometheus.Metric) {
	n.batchesSent.Collect(ch)
	n.pushFailures.Collect(ch)
}

// Run drains and pushes until ctx is done, one batch per tick.
func (n *Notifier) Run(ctx context.Context, ticker helper.Ticker) error {
	defer ticker.Stop()
	ticker.Reset()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := n.Notify(ctx); err != nil {
				n.log.WithError(err).Error("notification run failed")
			}
			ticker.Reset()
		}
	}
}

// Notify pops one batch and pushes it to every secondary. It returns an
// error only when the queue itself fails; delivery failures are logged and
// counted per secondary, and the sweep continues.
func (n *Notifier) Notify(ctx context.Context) error {
	jobs, err := n.queue.PopBatch(ctx, n.batchSize)
	if err != nil {
		return fmt.Errorf("pop notification batch: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	payload, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("encode notification batch: %w", err)
	}

	for _, secondary := range n.secondaries {
		logger := n.log.WithFields(logrus.Fields{"node": secondary.Name, "batch_size": len(jobs)})

		if err := n.push(ctx, secondary, payload); err != nil {
			logger.WithError(err).Error("failed pushing notification batch")
			n.pushFailures.WithLabelValues(secondary.Name).Inc()
			continue
		}

		logger.Debug("notification batch delivered")
		n.batchesSent.WithLabelValues(secondary.Name).Inc()
	}

	return nil
}

func (n *Notifier) push(ctx context.Context, secondary *config.Node, payload []byte) error {
	header, err := n.signer.Header(map[string]interface{}{"scope": "refresh_projects"})
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, secondary.URL+refreshPath, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", header)
			req.Header.Set(EventHeader, EventUpdateRepositories)

			resp, err := n.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(deliveryAttempts),
		retry.LastErrorOnly(true),
	)
}
