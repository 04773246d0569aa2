package eventlog

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

// EventHandler processes one consumed event.
type EventHandler func(ctx context.Context, event Event) error

// Consumer tails the event log on a secondary. Each pass reads the next
// batch after the gap tracker's cursor, records gaps, hands events to the
// handler and runs one backfill sweep. A handler failure does not advance
// past the event silently: the ID was already observed by the gap tracker,
// so the failed event is not retried, matching at-most-once processing of
// the log stream; the sync driver's own retry bookkeeping covers the entity.
type Consumer struct {
	log         logrus.FieldLogger
	events      Log
	gaps        GapTracker
	handle      EventHandler
	batch       int
	cursorGauge prometheus.Gauge

	processed *prometheus.CounterVec
}

// NewConsumer wires a Consumer reading batches of batch events.
func NewConsumer(log logrus.FieldLogger, events Log, gaps GapTracker, handle EventHandler, batch int) *Consumer {
	return &Consumer{
		log:    log.WithField("component", "eventlog.Consumer"),
		events: events,
		gaps:   gaps,
		handle: handle,
		batch:  batch,
		cursorGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geo_event_consumer_cursor",
			Help: "Last event log ID the consumer has observed.",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geo_events_processed_total",
			Help: "Number of consumed events by type and outcome.",
		}, []string{"type", "outcome"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Consumer) Describe(ch chan<- *prometheus.Desc) {
	c.cursorGauge.Describe(ch)
	c.processed.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Consumer) Collect(ch chan<- prometheus.Metric) {
	c.cursorGauge.Collect(ch)
	c.processed.Collect(ch)
}

// Run tails the log until ctx is done, one pass per tick.
func (c *Consumer) Run(ctx context.Context, ticker helper.Ticker) error {
	defer ticker.Stop()
	ticker.Reset()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := c.Consume(ctx); err != nil {
				c.log.WithError(err).Error("event consumption pass failed")
			}
			ticker.Reset()
		}
	}
}

// Consume runs one pass: drain new events, then backfill eligible gaps.
func (c *Consumer) Consume(ctx context.Context) error {
	cursor, err := c.gaps.Cursor(ctx)
	if err != nil {
		return err
	}

	for {
		events, err := c.events.After(ctx, cursor, c.batch)
		if err != nil {
			return fmt.Errorf("read events after %d: %w", cursor, err)
		}
		if len(events) == 0 {
			break
		}

		for _, event := range events {
			if err := c.gaps.Check(ctx, event.ID); err != nil {
				return err
			}
			cursor = event.ID
			c.cursorGauge.Set(float64(cursor))

			c.process(ctx, event)
		}

		if len(events) < c.batch {
			break
		}
	}

	return c.gaps.FillGaps(ctx, func(event Event) error {
		return c.handle(ctx, event)
	})
}

func (c *Consumer) process(ctx context.Context, event Event) {
	if err := c.handle(ctx, event); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": string(event.Type),
		}).Error("failed handling event")
		c.processed.WithLabelValues(string(event.Type), "failed").Inc()
		return
	}

	c.processed.WithLabelValues(string(event.Type), "processed").Inc()
}
