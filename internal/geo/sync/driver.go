package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/geo/internal/geo/lease"
)

type syncMode int

const (
	modeIncremental syncMode = iota
	modeRedownload
	modeReset
)

// leaseMargin is how much before lease expiry the driver aborts its own
// work, so two processes never mutate the same on-disk data after the lease
// times out.
const leaseMargin = time.Minute

// Driver runs one synchronization attempt for a Syncer. It owns the retry
// and redownload policy; the Syncer only knows how to fetch its kind of
// entity. Concurrency control is entirely external: the lease taken here is
// the only lock, and a cycle whose lease is held elsewhere is skipped, not
// queued.
type Driver struct {
	log      logrus.FieldLogger
	leases   lease.Manager
	registry datastore.RegistryStore

	retriesBeforeRedownload int
	retryLimit              int
	leaseTimeout            time.Duration
	redownloadLeaseTimeout  time.Duration

	now func() time.Time

	syncsTotal *prometheus.CounterVec
}

// NewDriver wires a Driver from its dependencies. The thresholds and lease
// timeouts come from the replication configuration.
func NewDriver(
	log logrus.FieldLogger,
	leases lease.Manager,
	registry datastore.RegistryStore,
	retriesBeforeRedownload, retryLimit int,
	leaseTimeout, redownloadLeaseTimeout time.Duration,
) *Driver {
	return &Driver{
		log:                     log.WithField("component", "sync.Driver"),
		leases:                  leases,
		registry:                registry,
		retriesBeforeRedownload: retriesBeforeRedownload,
		retryLimit:              retryLimit,
		leaseTimeout:            leaseTimeout,
		redownloadLeaseTimeout:  redownloadLeaseTimeout,
		now:                     time.Now,
		syncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geo_syncs_total",
			Help: "Number of completed sync cycles by entity kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

// Describe implements prometheus.Collector.
func (d *Driver) Describe(ch chan<- *prometheus.Desc) {
	d.syncsTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (d *Driver) Collect(ch chan<- prometheus.Metric) {
	d.syncsTotal.Collect(ch)
}

func (d *Driver) decideMode(entry datastore.RegistryEntry) syncMode {
	switch r := entry.Retries(); {
	case entry.ForceRedownload:
		return modeRedownload
	case r <= d.retriesBeforeRedownload:
		return modeIncremental
	case r <= d.retryLimit:
		return modeRedownload
	default:
		return modeReset
	}
}

// Run executes one sync cycle for the entity. Expected failure modes are
// absorbed here: they end up in the registry and the logs, never in the
// returned error. Only infrastructure failures (datastore unreachable)
// propagate.
func (d *Driver) Run(ctx context.Context, s Syncer) error {
	logger := d.log.WithFields(logrus.Fields{
		"kind":      string(s.Kind()),
		"entity_id": s.EntityID(),
	})

	entry, err := d.registry.Get(ctx, s.EntityID(), s.Kind())
	if err != nil && err != datastore.ErrNotFound {
		return fmt.Errorf("read registry entry: %w", err)
	}

	now := d.now()
	if entry.RetryAt != nil && entry.RetryAt.After(now) && !entry.ForceRedownload {
		logger.WithField("retry_at", entry.RetryAt).Debug("backoff window still open, skipping cycle")
		return nil
	}

	mode := d.decideMode(entry)
	if mode == modeReset {
		logger.Warn("retry limit exhausted, resetting registry entry")
		if err := d.registry.Reset(ctx, s.EntityID(), s.Kind()); err != nil {
			return fmt.Errorf("reset registry entry: %w", err)
		}
		d.syncsTotal.WithLabelValues(string(s.Kind()), "reset").Inc()
		return nil
	}

	ttl := d.leaseTimeout
	if mode == modeRedownload {
		ttl = d.redownloadLeaseTimeout
	}

	held, err := d.leases.Acquire(ctx, lease.Key(string(s.Kind()), s.EntityID()), ttl)
	if err == lease.ErrAlreadyHeld {
		logger.Debug("lease held by another process, skipping cycle")
		return nil
	}
	if err != nil {
		// Fail closed: an unreachable lease store never grants the cycle.
		return fmt.Errorf("acquire sync lease: %w", err)
	}
	defer func() {
		if err := d.leases.Release(ctx, held); err != nil {
			logger.WithError(err).Error("failed releasing sync lease")
		}
	}()

	// The lease expiring mid-operation would let another process take over
	// the on-disk data, so the attempt aborts with a margin to spare. A lease
	// shorter than the margin leaves no room for the attempt at all: the
	// context starts out expired and the cycle fails fast instead of running
	// unbounded. Registry bookkeeping runs on the parent context so an
	// aborted attempt still gets recorded.
	attemptCtx, cancel := context.WithDeadline(ctx, held.ExpiresAt.Add(-leaseMargin))
	defer cancel()

	if entry, err = d.registry.StartSync(ctx, s.EntityID(), s.Kind(), now); err != nil {
		return fmt.Errorf("record sync start: %w", err)
	}

	var syncErr error
	if mode == modeRedownload {
		logger.WithField("retry_count", entry.Retries()).Info("starting redownload")
		syncErr = d.redownload(attemptCtx, s)
	} else {
		syncErr = s.Fetch(attemptCtx)
	}

	return d.finish(ctx, logger, s, entry, syncErr)
}

func (d *Driver) finish(ctx context.Context, logger logrus.FieldLogger, s Syncer, entry datastore.RegistryEntry, syncErr error) error {
	switch {
	case syncErr == nil:
		if err := s.FlushCache(ctx); err != nil {
			logger.WithError(err).Error("failed flushing caches after sync")
		}
		if err := d.registry.FinishSync(ctx, s.EntityID(), s.Kind(), d.now(), true, time.Time{}); err != nil {
			return fmt.Errorf("record sync success: %w", err)
		}
		d.syncsTotal.WithLabelValues(string(s.Kind()), "success").Inc()
		logger.Info("sync finished")
		return nil

	case errors.Is(syncErr, ErrRemoteRepositoryMissing):
		// The peer no longer has the repository. This goes through cache
		// invalidation instead of the retry counter; retrying cannot help.
		logger.Info("repository gone on the peer, invalidating local caches")
		if err := s.FlushCache(ctx); err != nil {
			logger.WithError(err).Error("failed flushing caches for missing repository")
		}
		if err := d.registry.Reset(ctx, s.EntityID(), s.Kind()); err != nil {
			return fmt.Errorf("reset registry entry: %w", err)
		}
		d.syncsTotal.WithLabelValues(string(s.Kind()), "missing").Inc()
		return nil

	default:
		var configErr *ConfigError
		if errors.As(syncErr, &configErr) {
			// Misconfiguration cannot be retried away; the cycle aborts and
			// the next scheduled trigger tries again.
			logger.WithError(syncErr).Error("sync aborted by configuration error")
			d.syncsTotal.WithLabelValues(string(s.Kind()), "misconfigured").Inc()
			return nil
		}

		retryAt := d.now().Add(nextRetryIn(entry.Retries() + 1))
		logger.WithError(syncErr).WithField("retry_at", retryAt).Error("sync failed")
		if err := d.registry.FinishSync(ctx, s.EntityID(), s.Kind(), d.now(), false, retryAt); err != nil {
			return fmt.Errorf("record sync failure: %w", err)
		}
		d.syncsTotal.WithLabelValues(string(s.Kind()), "failed").Inc()
		return nil
	}
}

// redownload replaces the local repository wholesale. The existing content
// is parked at a backup path first and only deleted after the fresh fetch
// succeeded; a failed redownload restores it, so the entity is never left
// without a usable local copy.
func (d *Driver) redownload(ctx context.Context, s Syncer) error {
	path := s.LocalPath()
	backup := path + ".geo-backup"

	moved := false
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backup); err != nil {
			return fmt.Errorf("move repository to backup path: %w", err)
		}
		moved = true
	}

	if err := s.Fetch(ctx); err != nil {
		if moved {
			// Drop whatever the partial fetch left behind before restoring.
			if rmErr := os.RemoveAll(path); rmErr != nil {
				d.log.WithError(rmErr).WithField("path", path).Error("failed removing partial redownload")
			}
			if restoreErr := os.Rename(backup, path); restoreErr != nil {
				d.log.WithError(restoreErr).WithField("path", backup).Error("failed restoring repository backup")
			}
		}
		return err
	}

	if moved {
		if err := os.RemoveAll(backup); err != nil {
			d.log.WithError(err).WithField("path", backup).Error("failed removing repository backup")
		}
	}

	return nil
}
