package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/geo/internal/geo/lease"
)

type fakeSyncer struct {
	kind    datastore.Kind
	id      int64
	path    string
	fetch   func(ctx context.Context) error
	fetches int
	flushes int
}

func (s *fakeSyncer) Kind() datastore.Kind { return s.kind }
func (s *fakeSyncer) EntityID() int64      { return s.id }
func (s *fakeSyncer) LocalPath() string    { return s.path }

func (s *fakeSyncer) Fetch(ctx context.Context) error {
	s.fetches++
	if s.fetch == nil {
		return nil
	}
	return s.fetch(ctx)
}

func (s *fakeSyncer) FlushCache(context.Context) error {
	s.flushes++
	return nil
}

func newTestDriver(t *testing.T, registry datastore.RegistryStore) (*Driver, lease.Manager) {
	t.Helper()

	leases := lease.NewMemoryManager()
	driver := NewDriver(logrus.New(), leases, registry, 5, 8, time.Hour, 8*time.Hour)

	return driver, leases
}

func failTimes(n int) func(ctx context.Context) error {
	var calls int
	return func(context.Context) error {
		calls++
		if calls <= n {
			return errors.New("fetch failed")
		}
		return nil
	}
}

func TestDriverSuccessfulSync(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, _ := newTestDriver(t, registry)

	syncer := &fakeSyncer{kind: datastore.KindRepository, id: 1, path: filepath.Join(t.TempDir(), "repo.git")}

	require.NoError(t, driver.Run(ctx, syncer))
	require.Equal(t, 1, syncer.fetches)
	require.Equal(t, 1, syncer.flushes)

	entry, err := registry.Get(ctx, 1, datastore.KindRepository)
	require.NoError(t, err)
	require.Equal(t, 0, entry.Retries())
	require.NotNil(t, entry.LastSuccessfulSyncAt)
	require.Nil(t, entry.RetryAt)
}

func TestDriverFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, _ := newTestDriver(t, registry)

	now := time.Now()
	driver.now = func() time.Time { return now }

	syncer := &fakeSyncer{
		kind:  datastore.KindRepository,
		id:    1,
		path:  filepath.Join(t.TempDir(), "repo.git"),
		fetch: func(context.Context) error { return errors.New("connection refused") },
	}

	require.NoError(t, driver.Run(ctx, syncer))

	entry, err := registry.Get(ctx, 1, datastore.KindRepository)
	require.NoError(t, err)
	require.Equal(t, 1, entry.Retries())
	require.Equal(t, now.Add(30*time.Second).UTC(), entry.RetryAt.UTC())
	require.Nil(t, entry.LastSuccessfulSyncAt)
	require.Zero(t, syncer.flushes)
}

func TestDriverBackoffWindowSkipsCycle(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, _ := newTestDriver(t, registry)

	now := time.Now()
	driver.now = func() time.Time { return now }

	syncer := &fakeSyncer{
		kind:  datastore.KindRepository,
		id:    1,
		path:  filepath.Join(t.TempDir(), "repo.git"),
		fetch: func(context.Context) error { return errors.New("connection refused") },
	}

	require.NoError(t, driver.Run(ctx, syncer))
	require.Equal(t, 1, syncer.fetches)

	// Inside the backoff window the trigger is a no-op.
	require.NoError(t, driver.Run(ctx, syncer))
	require.Equal(t, 1, syncer.fetches)

	now = now.Add(time.Minute)
	require.NoError(t, driver.Run(ctx, syncer))
	require.Equal(t, 2, syncer.fetches)
}

func TestDriverLeaseHeldSkipsCycle(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, leases := newTestDriver(t, registry)

	_, err := leases.Acquire(ctx, lease.Key("repository", 1), time.Hour)
	require.NoError(t, err)

	syncer := &fakeSyncer{kind: datastore.KindRepository, id: 1, path: filepath.Join(t.TempDir(), "repo.git")}

	require.NoError(t, driver.Run(ctx, syncer))
	require.Zero(t, syncer.fetches, "a held lease skips the cycle entirely")

	_, err = registry.Get(ctx, 1, datastore.KindRepository)
	require.Equal(t, datastore.ErrNotFound, err, "a skipped cycle leaves no registry trace")
}

func TestDriverRetryThresholds(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, _ := newTestDriver(t, registry)

	now := time.Now()
	driver.now = func() time.Time { return now }

	root := t.TempDir()
	repoPath := filepath.Join(root, "repo.git")
	require.NoError(t, os.MkdirAll(repoPath, 0o755))

	syncer := &fakeSyncer{
		kind: datastore.KindRepository,
		id:   1,
		path: repoPath,
		// Every attempt fails until the retry limit resets the entry.
		fetch: func(context.Context) error { return errors.New("fetch failed") },
	}

	backupPath := repoPath + ".geo-backup"

	// Attempts at retry counts 0..5 run incrementally, so the repository is
	// never moved aside.
	for attempt := 0; attempt <= 5; attempt++ {
		require.NoError(t, driver.Run(ctx, syncer))
		_, err := os.Stat(backupPath)
		require.True(t, os.IsNotExist(err), "incremental attempt %d must not touch the backup path", attempt)

		now = now.Add(2 * time.Hour)
	}

	entry, err := registry.Get(ctx, 1, datastore.KindRepository)
	require.NoError(t, err)
	require.Equal(t, 6, entry.Retries())

	// Counts 6..8 run as redownloads. The failing fetch means the repository
	// is restored from backup each time.
	for attempt := 6; attempt <= 8; attempt++ {
		require.NoError(t, driver.Run(ctx, syncer))

		_, err := os.Stat(repoPath)
		require.NoError(t, err, "redownload attempt %d must restore the repository", attempt)
		_, err = os.Stat(backupPath)
		require.True(t, os.IsNotExist(err))

		now = now.Add(2 * time.Hour)
	}

	entry, err = registry.Get(ctx, 1, datastore.KindRepository)
	require.NoError(t, err)
	require.Equal(t, 9, entry.Retries())

	// Beyond the limit the entry is reset without another attempt.
	fetchesBefore := syncer.fetches
	require.NoError(t, driver.Run(ctx, syncer))
	require.Equal(t, fetchesBefore, syncer.fetches)

	entry, err = registry.Get(ctx, 1, datastore.KindRepository)
	require.NoError(t, err)
	require.Equal(t, 0, entry.Retries())
	require.Nil(t, entry.RetryAt)
}

func TestDriverForcedRedownload(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, _ := newTestDriver(t, registry)

	root := t.TempDir()
	repoPath := filepath.Join(root, "repo.git")
	require.NoError(t, os.MkdirAll(repoPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "HEAD"), []byte("stale"), 0o644))

	require.NoError(t, registry.ScheduleRedownload(ctx, 1, datastore.KindRepository))

	syncer := &fakeSyncer{
		kind: datastore.KindRepository,
		id:   1,
		path: repoPath,
		fetch: func(context.Context) error {
			// The old content must be out of the way during a redownload.
			if _, err := os.Stat(filepath.Join(repoPath, "HEAD")); err == nil {
				return errors.New("stale content still in place")
			}
			require.NoError(t, os.MkdirAll(repoPath, 0o755))
			return os.WriteFile(filepath.Join(repoPath, "HEAD"), []byte("fresh"), 0o644)
		},
	}

	require.NoError(t, driver.Run(ctx, syncer))

	content, err := os.ReadFile(filepath.Join(repoPath, "HEAD"))
	require.NoError(t, err)
	require.Equal(t, "fresh", string(content))

	_, err = os.Stat(repoPath + ".geo-backup")
	require.True(t, os.IsNotExist(err), "backup removed after a successful redownload")

	entry, err := registry.Get(ctx, 1, datastore.KindRepository)
	require.NoError(t, err)
	require.False(t, entry.ForceRedownload, "success clears the force flag")
	require.Equal(t, 0, entry.Retries())
}

func TestDriverFailedRedownloadRestoresBackup(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, _ := newTestDriver(t, registry)

	root := t.TempDir()
	repoPath := filepath.Join(root, "repo.git")
	require.NoError(t, os.MkdirAll(repoPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "HEAD"), []byte("precious"), 0o644))

	require.NoError(t, registry.ScheduleRedownload(ctx, 1, datastore.KindRepository))

	syncer := &fakeSyncer{
		kind: datastore.KindRepository,
		id:   1,
		path: repoPath,
		fetch: func(context.Context) error {
			// Leave partial content behind before failing.
			require.NoError(t, os.MkdirAll(repoPath, 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(repoPath, "HEAD"), []byte("partial"), 0o644))
			return errors.New("network interrupted")
		},
	}

	require.NoError(t, driver.Run(ctx, syncer))

	content, err := os.ReadFile(filepath.Join(repoPath, "HEAD"))
	require.NoError(t, err)
	require.Equal(t, "precious", string(content), "failed redownload restores the pre-cycle content")

	_, err = os.Stat(repoPath + ".geo-backup")
	require.True(t, os.IsNotExist(err))
}

func TestDriverRemoteRepositoryMissing(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, _ := newTestDriver(t, registry)

	syncer := &fakeSyncer{
		kind:  datastore.KindRepository,
		id:    1,
		path:  filepath.Join(t.TempDir(), "repo.git"),
		fetch: func(context.Context) error { return ErrRemoteRepositoryMissing },
	}

	require.NoError(t, driver.Run(ctx, syncer))
	require.Equal(t, 1, syncer.flushes, "a missing repository invalidates caches")

	entry, err := registry.Get(ctx, 1, datastore.KindRepository)
	require.NoError(t, err)
	require.Equal(t, 0, entry.Retries(), "a missing repository is not a retryable failure")
	require.Nil(t, entry.RetryAt)
}

func TestDriverConfigErrorAborts(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, _ := newTestDriver(t, registry)

	syncer := &fakeSyncer{
		kind:  datastore.KindRepository,
		id:    1,
		path:  filepath.Join(t.TempDir(), "repo.git"),
		fetch: func(context.Context) error { return &ConfigError{Reason: "primary node has no URL"} },
	}

	require.NoError(t, driver.Run(ctx, syncer))

	entry, err := registry.Get(ctx, 1, datastore.KindRepository)
	require.NoError(t, err)
	require.Equal(t, 0, entry.Retries(), "misconfiguration does not consume the retry budget")
	require.Nil(t, entry.RetryAt)
}

func TestDriverEventualRecovery(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, _ := newTestDriver(t, registry)

	now := time.Now()
	driver.now = func() time.Time { return now }

	syncer := &fakeSyncer{
		kind:  datastore.KindRepository,
		id:    1,
		path:  filepath.Join(t.TempDir(), "repo.git"),
		fetch: failTimes(2),
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, driver.Run(ctx, syncer))
		now = now.Add(2 * time.Hour)
	}

	entry, err := registry.Get(ctx, 1, datastore.KindRepository)
	require.NoError(t, err)
	require.Equal(t, 0, entry.Retries(), "success clears the accumulated retries")
	require.NotNil(t, entry.LastSuccessfulSyncAt)
}

func TestDriverBoundsAttemptByLease(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()
	driver, _ := newTestDriver(t, registry)

	var deadline time.Time
	syncer := &fakeSyncer{
		kind: datastore.KindRepository,
		id:   1,
		path: filepath.Join(t.TempDir(), "repo.git"),
		fetch: func(ctx context.Context) error {
			var ok bool
			deadline, ok = ctx.Deadline()
			require.True(t, ok, "the attempt runs under a deadline")
			return nil
		},
	}

	require.NoError(t, driver.Run(ctx, syncer))
	require.WithinDuration(t, time.Now().Add(time.Hour-time.Minute), deadline, 10*time.Second,
		"the deadline leaves a margin before lease expiry")
}

func TestDriverShortLeaseFailsFast(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistryStore()

	leases := lease.NewMemoryManager()
	driver := NewDriver(logrus.New(), leases, registry, 5, 8, 30*time.Second, 8*time.Hour)

	var fetchErr error
	syncer := &fakeSyncer{
		kind: datastore.KindRepository,
		id:   1,
		path: filepath.Join(t.TempDir(), "repo.git"),
		fetch: func(ctx context.Context) error {
			fetchErr = ctx.Err()
			return fetchErr
		},
	}

	// A lease shorter than the abort margin leaves no time to work with; the
	// attempt must still be bounded rather than run without a deadline.
	require.NoError(t, driver.Run(ctx, syncer))
	require.ErrorIs(t, fetchErr, context.DeadlineExceeded)

	entry, err := registry.Get(ctx, 1, datastore.KindRepository)
	require.NoError(t, err)
	require.Equal(t, 1, entry.Retries())
	require.NotNil(t, entry.RetryAt)
}
