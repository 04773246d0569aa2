package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	require.Equal(t, "sync:repository:42", Key("repository", 42))
	require.Equal(t, "sync:wiki:7", Key("wiki", 7))
}

func TestMemoryManagerAcquireRelease(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryManager()

	held, err := mgr.Acquire(ctx, "sync:repository:1", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "sync:repository:1", held.Key)
	require.NotEmpty(t, held.Token)

	_, err = mgr.Acquire(ctx, "sync:repository:1", time.Hour)
	require.Equal(t, ErrAlreadyHeld, err)

	// A different key is unaffected.
	_, err = mgr.Acquire(ctx, "sync:wiki:1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, mgr.Release(ctx, held))

	_, err = mgr.Acquire(ctx, "sync:repository:1", time.Hour)
	require.NoError(t, err)
}

func TestMemoryManagerExpiry(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryManager()

	current := time.Now()
	mgr.now = func() time.Time { return current }

	first, err := mgr.Acquire(ctx, "sync:repository:1", time.Minute)
	require.NoError(t, err)

	_, err = mgr.Acquire(ctx, "sync:repository:1", time.Minute)
	require.Equal(t, ErrAlreadyHeld, err)

	current = current.Add(2 * time.Minute)

	second, err := mgr.Acquire(ctx, "sync:repository:1", time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	// Releasing the expired lease must not drop the new holder.
	require.NoError(t, mgr.Release(ctx, first))
	_, err = mgr.Acquire(ctx, "sync:repository:1", time.Minute)
	require.Equal(t, ErrAlreadyHeld, err)
}

func TestMemoryManagerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryManager()

	const contenders = 32

	var wg sync.WaitGroup
	start := make(chan struct{})
	granted := make(chan Lease, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			if held, err := mgr.Acquire(ctx, "sync:repository:1", time.Hour); err == nil {
				granted <- held
			}
		}()
	}

	close(start)
	wg.Wait()
	close(granted)

	var grants int
	for range granted {
		grants++
	}
	require.Equal(t, 1, grants, "exactly one contender may hold the lease")
}
