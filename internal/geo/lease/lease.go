// Package lease implements the cluster-wide mutual exclusion primitive used
// to guarantee at most one in-flight sync attempt per replicated entity.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyHeld is returned by Acquire when another holder is active. It is
// an expected outcome: callers skip the current cycle instead of waiting.
var ErrAlreadyHeld = errors.New("lease is already held")

// Lease is a granted, time-bounded exclusive hold on a key. Only the holder
// of the token may release it early; expiry releases it implicitly.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Manager hands out leases. Acquire is non-blocking: when another holder is
// active it returns ErrAlreadyHeld immediately. When the backing store is
// unreachable, Acquire fails closed with the store error and the lease is
// never granted.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// Release drops the lease early. It only takes effect when the token
	// still matches the active holder; otherwise it is a no-op, protecting
	// against releasing a lease that expired and was re-acquired elsewhere.
	Release(ctx context.Context, lease Lease) error
}

// Key builds the canonical lease key for an entity sync.
func Key(kind string, entityID int64) string {
	return fmt.Sprintf("sync:%s:%d", kind, entityID)
}
