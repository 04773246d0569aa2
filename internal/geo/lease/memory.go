package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is an in-process Manager for tests and single-node setups.
type MemoryManager struct {
	mtx    sync.Mutex
	leases map[string]Lease
	// now is swappable so tests can control expiry.
	now func() time.Time
}

// NewMemoryManager returns an in-memory implementation of Manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		leases: map[string]Lease{},
		now:    time.Now,
	}
}

// Acquire attempts to take the lease for key.
func (m *MemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := m.now()
	if held, ok := m.leases[key]; ok && held.ExpiresAt.After(now) {
		return Lease{}, ErrAlreadyHeld
	}

	lease := Lease{Key: key, Token: uuid.New().String(), ExpiresAt: now.Add(ttl)}
	m.leases[key] = lease

	return lease, nil
}

// Release drops the lease when the token still matches.
func (m *MemoryManager) Release(_ context.Context, lease Lease) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if held, ok := m.leases[lease.Key]; ok && held.Token == lease.Token {
		delete(m.leases, lease.Key)
	}

	return nil
}
