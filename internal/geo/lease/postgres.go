package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

// PostgresManager stores leases in the shared Postgres database. The grant is
// a single atomic upsert: the insert wins only when no lease exists or the
// existing one has expired, which gives the required check-and-set semantics
// across all processes.
type PostgresManager struct {
	db glsql.Querier
}

// NewPostgresManager returns a Manager backed by the shared database.
func NewPostgresManager(db glsql.Querier) *PostgresManager {
	return &PostgresManager{db: db}
}

// Acquire attempts to take the lease for key.
func (m *PostgresManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.New().String()

	var expiresAt time.Time
	err := m.db.QueryRowContext(ctx, `
		INSERT INTO leases (key, token, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 microsecond')
		ON CONFLICT (key) DO UPDATE
			SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			WHERE leases.expires_at < NOW()
		RETURNING expires_at`,
		key, token, ttl.Microseconds(),
	).Scan(&expiresAt)

	if err == sql.ErrNoRows {
		return Lease{}, ErrAlreadyHeld
	}
	if err != nil {
		// Fail closed: an unreachable store never grants a lease.
		return Lease{}, fmt.Errorf("acquire lease %q: %w", key, err)
	}

	return Lease{Key: key, Token: token, ExpiresAt: expiresAt}, nil
}

// Release drops the lease when the token still matches.
func (m *PostgresManager) Release(ctx context.Context, lease Lease) error {
	if _, err := m.db.ExecContext(ctx, `
		DELETE FROM leases WHERE key = $1 AND token = $2`,
		lease.Key, lease.Token,
	); err != nil {
		return fmt.Errorf("release lease %q: %w", lease.Key, err)
	}
	return nil
}
