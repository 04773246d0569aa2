package health

import (
	"context"
	"database/sql"
	"fmt"

	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/migrations"
)

// fdwSchema is the schema the secondary's foreign data wrapper mirror of the
// primary database lives in.
const fdwSchema = "gitlab_secondary"

// Checker verifies a secondary's tracking database is a usable streaming
// replica. Check short-circuits on the first failing probe so the diagnostic
// always names the most fundamental problem.
type Checker struct {
	db glsql.Querier
}

// NewChecker returns a Checker over the secondary's tracking database.
func NewChecker(db glsql.Querier) *Checker {
	return &Checker{db: db}
}

// Check runs the replica probes in order. It returns "" when all pass, or
// the first failing probe's diagnostic. The error return is reserved for an
// unreachable database.
func (c *Checker) Check(ctx context.Context) (string, error) {
	for _, probe := range []func(context.Context) (string, error){
		c.checkStreamingReplica,
		c.checkSchemaVersion,
		c.checkFDWSchema,
		c.checkWALReceiver,
	} {
		diagnostic, err := probe(ctx)
		if err != nil || diagnostic != "" {
			return diagnostic, err
		}
	}

	return "", nil
}

func (c *Checker) checkStreamingReplica(ctx context.Context) (string, error) {
	var inRecovery bool
	if err := c.db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return "", fmt.Errorf("query recovery state: %w", err)
	}

	if !inRecovery {
		return "database is not configured as a streaming replica", nil
	}

	return "", nil
}

func (c *Checker) checkSchemaVersion(ctx context.Context) (string, error) {
	var current string
	err := c.db.QueryRowContext(ctx,
		"SELECT id FROM "+migrations.MigrationTableName+" ORDER BY id DESC LIMIT 1",
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		return "database schema has no applied migrations", nil
	case err != nil:
		return "", fmt.Errorf("query schema version: %w", err)
	}

	if latest := migrations.LatestID(); current != latest {
		return fmt.Sprintf("database schema version %q does not match expected %q", current, latest), nil
	}

	return "", nil
}

func (c *Checker) checkFDWSchema(ctx context.Context) (string, error) {
	var tables, columns int
	if err := c.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM information_schema.foreign_tables WHERE foreign_table_schema = $1),
			(SELECT COUNT(*) FROM information_schema.columns WHERE table_schema = $1)`,
		fdwSchema,
	).Scan(&tables, &columns); err != nil {
		return "", fmt.Errorf("query foreign data wrapper schema: %w", err)
	}

	if tables == 0 {
		return fmt.Sprintf("foreign data wrapper schema %q contains no foreign tables", fdwSchema), nil
	}
	if columns == 0 {
		return fmt.Sprintf("foreign data wrapper schema %q contains tables without columns", fdwSchema), nil
	}

	return "", nil
}

func (c *Checker) checkWALReceiver(ctx context.Context) (string, error) {
	var receivers int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pg_stat_wal_receiver").Scan(&receivers); err != nil {
		return "", fmt.Errorf("query WAL receiver state: %w", err)
	}

	if receivers == 0 {
		return "no active WAL receiver, streaming replication is not running", nil
	}

	return "", nil
}
