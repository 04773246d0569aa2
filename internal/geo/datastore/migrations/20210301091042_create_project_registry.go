package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20210301091042_create_project_registry",
		Up: []string{`CREATE TABLE project_registry (
			entity_id bigint NOT NULL,
			kind varchar(32) NOT NULL,
			last_synced_at timestamp,
			last_successful_sync_at timestamp,
			retry_count integer,
			retry_at timestamp,
			force_redownload boolean NOT NULL DEFAULT FALSE,
			PRIMARY KEY (entity_id, kind)
		)`,
			"CREATE INDEX project_registry_retry_at_idx ON project_registry (retry_at)",
		},
		Down: []string{"DROP TABLE project_registry"},
	}

	allMigrations = append(allMigrations, m)
}
