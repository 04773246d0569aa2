package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20210315100000_create_event_log",
		Up: []string{`CREATE TABLE event_log (
			id BIGSERIAL PRIMARY KEY,
			event_type varchar(64) NOT NULL,
			project_id bigint,
			payload JSONB NOT NULL,
			created_at timestamp NOT NULL DEFAULT NOW()
		)`,
			"CREATE INDEX event_log_project_id_idx ON event_log (project_id)",
		},
		Down: []string{"DROP TABLE event_log"},
	}

	allMigrations = append(allMigrations, m)
}
