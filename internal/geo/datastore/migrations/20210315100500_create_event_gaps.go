package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20210315100500_create_event_gaps",
		Up: []string{`CREATE TABLE event_gaps (
			id bigint PRIMARY KEY,
			recorded_at timestamp NOT NULL DEFAULT NOW()
		)`,
			"CREATE INDEX event_gaps_recorded_at_idx ON event_gaps (recorded_at)",
			`CREATE TABLE event_cursor (
			node_name varchar(255) PRIMARY KEY,
			previous_id bigint NOT NULL
		)`,
		},
		Down: []string{"DROP TABLE event_gaps", "DROP TABLE event_cursor"},
	}

	allMigrations = append(allMigrations, m)
}
