package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20210405120000_create_node_status",
		Up: []string{`CREATE TABLE node_status (
			node_name varchar(255) PRIMARY KEY,
			healthy boolean NOT NULL,
			diagnostic text NOT NULL DEFAULT '',
			last_contact_attempt_at timestamp NOT NULL,
			last_seen_active_at timestamp
		)`},
		Down: []string{"DROP TABLE node_status"},
	}

	allMigrations = append(allMigrations, m)
}
