package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20210322143000_create_update_queue",
		Up: []string{`CREATE TABLE update_queue (
			id BIGSERIAL PRIMARY KEY,
			project_id bigint NOT NULL,
			clone_url text NOT NULL,
			created_at timestamp NOT NULL DEFAULT NOW()
		)`},
		Down: []string{"DROP TABLE update_queue"},
	}

	allMigrations = append(allMigrations, m)
}
