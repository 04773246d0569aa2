package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20210301084521_create_leases_table",
		Up: []string{`CREATE TABLE leases (
			key varchar(255) NOT NULL,
			token varchar(255) NOT NULL,
			expires_at timestamp NOT NULL,
			PRIMARY KEY (key)
		)`},
		Down: []string{"DROP TABLE leases"},
	}

	allMigrations = append(allMigrations, m)
}
