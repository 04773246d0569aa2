package migrations

import (
	migrate "github.com/rubenv/sql-migrate"
)

// MigrationTableName is the name of the SQL table used to store migration info.
const MigrationTableName = "schema_migrations"

var allMigrations []*migrate.Migration

// All returns all migrations defined in the package
func All() []*migrate.Migration {
	return allMigrations
}

// LatestID returns the identifier of the newest known migration. The health
// checker compares it against the version recorded in the database.
func LatestID() string {
	if len(allMigrations) == 0 {
		return ""
	}
	return allMigrations[len(allMigrations)-1].Id
}
