package database

import (
	"database/sql"
	"embed"

	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"

	"github.com/kbukum/runkit/database/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func sqliteDriver(db *sql.DB) (migratedb.Driver, error) {
	return sqlite3.WithInstance(db, &sqlite3.Config{})
}

// Migrate applies the embedded schema migrations.
func (d *DB) Migrate() error {
	d.log.Info("Applying schema migrations")
	return migration.MigrateUp(d.GormDB, migrationsFS, "migrations", sqliteDriver)
}

// SchemaVersion reports the applied migration version.
func (d *DB) SchemaVersion() (uint, bool, error) {
	return migration.MigrateVersion(d.GormDB, migrationsFS, "migrations", sqliteDriver)
}
