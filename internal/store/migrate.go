package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	poolMigrationsPath = "migrations/pool"
	migrationsTable    = "schema_migrations"
)

//go:embed migrations/pool/*.sql
var migrationsFS embed.FS

// MigrateDB applies the embedded pool database migrations.
func MigrateDB(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db", poolMigrationsPath)
	}

	sourceDriver, err := iofs.New(migrationsFS, poolMigrationsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", poolMigrationsPath, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", poolMigrationsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", poolMigrationsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", poolMigrationsPath, err)
	}
	return nil
}
