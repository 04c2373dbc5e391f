package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Migrate applies the embedded schema for the handle's driver.
// The migrate instance is not closed: closing it would close the shared handle.
func Migrate(d *DB) error {
	if d == nil {
		return nil
	}

	var (
		driver database.Driver
		err    error
	)
	switch d.Driver {
	case DriverPostgres:
		driver, err = migratepgx.WithInstance(d.DB.DB, &migratepgx.Config{})
	case DriverSQLite:
		driver, err = migratesqlite.WithInstance(d.DB.DB, &migratesqlite.Config{})
	default:
		return fmt.Errorf("db: no migrations for driver %q", d.Driver)
	}
	if err != nil {
		return fmt.Errorf("db: failed to create migration driver: %w", err)
	}

	src, err := iofs.New(migrations, "migrations/"+string(d.Driver))
	if err != nil {
		return fmt.Errorf("db: failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(d.Driver), driver)
	if err != nil {
		return fmt.Errorf("db: failed to initialize migration instance: %w", err)
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info().Msg("db: no new migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("db: failed to apply migrations: %w", err)
	}

	log.Info().Msg("db: migrations applied successfully")
	return nil
}
