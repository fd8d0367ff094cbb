package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var embedded embed.FS

// newMigrate builds a migrator over db. An empty path uses the migrations
// compiled into the binary; otherwise path is read from disk.
//
// Closing the migrator closes db as well.
func newMigrate(db *sql.DB, path string) (*migrate.Migrate, error) {
	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	if path == "" {
		src, err := iofs.New(embedded, "migrations")
		if err != nil {
			return nil, fmt.Errorf("embedded migrations: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, "pgx5", driver)
	}
	return migrate.NewWithDatabaseInstance("file://"+path, "pgx5", driver)
}

func RunMigrations(db *sql.DB, path string) error {
	m, err := newMigrate(db, path)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func RollbackMigration(db *sql.DB, path string) error {
	m, err := newMigrate(db, path)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

func GetMigrationVersion(db *sql.DB, path string) (uint, bool, error) {
	m, err := newMigrate(db, path)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
