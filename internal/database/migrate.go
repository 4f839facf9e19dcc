package database

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations installs the vector extension and the memory index catalog. Per-index record
// tables are created later by the pgvector index itself.
func RunMigrations(dsn, migrationsPath string) error {
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsPath),
		dsn,
	)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	ver, dirty, _ := m.Version()
	if dirty {
		return fmt.Errorf("migration %d is dirty; fix the schema and force the version", ver)
	}
	slog.Info("database migrations applied", "version", ver)
	return nil
}
