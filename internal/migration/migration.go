package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// ErrDirtySchema means a previous migration failed halfway and needs a
// manual `migrate force` before the service can start.
var ErrDirtySchema = errors.New("migration: schema is dirty")

// RunMigrations brings the postgres schema up to the newest embedded
// version. The shared *sql.DB is left open.
func RunMigrations(db *sql.DB, log *zap.Logger) error {
	if db == nil {
		return errors.New("migration: database handle is required")
	}

	migrator, err := newMigrator(db)
	if err != nil {
		return err
	}

	from, dirty, err := migrator.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return fmt.Errorf("migration: read version: %w", err)
	case dirty:
		log.Error("schema is dirty", zap.Uint("version", from))
		return fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("schema up to date", zap.Uint("version", from))
			return nil
		}
		return fmt.Errorf("migration: apply: %w", err)
	}

	to, _, err := migrator.Version()
	if err != nil {
		return fmt.Errorf("migration: read version: %w", err)
	}
	log.Info("schema migrated", zap.Uint("from", from), zap.Uint("to", to))
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migration: open embedded files: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("migration: source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "patronage_schema_migrations"})
	if err != nil {
		return nil, fmt.Errorf("migration: driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}
