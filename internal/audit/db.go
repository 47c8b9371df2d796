package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wolfman30/booking-guard/internal/audit/migrations"
)

// Open connects to Postgres through the pgx driver and pings it.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping db: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema. An up-to-date schema is not an error.
func Migrate(db *sql.DB) error {
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "submission_audit_migrations"})
	if err != nil {
		return fmt.Errorf("audit: db driver: %w", err)
	}
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("audit: source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("audit: create migrator: %w", err)
	}
	// m is left open: closing it would also close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}
