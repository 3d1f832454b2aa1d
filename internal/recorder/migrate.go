package recorder

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql pgx driver for migrations

	dbmigrations "github.com/melq/mdgate/db/migrations"
	"github.com/melq/mdgate/internal/observability"
)

// Migrate applies the embedded schema migrations to the recorder database.
func Migrate(dsn string, log observability.Logger) error {
	if log == nil {
		log = observability.Log()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Error("migrations close", observability.F("err", cerr))
		}
	}()

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("recorder schema up-to-date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("recorder schema migrated")
	return nil
}
