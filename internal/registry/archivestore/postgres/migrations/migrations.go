// Package migrations applies the registry archive's schema using
// golang-migrate, mirroring the teacher's internal/platform/migrations.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq"
)

//go:embed sql/*.sql
var sqlFS embed.FS

// Up applies every pending migration against dsn.
func Up(dsn string) error {
	source, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply registry archive migrations: %w", err)
	}
	return nil
}
