package archive

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations brings db up to the latest schema version, following
// the embed.FS + goose.NewProvider pattern used to migrate the ledger
// database in tonimelisma-onedrive-go.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("archive: migrations subtree: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("archive: new goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	for _, r := range results {
		logger.Debug("applied migration", "path", r.Source.Path, "duration_ms", r.Duration.Milliseconds())
	}
	return nil
}
