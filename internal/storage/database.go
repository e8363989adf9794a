package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/TheMichaelB/daybook/internal/events"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenDatabase opens the local SQLite database shared by the bulk tier,
// the watermark table and the offline queue, and applies pending migrations.
func OpenDatabase(ctx context.Context, path string, logger *events.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, wrap("open database", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrap("open database", path, err)
	}

	if err := Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate applies the embedded migrations.
func Migrate(ctx context.Context, db *sql.DB, logger *events.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return wrap("migrate database", "", err)
	}

	for _, r := range results {
		logger.WithFields(map[string]interface{}{
			"component": "local_database",
			"version":   r.Source.Version,
			"duration":  r.Duration.String(),
		}).Debug("Applied migration")
	}

	return nil
}
