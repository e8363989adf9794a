package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
)

// SQLiteStore keeps watermarks in the local database. The watermarks table
// is created by storage.OpenDatabase.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore creates a watermark store over db. The caller owns db.
func NewSQLiteStore(db *sql.DB, logger *events.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_watermark_store"),
	}
}

// Load retrieves a watermark.
func (s *SQLiteStore) Load(identity string, c models.Collection) (time.Time, error) {
	var at int64
	err := s.db.QueryRow(`
        SELECT at FROM watermarks
        WHERE identity = ? AND collection = ?
    `, identity, string(c)).Scan(&at)

	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrWatermarkNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query watermark: %w", err)
	}

	return time.Unix(0, at).UTC(), nil
}

// Save upserts a watermark without ever moving it backwards.
func (s *SQLiteStore) Save(identity string, c models.Collection, at time.Time) error {
	if at.IsZero() {
		return nil
	}

	s.logger.WithFields(map[string]interface{}{
		"identity":   identity,
		"collection": c,
		"at":         models.FormatTime(at),
	}).Debug("Saving watermark")

	_, err := s.db.Exec(`
        INSERT INTO watermarks (identity, collection, at)
        VALUES (?, ?, ?)
        ON CONFLICT(identity, collection) DO UPDATE SET
            at = MAX(watermarks.at, excluded.at)
    `, identity, string(c), at.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert watermark: %w", err)
	}

	return nil
}

// Reset removes all watermarks of an identity.
func (s *SQLiteStore) Reset(identity string) error {
	s.logger.WithField("identity", identity).Info("Resetting watermarks")

	if _, err := s.db.Exec("DELETE FROM watermarks WHERE identity = ?", identity); err != nil {
		return fmt.Errorf("delete watermarks: %w", err)
	}

	return nil
}

// List returns the watermarks of an identity.
func (s *SQLiteStore) List(identity string) (map[models.Collection]time.Time, error) {
	rows, err := s.db.Query("SELECT collection, at FROM watermarks WHERE identity = ? ORDER BY collection", identity)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Collection]time.Time)
	for rows.Next() {
		var (
			c  string
			at int64
		)
		if err := rows.Scan(&c, &at); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out[models.Collection(c)] = time.Unix(0, at).UTC()
	}

	return out, rows.Err()
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLiteStore) Close() error {
	return nil
}
