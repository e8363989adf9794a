package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
)

// SQLiteStore is the bulk tier. It shares the database opened by
// OpenDatabase and does not close it.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore creates the bulk tier over db.
func NewSQLiteStore(db *sql.DB, logger *events.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_record_store"),
	}
}

// Get returns all records of a collection ordered by update time.
func (s *SQLiteStore) Get(ctx context.Context, owner string, c models.Collection) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, updated_at, deleted_at, data
        FROM records
        WHERE owner = ? AND collection = ?
        ORDER BY updated_at, id
    `, owner, string(c))
	if err != nil {
		return nil, wrap("query records", string(c), err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var (
			r         models.Record
			updatedAt int64
			deletedAt sql.NullInt64
			data      []byte
		)
		if err := rows.Scan(&r.ID, &updatedAt, &deletedAt, &data); err != nil {
			return nil, wrap("scan record", string(c), err)
		}
		r.UpdatedAt = fromNanos(updatedAt)
		if deletedAt.Valid {
			at := fromNanos(deletedAt.Int64)
			r.DeletedAt = &at
		}
		if len(data) > 0 {
			r.Data = data
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("iterate records", string(c), err)
	}

	return records, nil
}

// Put upserts one record.
func (s *SQLiteStore) Put(ctx context.Context, owner string, c models.Collection, r models.Record) error {
	return s.PutMany(ctx, owner, c, []models.Record{r})
}

// PutMany upserts records in a single transaction.
func (s *SQLiteStore) PutMany(ctx context.Context, owner string, c models.Collection, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.logger.WithFields(map[string]interface{}{
		"owner":      owner,
		"collection": c,
		"count":      len(records),
	}).Debug("Writing records")

	return s.withTx(ctx, "put records", c, func(tx *sql.Tx) error {
		return insertRecords(ctx, tx, owner, c, records)
	})
}

// Replace deletes the collection and writes records in one transaction.
func (s *SQLiteStore) Replace(ctx context.Context, owner string, c models.Collection, records []models.Record) error {
	s.logger.WithFields(map[string]interface{}{
		"owner":      owner,
		"collection": c,
		"count":      len(records),
	}).Debug("Replacing collection")

	return s.withTx(ctx, "replace records", c, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM records WHERE owner = ? AND collection = ?", owner, string(c)); err != nil {
			return err
		}
		return insertRecords(ctx, tx, owner, c, records)
	})
}

// Delete removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, owner string, c models.Collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE owner = ? AND collection = ? AND id = ?", owner, string(c), id)
	return wrap("delete record", string(c), err)
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLiteStore) Close() error {
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, c models.Collection, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", string(c), err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return wrap(op, string(c), err)
	}

	return wrap("commit "+op, string(c), tx.Commit())
}

func insertRecords(ctx context.Context, tx *sql.Tx, owner string, c models.Collection, records []models.Record) error {
	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO records (owner, collection, id, updated_at, deleted_at, data)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(owner, collection, id) DO UPDATE SET
            updated_at = excluded.updated_at,
            deleted_at = excluded.deleted_at,
            data = excluded.data
    `)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var deletedAt sql.NullInt64
		if r.DeletedAt != nil {
			deletedAt = sql.NullInt64{Int64: r.DeletedAt.UnixNano(), Valid: true}
		}
		var data []byte
		if len(r.Data) > 0 {
			data = r.Data
		}
		if _, err := stmt.ExecContext(ctx, owner, string(c), r.ID, r.UpdatedAt.UnixNano(), deletedAt, data); err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}

	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
