package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
)

// SQLiteLog persists queue items in the local database so they survive
// restarts. The queue_items table is created by storage.OpenDatabase.
type SQLiteLog struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteLog creates a durable log over db. The caller owns db.
func NewSQLiteLog(db *sql.DB, logger *events.Logger) *SQLiteLog {
	return &SQLiteLog{
		db:     db,
		logger: logger.WithField("component", "sqlite_queue_log"),
	}
}

func (l *SQLiteLog) Append(ctx context.Context, item models.QueueItem) (models.QueueItem, error) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	res, err := l.db.ExecContext(ctx, `
        INSERT INTO queue_items (identity, type, record_id, payload, attempts, last_error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, item.Identity, item.Type, item.RecordID, []byte(item.Payload), item.Attempts, item.LastError, item.CreatedAt.UnixNano())
	if err != nil {
		return item, fmt.Errorf("insert queue item: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return item, fmt.Errorf("read queue sequence: %w", err)
	}
	item.Seq = seq

	l.logger.WithFields(map[string]interface{}{
		"seq":       seq,
		"type":      item.Type,
		"record_id": item.RecordID,
	}).Debug("Queued mutation")

	return item, nil
}

func (l *SQLiteLog) Coalesce(ctx context.Context, item models.QueueItem, skip int64) (bool, error) {
	if item.RecordID == "" {
		return false, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq      int64
		itemType string
		recordID string
	)
	err = tx.QueryRowContext(ctx, `
        SELECT seq, type, record_id FROM queue_items
        WHERE identity = ? AND (record_id = ? OR (record_id = '' AND type = ?))
        ORDER BY seq DESC
        LIMIT 1
    `, item.Identity, item.RecordID, item.Type).Scan(&seq, &itemType, &recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find coalesce target: %w", err)
	}

	if recordID != item.RecordID || itemType != item.Type || seq == skip {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE queue_items SET payload = ? WHERE seq = ?", []byte(item.Payload), seq); err != nil {
		return false, fmt.Errorf("coalesce queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit coalesce: %w", err)
	}

	l.logger.WithFields(map[string]interface{}{
		"seq":       seq,
		"record_id": item.RecordID,
	}).Debug("Coalesced mutation")

	return true, nil
}

func (l *SQLiteLog) Peek(ctx context.Context, identity string) (models.QueueItem, bool, error) {
	items, err := l.query(ctx, `
        SELECT seq, identity, type, record_id, payload, attempts, last_error, created_at
        FROM queue_items WHERE identity = ? ORDER BY seq LIMIT 1
    `, identity)
	if err != nil || len(items) == 0 {
		return models.QueueItem{}, false, err
	}
	return items[0], true, nil
}

func (l *SQLiteLog) List(ctx context.Context, identity string) ([]models.QueueItem, error) {
	return l.query(ctx, `
        SELECT seq, identity, type, record_id, payload, attempts, last_error, created_at
        FROM queue_items WHERE identity = ? ORDER BY seq
    `, identity)
}

func (l *SQLiteLog) Remove(ctx context.Context, seq int64) error {
	res, err := l.db.ExecContext(ctx, "DELETE FROM queue_items WHERE seq = ?", seq)
	if err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	return expectOne(res, seq)
}

func (l *SQLiteLog) MarkFailed(ctx context.Context, seq int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := l.db.ExecContext(ctx,
		"UPDATE queue_items SET attempts = attempts + 1, last_error = ? WHERE seq = ?", msg, seq)
	if err != nil {
		return fmt.Errorf("mark queue item failed: %w", err)
	}
	return expectOne(res, seq)
}

// Close is a no-op; the database belongs to the caller.
func (l *SQLiteLog) Close() error {
	return nil
}

func (l *SQLiteLog) query(ctx context.Context, query string, args ...interface{}) ([]models.QueueItem, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		var (
			item      models.QueueItem
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&item.Seq, &item.Identity, &item.Type, &item.RecordID,
			&payload, &item.Attempts, &item.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.Payload = payload
		item.CreatedAt = time.Unix(0, createdAt).UTC()
		items = append(items, item)
	}

	return items, rows.Err()
}

func expectOne(res sql.Result, seq int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrItemNotFound, seq)
	}
	return nil
}
