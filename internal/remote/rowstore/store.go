// Package rowstore is the relational row backend adapter. Every collection
// is a Postgres table keyed by id and scoped by user_id; updated_at is the
// timestamp the writing device gave the record.
package rowstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/transport"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements remote.Adapter over database/sql with the pgx driver.
type Store struct {
	db     *sql.DB
	tokens transport.TokenSource
	logger *events.Logger
}

// Open connects to dsn and optionally applies the schema.
func Open(ctx context.Context, dsn string, migrate bool, tokens transport.TokenSource, logger *events.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	s := New(db, tokens, logger)
	if migrate {
		if err := Migrate(ctx, db, logger); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an open database. When tokens is set, every transaction carries
// the bearer token in the request.jwt setting for row level security.
func New(db *sql.DB, tokens transport.TokenSource, logger *events.Logger) *Store {
	return &Store{
		db:     db,
		tokens: tokens,
		logger: logger.WithField("component", "rowstore"),
	}
}

// Migrate applies the embedded Postgres migrations.
func Migrate(ctx context.Context, db *sql.DB, logger *events.Logger) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return classify(fmt.Errorf("migration error: %w", err), "", "")
	}
	for _, r := range results {
		logger.WithFields(map[string]interface{}{
			"version":  r.Source.Version,
			"duration": r.Duration,
		}).Info("Applied row backend migration")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name returns the backend name.
func (s *Store) Name() string {
	return "relational"
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx), "", "")
}

func table(c models.Collection) (string, error) {
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownCollection, c)
	}
	return string(c), nil
}

// withTx runs fn in a transaction carrying the bearer token.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var token string
	if s.tokens != nil {
		var err error
		if token, err = s.tokens.Token(ctx); err != nil {
			return fmt.Errorf("bearer token: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if token != "" {
		if _, err := tx.ExecContext(ctx, `SELECT set_config('request.jwt', $1, true)`, token); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Fetch reads one collection.
func (s *Store) Fetch(ctx context.Context, scope string, c models.Collection, since *time.Time) ([]models.Record, error) {
	t, err := table(c)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, updated_at, deleted_at, data FROM ` + t + ` WHERE user_id = $1`
	args := []interface{}{scope}
	if since == nil {
		query += ` AND deleted_at IS NULL`
	} else {
		query += ` AND updated_at > $2`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY updated_at, id`

	var records []models.Record
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = []models.Record{}
		for rows.Next() {
			var r models.Record
			if err := scanRecord(rows, &r); err != nil {
				return err
			}
			records = append(records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to select %s: %w", t, err), c, "")
	}
	return records, nil
}

// FetchChanges reads several collections with one UNION ALL query.
func (s *Store) FetchChanges(ctx context.Context, scope string, since map[models.Collection]*time.Time) (map[models.Collection][]models.Record, error) {
	out := make(map[models.Collection][]models.Record, len(since))
	if len(since) == 0 {
		return out, nil
	}

	// deterministic statement text for a given request
	colls := make([]models.Collection, 0, len(since))
	for _, c := range models.Collections() {
		if _, ok := since[c]; ok {
			colls = append(colls, c)
		}
	}
	if len(colls) != len(since) {
		for c := range since {
			if !c.Valid() {
				return nil, fmt.Errorf("%w: %q", models.ErrUnknownCollection, c)
			}
		}
	}

	args := []interface{}{scope}
	parts := make([]string, 0, len(colls))
	for _, c := range colls {
		out[c] = []models.Record{}
		part := fmt.Sprintf(`SELECT '%s' AS collection, id, updated_at, deleted_at, data FROM %s WHERE user_id = $1`, c, c)
		if from := since[c]; from == nil {
			part += ` AND deleted_at IS NULL`
		} else {
			args = append(args, from.UTC())
			part += fmt.Sprintf(` AND updated_at > $%d`, len(args))
		}
		parts = append(parts, part)
	}
	query := strings.Join(parts, ` UNION ALL `) + ` ORDER BY updated_at, id`

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c string
			var r models.Record
			if err := scanRecord(rows, &r, &c); err != nil {
				return err
			}
			out[models.Collection(c)] = append(out[models.Collection(c)], r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to select changes: %w", err), "", "")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner, r *models.Record, prefix ...interface{}) error {
	var deleted sql.NullTime
	var data []byte

	dest := append(prefix, &r.ID, &r.UpdatedAt, &deleted, &data)
	if err := row.Scan(dest...); err != nil {
		return err
	}

	r.UpdatedAt = r.UpdatedAt.UTC()
	if deleted.Valid {
		at := deleted.Time.UTC()
		r.DeletedAt = &at
	}
	if len(data) > 0 && string(data) != "{}" {
		r.Data = json.RawMessage(data)
	}
	return nil
}

// UpsertBatch writes records in one transaction under last-writer-wins on
// the record's own updated_at. Older versions are skipped. A row owned by
// another user is left untouched and rejected.
func (s *Store) UpsertBatch(ctx context.Context, scope string, c models.Collection, records []models.Record) error {
	t, err := table(c)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO ` + t + ` (id, user_id, updated_at, deleted_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at,
			data = EXCLUDED.data
			WHERE ` + t + `.user_id = EXCLUDED.user_id
			AND ` + t + `.updated_at <= EXCLUDED.updated_at`

	var failedID string
	skipped := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range records {
			failedID = r.ID
			res, err := stmt.ExecContext(ctx, r.ID, scope, r.UpdatedAt.UTC(), nullTime(r.DeletedAt), payload(r.Data))
			if err != nil {
				return err
			}
			applied, err := checkApplied(ctx, tx, res, t, scope, c, r.ID)
			if err != nil {
				return err
			}
			if !applied {
				skipped++
			}
		}
		return nil
	})
	if err != nil {
		return classify(fmt.Errorf("db error: %w", err), c, failedID)
	}

	s.logger.WithFields(map[string]interface{}{
		"scope":      scope,
		"collection": c,
		"count":      len(records),
		"skipped":    skipped,
	}).Debug("Upserted rows")
	return nil
}

// SoftDelete tombstones id at the given time, inserting the tombstone when
// the row is unknown.
func (s *Store) SoftDelete(ctx context.Context, scope string, c models.Collection, id string, at time.Time) error {
	t, err := table(c)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ` + t + ` (id, user_id, updated_at, deleted_at, data)
		VALUES ($1, $2, $3, $3, '{}'::jsonb)
		ON CONFLICT (id)
		DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
			WHERE ` + t + `.user_id = EXCLUDED.user_id
			AND ` + t + `.updated_at <= EXCLUDED.updated_at`

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, id, scope, at.UTC())
		if err != nil {
			return err
		}
		_, err = checkApplied(ctx, tx, res, t, scope, c, id)
		return err
	})
	if err != nil {
		return classify(fmt.Errorf("db error: %w", err), c, id)
	}
	return nil
}

// checkApplied reports whether the write of id changed a row. An untouched
// row is either newer than the write, which is fine, or owned by someone
// else, which is rejected.
func checkApplied(ctx context.Context, tx *sql.Tx, res sql.Result, t, scope string, c models.Collection, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return true, nil
	case 0:
	default:
		return false, fmt.Errorf("unexpected rows affected: %d", n)
	}

	var owner string
	if err := tx.QueryRowContext(ctx, `SELECT user_id FROM `+t+` WHERE id = $1`, id).Scan(&owner); err != nil {
		return false, fmt.Errorf("owner lookup: %w", err)
	}
	if owner != scope {
		return false, &models.ValidationError{Collection: c, RecordID: id, Reason: "id belongs to another user"}
	}
	return false, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func payload(data json.RawMessage) string {
	if len(data) == 0 {
		return "{}"
	}
	return string(data)
}
