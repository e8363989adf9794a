package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/TheMichaelB/daybook/internal/models"
)

// Store persists records per owner and collection. Records returned by Get
// include tombstones; callers filter with models.LiveOnly.
type Store interface {
	// Get returns every stored record of a collection.
	Get(ctx context.Context, owner string, c models.Collection) ([]models.Record, error)

	// Put inserts or replaces one record.
	Put(ctx context.Context, owner string, c models.Collection, r models.Record) error

	// PutMany inserts or replaces records in one write.
	PutMany(ctx context.Context, owner string, c models.Collection, records []models.Record) error

	// Replace swaps the whole collection for records.
	Replace(ctx context.Context, owner string, c models.Collection, records []models.Record) error

	// Delete removes a record outright. Missing ids are not an error.
	Delete(ctx context.Context, owner string, c models.Collection, id string) error

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrCorrupt      = errors.New("local store is corrupt")
	ErrInvalidOwner = errors.New("invalid owner")
)

// CurrentSchemaVersion of the small tier files.
const CurrentSchemaVersion = 1

func sortRecords(records []models.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})
}
