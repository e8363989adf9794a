// Package provider implements the storage capability set every feature reads
// and writes through, in a local-only and a remote-backed variant.
package provider

import (
	"context"
	"time"

	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/queue"
)

// Source tells where a snapshot came from.
type Source int

const (
	// SourceLocal means the records were read from the local store.
	SourceLocal Source = iota
	// SourceRemote means the remote answered.
	SourceRemote
)

func (s Source) String() string {
	if s == SourceRemote {
		return "remote"
	}
	return "local"
}

// Snapshot is the result of a Get.
type Snapshot struct {
	Records []models.Record
	Source  Source
	// Newest is the latest updatedAt among the records the remote sent.
	// Local records kept for queued writes do not count. Zero for local
	// snapshots.
	Newest time.Time
}

// Outcome of a write. The local write has always happened when err is nil.
type Outcome = queue.Outcome

// Write outcomes.
const (
	Failed = queue.Failed
	Sent   = queue.Sent
	Queued = queue.Queued
)

// Provider is the storage capability set.
type Provider interface {
	// Identity is the account whose data the provider serves.
	Identity() string

	// SupportsIncrementalSync reports whether Get honours since.
	SupportsIncrementalSync() bool

	// Get returns the full live set when since is nil, otherwise every
	// record (tombstones included) updated after since.
	Get(ctx context.Context, c models.Collection, since *time.Time) (Snapshot, error)

	// Save upserts records. It accepts a single record or a whole collection.
	Save(ctx context.Context, c models.Collection, records []models.Record) (Outcome, error)

	// Delete tombstones a record.
	Delete(ctx context.Context, c models.Collection, id string) (Outcome, error)
}

// BatchGetter is implemented by providers that can read several collections
// in one round trip. since maps each collection to its lower bound, nil
// meaning a full read.
type BatchGetter interface {
	GetMany(ctx context.Context, since map[models.Collection]*time.Time) (map[models.Collection]Snapshot, error)
}

// stamp sets UpdatedAt on records that carry none.
func stamp(records []models.Record, clock models.Clock) []models.Record {
	out := make([]models.Record, len(records))
	for i, r := range records {
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = clock.Now()
		}
		if r.ID == "" {
			r.ID = models.NewID()
		}
		out[i] = r
	}
	return out
}

// find returns the stored record with id.
func find(records []models.Record, id string) (models.Record, bool) {
	for _, r := range records {
		if r.ID == id {
			return r, true
		}
	}
	return models.Record{}, false
}
