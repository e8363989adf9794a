// Package remote defines the contract every remote backend implements.
package remote

import (
	"context"
	"time"

	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/transport"
)

// TokenSource supplies the bearer credential carried by remote calls.
type TokenSource = transport.TokenSource

// Adapter is a remote backend. scope is the identity whose records are read
// or written. A nil since fetches the full live set; otherwise every record
// (tombstones included) updated strictly after since is returned.
type Adapter interface {
	Name() string
	Ping(ctx context.Context) error
	Fetch(ctx context.Context, scope string, c models.Collection, since *time.Time) ([]models.Record, error)
	// FetchChanges reads several collections in one round trip.
	FetchChanges(ctx context.Context, scope string, since map[models.Collection]*time.Time) (map[models.Collection][]models.Record, error)
	UpsertBatch(ctx context.Context, scope string, c models.Collection, records []models.Record) error
	SoftDelete(ctx context.Context, scope string, c models.Collection, id string, at time.Time) error
}

// Notifier is implemented by adapters that push change notifications.
type Notifier interface {
	Changes(ctx context.Context, collections []models.Collection) (<-chan models.FeedMessage, error)
}

// Since returns a pointer to t, or nil when t is zero.
func Since(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
