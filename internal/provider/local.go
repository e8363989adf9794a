package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/storage"
)

// LocalOnly serves every operation from the local store.
type LocalOnly struct {
	store    storage.Store
	identity string
	clock    models.Clock
	logger   *events.Logger
}

// NewLocalOnly creates a local-only provider for identity.
func NewLocalOnly(store storage.Store, identity string, clock models.Clock, logger *events.Logger) *LocalOnly {
	if clock == nil {
		clock = models.SystemClock{}
	}
	return &LocalOnly{
		store:    store,
		identity: identity,
		clock:    clock,
		logger: logger.WithFields(map[string]interface{}{
			"component": "local_provider",
			"identity":  identity,
		}),
	}
}

// Identity returns the identity served.
func (p *LocalOnly) Identity() string {
	return p.identity
}

// SupportsIncrementalSync is false: there is no partition to reconcile.
func (p *LocalOnly) SupportsIncrementalSync() bool {
	return false
}

// Get ignores since and returns the full live set.
func (p *LocalOnly) Get(ctx context.Context, c models.Collection, since *time.Time) (Snapshot, error) {
	records, err := p.store.Get(ctx, p.identity, c)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read %s: %w", c, err)
	}
	return Snapshot{Records: models.LiveOnly(records), Source: SourceLocal}, nil
}

// Save writes records locally. The outcome is Sent: nothing is left to do.
func (p *LocalOnly) Save(ctx context.Context, c models.Collection, records []models.Record) (Outcome, error) {
	if len(records) == 0 {
		return Sent, nil
	}
	if err := p.store.PutMany(ctx, p.identity, c, stamp(records, p.clock)); err != nil {
		return Failed, fmt.Errorf("save %s: %w", c, err)
	}
	return Sent, nil
}

// Delete stores a tombstone.
func (p *LocalOnly) Delete(ctx context.Context, c models.Collection, id string) (Outcome, error) {
	if _, err := tombstone(ctx, p.store, p.identity, c, id, p.clock.Now()); err != nil {
		return Failed, err
	}
	return Sent, nil
}

// tombstone marks id deleted in the local store and returns the tombstone.
func tombstone(ctx context.Context, store storage.Store, owner string, c models.Collection, id string, at time.Time) (models.Record, error) {
	records, err := store.Get(ctx, owner, c)
	if err != nil {
		return models.Record{}, fmt.Errorf("read %s: %w", c, err)
	}

	existing, ok := find(records, id)
	if !ok {
		existing = models.Record{ID: id}
	}
	dead := existing.Tombstone(at)

	if err := store.Put(ctx, owner, c, dead); err != nil {
		return models.Record{}, fmt.Errorf("delete %s/%s: %w", c, id, err)
	}
	return dead, nil
}
