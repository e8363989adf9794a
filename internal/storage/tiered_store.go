package storage

import (
	"context"
	"errors"

	"github.com/TheMichaelB/daybook/internal/models"
)

// SmallCollections are kept in the small tier.
var SmallCollections = []models.Collection{
	models.CollectionHabits,
	models.CollectionRoutines,
}

// TieredStore routes small collections to a key/blob store and everything
// else to the bulk store.
type TieredStore struct {
	small Store
	bulk  Store
	route map[models.Collection]bool
}

// NewTieredStore combines the two tiers.
func NewTieredStore(small, bulk Store) *TieredStore {
	route := make(map[models.Collection]bool, len(SmallCollections))
	for _, c := range SmallCollections {
		route[c] = true
	}
	return &TieredStore{small: small, bulk: bulk, route: route}
}

// Tier returns the store that holds c.
func (t *TieredStore) Tier(c models.Collection) Store {
	if t.route[c] {
		return t.small
	}
	return t.bulk
}

func (t *TieredStore) Get(ctx context.Context, owner string, c models.Collection) ([]models.Record, error) {
	return t.Tier(c).Get(ctx, owner, c)
}

func (t *TieredStore) Put(ctx context.Context, owner string, c models.Collection, r models.Record) error {
	return t.Tier(c).Put(ctx, owner, c, r)
}

func (t *TieredStore) PutMany(ctx context.Context, owner string, c models.Collection, records []models.Record) error {
	return t.Tier(c).PutMany(ctx, owner, c, records)
}

func (t *TieredStore) Replace(ctx context.Context, owner string, c models.Collection, records []models.Record) error {
	return t.Tier(c).Replace(ctx, owner, c, records)
}

func (t *TieredStore) Delete(ctx context.Context, owner string, c models.Collection, id string) error {
	return t.Tier(c).Delete(ctx, owner, c, id)
}

// Close closes both tiers.
func (t *TieredStore) Close() error {
	return errors.Join(t.small.Close(), t.bulk.Close())
}
