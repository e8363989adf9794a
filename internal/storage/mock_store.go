package storage

import (
	"context"
	"sync"

	"github.com/TheMichaelB/daybook/internal/models"
)

// MockStore provides an in-memory implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	records map[string]map[string]models.Record
	failErr error
	writes  int
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		records: make(map[string]map[string]models.Record),
	}
}

func mockKey(owner string, c models.Collection) string {
	return owner + "/" + string(c)
}

func (m *MockStore) Get(_ context.Context, owner string, c models.Collection) ([]models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failErr != nil {
		return nil, m.failErr
	}

	var out []models.Record
	for _, r := range m.records[mockKey(owner, c)] {
		out = append(out, r.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (m *MockStore) Put(ctx context.Context, owner string, c models.Collection, r models.Record) error {
	return m.PutMany(ctx, owner, c, []models.Record{r})
}

func (m *MockStore) PutMany(_ context.Context, owner string, c models.Collection, records []models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}

	key := mockKey(owner, c)
	if m.records[key] == nil {
		m.records[key] = make(map[string]models.Record)
	}
	for _, r := range records {
		m.records[key][r.ID] = r.Clone()
	}
	m.writes++
	return nil
}

func (m *MockStore) Replace(_ context.Context, owner string, c models.Collection, records []models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}

	set := make(map[string]models.Record, len(records))
	for _, r := range records {
		set[r.ID] = r.Clone()
	}
	m.records[mockKey(owner, c)] = set
	m.writes++
	return nil
}

func (m *MockStore) Delete(_ context.Context, owner string, c models.Collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}

	delete(m.records[mockKey(owner, c)], id)
	m.writes++
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

// Helper methods for testing

// FailWith makes every later call return err. Pass nil to recover.
func (m *MockStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Writes returns the number of successful write calls.
func (m *MockStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Seed stores records directly, bypassing failure injection.
func (m *MockStore) Seed(owner string, c models.Collection, records ...models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mockKey(owner, c)
	if m.records[key] == nil {
		m.records[key] = make(map[string]models.Record)
	}
	for _, r := range records {
		m.records[key][r.ID] = r.Clone()
	}
}
