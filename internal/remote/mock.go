package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/daybook/internal/models"
)

// Call records one MockAdapter invocation.
type Call struct {
	Op         string
	Scope      string
	Collection models.Collection
	Since      *time.Time
	IDs        []string
}

// MockAdapter is an in-memory backend for tests. When ServerTime is set,
// writes are stamped with it instead of the client timestamp.
type MockAdapter struct {
	mu sync.Mutex

	data  map[string]map[models.Collection]map[string]models.Record
	calls []Call

	// Err fails every call when set.
	Err error
	// OpErr fails calls of one op ("fetch", "upsert", "delete", "ping").
	OpErr map[string]error
	// FailFor fails writes touching a record id.
	FailFor map[string]error

	ServerTime func() time.Time
}

// NewMockAdapter creates an empty backend.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		data:    make(map[string]map[models.Collection]map[string]models.Record),
		OpErr:   make(map[string]error),
		FailFor: make(map[string]error),
	}
}

// Name returns "mock".
func (m *MockAdapter) Name() string { return "mock" }

// SetErr sets or clears the global failure.
func (m *MockAdapter) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// SetOpErr sets or clears the failure of one op.
func (m *MockAdapter) SetOpErr(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.OpErr, op)
		return
	}
	m.OpErr[op] = err
}

// SetFailFor sets or clears the failure for writes of id.
func (m *MockAdapter) SetFailFor(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.FailFor, id)
		return
	}
	m.FailFor[id] = err
}

func (m *MockAdapter) fail(op string, ids ...string) error {
	if m.Err != nil {
		return m.Err
	}
	if err, ok := m.OpErr[op]; ok {
		return err
	}
	for _, id := range ids {
		if err, ok := m.FailFor[id]; ok {
			return err
		}
	}
	return nil
}

func (m *MockAdapter) table(scope string, c models.Collection) map[string]models.Record {
	byColl, ok := m.data[scope]
	if !ok {
		byColl = make(map[models.Collection]map[string]models.Record)
		m.data[scope] = byColl
	}
	t, ok := byColl[c]
	if !ok {
		t = make(map[string]models.Record)
		byColl[c] = t
	}
	return t
}

// Ping fails with the configured error.
func (m *MockAdapter) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "ping"})
	return m.fail("ping")
}

// Fetch returns the stored records of c.
func (m *MockAdapter) Fetch(ctx context.Context, scope string, c models.Collection, since *time.Time) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: "fetch", Scope: scope, Collection: c, Since: since})
	if err := m.fail("fetch"); err != nil {
		return nil, err
	}
	return m.fetch(scope, c, since), nil
}

func (m *MockAdapter) fetch(scope string, c models.Collection, since *time.Time) []models.Record {
	out := []models.Record{}
	for _, r := range m.table(scope, c) {
		switch {
		case since == nil && r.IsTombstone():
			continue
		case since != nil && !r.UpdatedAt.After(*since):
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// FetchChanges fetches every requested collection.
func (m *MockAdapter) FetchChanges(ctx context.Context, scope string, since map[models.Collection]*time.Time) (map[models.Collection][]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: "changes", Scope: scope})
	if err := m.fail("fetch"); err != nil {
		return nil, err
	}

	out := make(map[models.Collection][]models.Record, len(since))
	for c, s := range since {
		out[c] = m.fetch(scope, c, s)
	}
	return out, nil
}

// UpsertBatch stores records.
func (m *MockAdapter) UpsertBatch(ctx context.Context, scope string, c models.Collection, records []models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	m.calls = append(m.calls, Call{Op: "upsert", Scope: scope, Collection: c, IDs: ids})
	if err := m.fail("upsert", ids...); err != nil {
		return err
	}

	t := m.table(scope, c)
	for _, r := range records {
		r = r.Clone()
		if m.ServerTime != nil {
			r.UpdatedAt = m.ServerTime()
		}
		t[r.ID] = r
	}
	return nil
}

// SoftDelete tombstones id.
func (m *MockAdapter) SoftDelete(ctx context.Context, scope string, c models.Collection, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: "delete", Scope: scope, Collection: c, IDs: []string{id}})
	if err := m.fail("delete", id); err != nil {
		return err
	}

	if m.ServerTime != nil {
		at = m.ServerTime()
	}
	t := m.table(scope, c)
	r, ok := t[id]
	if !ok {
		r = models.Record{ID: id}
	}
	t[id] = r.Tombstone(at)
	return nil
}

// Seed stores records directly, bypassing failure injection.
func (m *MockAdapter) Seed(scope string, c models.Collection, records ...models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(scope, c)
	for _, r := range records {
		t[r.ID] = r.Clone()
	}
}

// Record returns a stored record.
func (m *MockAdapter) Record(scope string, c models.Collection, id string) (models.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.table(scope, c)[id]
	return r.Clone(), ok
}

// Calls returns the recorded calls.
func (m *MockAdapter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount counts calls of op.
func (m *MockAdapter) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (m *MockAdapter) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockAdapter) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("MockAdapter(%d scopes)", len(m.data))
}
