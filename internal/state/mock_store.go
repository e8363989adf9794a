package state

import (
	"sync"
	"time"

	"github.com/TheMichaelB/daybook/internal/models"
)

// MockStore provides a mock implementation for testing.
type MockStore struct {
	mu    sync.RWMutex
	marks map[string]map[models.Collection]time.Time
	saves int
}

// NewMockStore creates a mock watermark store.
func NewMockStore() *MockStore {
	return &MockStore{
		marks: make(map[string]map[models.Collection]time.Time),
	}
}

// Load loads a watermark.
func (m *MockStore) Load(identity string, c models.Collection) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if at, ok := m.marks[identity][c]; ok {
		return at, nil
	}
	return time.Time{}, ErrWatermarkNotFound
}

// Save stores a watermark if it moves forward.
func (m *MockStore) Save(identity string, c models.Collection, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++
	if at.IsZero() {
		return nil
	}
	if m.marks[identity] == nil {
		m.marks[identity] = make(map[models.Collection]time.Time)
	}
	if existing, ok := m.marks[identity][c]; ok && !at.After(existing) {
		return nil
	}
	m.marks[identity][c] = at.UTC()
	return nil
}

// Reset removes the watermarks of an identity.
func (m *MockStore) Reset(identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.marks, identity)
	return nil
}

// List returns all watermarks of an identity.
func (m *MockStore) List(identity string) (map[models.Collection]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[models.Collection]time.Time, len(m.marks[identity]))
	for c, at := range m.marks[identity] {
		out[c] = at
	}
	return out, nil
}

// Close closes the store (no-op for mock).
func (m *MockStore) Close() error {
	return nil
}

// Helper methods for testing

// Saves returns how many times Save was called.
func (m *MockStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
