package testutil

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/daybook/internal/models"
)

// MockAdapter is a testify mock of remote.Adapter for call-level expectations.
type MockAdapter struct {
	mock.Mock
}

// Name returns "testify".
func (m *MockAdapter) Name() string {
	return "testify"
}

// Ping mocks the health check.
func (m *MockAdapter) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// Fetch mocks a collection read.
func (m *MockAdapter) Fetch(ctx context.Context, scope string, c models.Collection, since *time.Time) ([]models.Record, error) {
	args := m.Called(ctx, scope, c, since)
	records, _ := args.Get(0).([]models.Record)
	return records, args.Error(1)
}

// FetchChanges mocks the consolidated read.
func (m *MockAdapter) FetchChanges(ctx context.Context, scope string, since map[models.Collection]*time.Time) (map[models.Collection][]models.Record, error) {
	args := m.Called(ctx, scope, since)
	changes, _ := args.Get(0).(map[models.Collection][]models.Record)
	return changes, args.Error(1)
}

// UpsertBatch mocks a batch write.
func (m *MockAdapter) UpsertBatch(ctx context.Context, scope string, c models.Collection, records []models.Record) error {
	return m.Called(ctx, scope, c, records).Error(0)
}

// SoftDelete mocks a tombstone write.
func (m *MockAdapter) SoftDelete(ctx context.Context, scope string, c models.Collection, id string, at time.Time) error {
	return m.Called(ctx, scope, c, id, at).Error(0)
}

// AssertMockExpectations verifies all mock expectations.
func AssertMockExpectations(t mock.TestingT, mocks ...interface{}) {
	for _, m := range mocks {
		if mockObj, ok := m.(interface{ AssertExpectations(mock.TestingT) bool }); ok {
			mockObj.AssertExpectations(t)
		}
	}
}
