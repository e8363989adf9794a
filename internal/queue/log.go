package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/daybook/internal/models"
)

// Log is the durable FIFO behind a Queue.
type Log interface {
	// Append stores item at the tail and returns it with Seq and CreatedAt set.
	Append(ctx context.Context, item models.QueueItem) (models.QueueItem, error)

	// Coalesce overwrites the payload of the newest item for the same record
	// when it has the same type. The item with seq skip is never touched.
	Coalesce(ctx context.Context, item models.QueueItem, skip int64) (bool, error)

	// Peek returns the head item of an identity.
	Peek(ctx context.Context, identity string) (models.QueueItem, bool, error)

	// List returns every item of an identity in FIFO order.
	List(ctx context.Context, identity string) ([]models.QueueItem, error)

	// Remove deletes an item.
	Remove(ctx context.Context, seq int64) error

	// MarkFailed bumps the attempt counter and records the failure.
	MarkFailed(ctx context.Context, seq int64, cause error) error

	// Close releases resources.
	Close() error
}

// ErrItemNotFound is returned for an unknown sequence number.
var ErrItemNotFound = errors.New("queue item not found")

// MemoryLog is a non-durable Log for tests and signed-out sessions.
type MemoryLog struct {
	mu    sync.Mutex
	items []models.QueueItem
	next  int64
	now   func() time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{next: 1, now: func() time.Time { return time.Now().UTC() }}
}

func (m *MemoryLog) Append(_ context.Context, item models.QueueItem) (models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item.Seq = m.next
	m.next++
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	item.Payload = append([]byte(nil), item.Payload...)
	m.items = append(m.items, item)
	return item, nil
}

func (m *MemoryLog) Coalesce(_ context.Context, item models.QueueItem, skip int64) (bool, error) {
	if item.RecordID == "" {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.items) - 1; i >= 0; i-- {
		existing := m.items[i]
		if existing.Identity != item.Identity {
			continue
		}
		if existing.RecordID == "" && existing.Type == item.Type {
			// a later batch may carry the same record
			return false, nil
		}
		if existing.RecordID != item.RecordID {
			continue
		}
		if existing.Type != item.Type || existing.Seq == skip {
			return false, nil
		}
		m.items[i].Payload = append([]byte(nil), item.Payload...)
		return true, nil
	}
	return false, nil
}

func (m *MemoryLog) Peek(_ context.Context, identity string) (models.QueueItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.items {
		if item.Identity == identity {
			return cloneItem(item), true, nil
		}
	}
	return models.QueueItem{}, false, nil
}

func (m *MemoryLog) List(_ context.Context, identity string) ([]models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.QueueItem
	for _, item := range m.items {
		if item.Identity == identity {
			out = append(out, cloneItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryLog) Remove(_ context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, item := range m.items {
		if item.Seq == seq {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return ErrItemNotFound
}

func (m *MemoryLog) MarkFailed(_ context.Context, seq int64, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.items {
		if m.items[i].Seq == seq {
			m.items[i].Attempts++
			if cause != nil {
				m.items[i].LastError = cause.Error()
			}
			return nil
		}
	}
	return ErrItemNotFound
}

func (m *MemoryLog) Close() error {
	return nil
}

func cloneItem(item models.QueueItem) models.QueueItem {
	item.Payload = append([]byte(nil), item.Payload...)
	return item
}
