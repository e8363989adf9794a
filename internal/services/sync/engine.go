package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/daybook/internal/cache"
	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/queue"
)

// Engine reconciles one session: it drains the offline queue and then
// hydrates the mirror.
type Engine struct {
	coordinator *cache.Coordinator
	queue       *queue.Queue
	logger      *events.Logger

	// Progress tracking
	progress atomic.Value // *Progress
	events   chan Event

	// Sync state
	mu           sync.Mutex
	syncing      bool
	eventsClosed bool
}

// Progress tracks a reconcile.
type Progress struct {
	Phase     string
	Sent      int
	Remaining int
	StartTime time.Time
	Errors    []error
}

// Event represents a sync event.
type Event struct {
	Type       EventType
	Timestamp  time.Time
	Collection models.Collection
	Error      error
	Progress   *Progress
	Drain      *queue.DrainResult
	Blocked    []models.QueueItem
}

// EventType defines sync event types.
type EventType string

const (
	EventStarted      EventType = "started"
	EventDrained      EventType = "drained"
	EventHydrated     EventType = "hydrated"
	EventChanged      EventType = "changed"
	EventAuthRequired EventType = "auth_required"
	EventQueueBlocked EventType = "queue_blocked"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
)

// Result summarizes a reconcile.
type Result struct {
	Sent         int
	Remaining    int
	Blocked      []models.QueueItem
	AuthRequired bool
	Duration     time.Duration
}

// NewEngine creates an engine. q is nil for a local-only session.
func NewEngine(coordinator *cache.Coordinator, q *queue.Queue, logger *events.Logger) *Engine {
	return &Engine{
		coordinator: coordinator,
		queue:       q,
		logger:      logger.WithField("component", "sync_engine"),
		events:      make(chan Event, 100),
	}
}

// Events returns the event channel. It is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// GetProgress returns current progress.
func (e *Engine) GetProgress() *Progress {
	if p := e.progress.Load(); p != nil {
		return p.(*Progress)
	}
	return nil
}

// Reconcile drains the queue, then hydrates every collection. force
// refreshes collections that are already hydrated. Queue and hydration
// failures caused by the network are reported in the result, not returned.
func (e *Engine) Reconcile(ctx context.Context, force bool) (*Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, models.ErrSyncInProgress
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	progress := &Progress{
		Phase:     "draining",
		StartTime: time.Now(),
	}
	e.progress.Store(progress)
	result := &Result{}

	e.logger.WithField("force", force).Debug("Starting reconcile")
	e.emitEvent(Event{Type: EventStarted, Timestamp: time.Now(), Progress: progress})

	if e.queue != nil {
		if err := e.drain(ctx, progress, result); err != nil {
			return result, err
		}
	}

	progress.Phase = "hydrating"
	err := e.coordinator.HydrateAll(ctx, force)
	switch {
	case err == nil:
		e.emitEvent(Event{Type: EventHydrated, Timestamp: time.Now(), Progress: progress})
	case models.IsUnauthorized(err):
		result.AuthRequired = true
		progress.Errors = append(progress.Errors, err)
		e.emitEvent(Event{Type: EventAuthRequired, Timestamp: time.Now(), Error: err})
	default:
		return result, e.handleError(fmt.Errorf("hydrate: %w", err))
	}

	progress.Phase = "complete"
	result.Duration = time.Since(progress.StartTime)

	e.logger.WithFields(map[string]interface{}{
		"sent":      result.Sent,
		"remaining": result.Remaining,
		"duration":  result.Duration.String(),
	}).Info("Reconcile complete")

	e.emitEvent(Event{Type: EventCompleted, Timestamp: time.Now(), Progress: progress})
	return result, nil
}

// drain replays the queue. A network failure leaves the rest queued and
// lets hydration continue.
func (e *Engine) drain(ctx context.Context, progress *Progress, result *Result) error {
	res, err := e.queue.Process(ctx)
	result.Sent = res.Sent
	result.Remaining = res.Remaining
	progress.Sent = res.Sent
	progress.Remaining = res.Remaining

	e.emitEvent(Event{Type: EventDrained, Timestamp: time.Now(), Drain: &res, Error: err})

	if err != nil {
		progress.Errors = append(progress.Errors, err)
		switch {
		case ctx.Err() != nil:
			return e.handleError(ctx.Err())
		case models.IsUnauthorized(err):
			result.AuthRequired = true
			e.emitEvent(Event{Type: EventAuthRequired, Timestamp: time.Now(), Error: err})
		default:
			e.logger.WithError(err).WithField("remaining", res.Remaining).Warn("Queue drain stopped")
		}
	}

	blocked, berr := e.queue.Blocked(ctx)
	if berr != nil {
		return e.handleError(fmt.Errorf("list blocked items: %w", berr))
	}
	if len(blocked) > 0 {
		result.Blocked = blocked
		e.logger.WithField("blocked", len(blocked)).Error("Queue blocked by failing items")
		e.emitEvent(Event{Type: EventQueueBlocked, Timestamp: time.Now(), Blocked: blocked})
	}
	return nil
}

// Refresh pulls the changes of one collection after a change notification.
func (e *Engine) Refresh(ctx context.Context, c models.Collection) error {
	_, err := e.coordinator.HydrateTable(ctx, c, true)
	if err != nil {
		if models.IsUnauthorized(err) {
			e.emitEvent(Event{Type: EventAuthRequired, Timestamp: time.Now(), Collection: c, Error: err})
			return err
		}
		return e.handleError(fmt.Errorf("refresh %s: %w", c, err))
	}
	e.emitEvent(Event{Type: EventChanged, Timestamp: time.Now(), Collection: c})
	return nil
}

// Close closes the event channel.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.eventsClosed {
		close(e.events)
		e.eventsClosed = true
	}
}

// Helper methods

func (e *Engine) emitEvent(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eventsClosed {
		return
	}

	select {
	case e.events <- event:
	default:
		// Channel full, drop event
		e.logger.Debug("Event channel full, dropping event")
	}
}

func (e *Engine) handleError(err error) error {
	e.logger.WithError(err).Error("Reconcile failed")
	e.emitEvent(Event{
		Type:      EventFailed,
		Timestamp: time.Now(),
		Error:     err,
	})
	return err
}
