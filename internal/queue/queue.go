package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
)

// Handler replays one queued mutation against the remote.
type Handler func(ctx context.Context, item models.QueueItem) error

// SendFunc performs a mutation immediately.
type SendFunc func(ctx context.Context) error

// Outcome of ExecuteOrQueue.
type Outcome int

const (
	// Failed means the mutation was rejected and not queued.
	Failed Outcome = iota
	// Sent means the remote accepted the mutation.
	Sent
	// Queued means the mutation waits in the log for the next drain.
	Queued
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	default:
		return "failed"
	}
}

// Config tunes replay behaviour.
type Config struct {
	ReplayDelay time.Duration
	MaxAttempts int
	Coalesce    bool
}

// DefaultConfig returns the standard replay settings.
func DefaultConfig() Config {
	return Config{
		ReplayDelay: 200 * time.Millisecond,
		MaxAttempts: 5,
		Coalesce:    true,
	}
}

// DrainResult summarizes one Process call.
type DrainResult struct {
	Sent      int
	Remaining int
	Failed    *models.QueueItem
	Joined    bool
}

// Queue is the offline mutation queue of one identity.
type Queue struct {
	log      Log
	identity string
	cfg      Config
	logger   *events.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	inflight int64

	// enqueueMu orders coalescing against the drain head.
	enqueueMu sync.Mutex
	flight    singleflight.Group
}

// New creates a queue for identity over log.
func New(log Log, identity string, cfg Config, logger *events.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Queue{
		log:      log,
		identity: identity,
		cfg:      cfg,
		logger: logger.WithFields(map[string]interface{}{
			"component": "offline_queue",
			"identity":  identity,
		}),
		handlers: make(map[string]Handler),
	}
}

// Identity returns the identity the queue belongs to.
func (q *Queue) Identity() string {
	return q.identity
}

// Register installs the replay handler for an item type.
func (q *Queue) Register(itemType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[itemType] = h
}

func (q *Queue) handler(itemType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[itemType]
	return h, ok
}

// Enqueue stores item for later replay, coalescing it when enabled.
func (q *Queue) Enqueue(ctx context.Context, item models.QueueItem) error {
	item.Identity = q.identity

	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	if q.cfg.Coalesce {
		merged, err := q.log.Coalesce(ctx, item, q.inflight)
		if err != nil {
			return fmt.Errorf("coalesce: %w", err)
		}
		if merged {
			return nil
		}
	}

	if _, err := q.log.Append(ctx, item); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}

// ExecuteOrQueue runs send now and falls back to the queue when the remote
// is unreachable. Auth and validation failures are returned and not queued.
// A mutation for a record that already has queued work is queued behind it.
func (q *Queue) ExecuteOrQueue(ctx context.Context, item models.QueueItem, send SendFunc) (Outcome, error) {
	logger := q.logger.WithFields(map[string]interface{}{
		"type":      item.Type,
		"record_id": item.RecordID,
	})

	pending, err := q.hasPending(ctx, item)
	if err != nil {
		return Failed, err
	}
	if pending {
		logger.Debug("Record has queued work, queueing behind it")
		return q.queue(ctx, item)
	}

	err = send(ctx)
	switch {
	case err == nil:
		return Sent, nil
	case models.IsUnauthorized(err):
		logger.WithError(err).Warn("Mutation rejected, authentication required")
		return Failed, err
	case models.IsValidation(err):
		logger.WithError(err).Error("Mutation rejected by remote")
		return Failed, err
	}

	logger.WithError(err).Info("Remote unavailable, queueing mutation")
	return q.queue(ctx, item)
}

func (q *Queue) queue(ctx context.Context, item models.QueueItem) (Outcome, error) {
	if err := q.Enqueue(context.WithoutCancel(ctx), item); err != nil {
		return Failed, err
	}
	return Queued, nil
}

func (q *Queue) hasPending(ctx context.Context, item models.QueueItem) (bool, error) {
	ids, err := item.RecordIDs()
	if err != nil || len(ids) == 0 {
		return false, err
	}
	c, err := itemCollection(item)
	if err != nil {
		return false, err
	}
	pending, err := q.PendingIDs(ctx, c)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if pending[id] {
			return true, nil
		}
	}
	return false, nil
}

// Process replays queued items in FIFO order and stops at the first
// failure. Concurrent callers share one drain.
func (q *Queue) Process(ctx context.Context) (DrainResult, error) {
	v, err, shared := q.flight.Do("drain", func() (interface{}, error) {
		return q.drain(ctx)
	})
	res, _ := v.(DrainResult)
	res.Joined = shared
	return res, err
}

func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	defer q.setInflight(0)

	for {
		if err := ctx.Err(); err != nil {
			return q.finish(ctx, res), err
		}

		item, ok, err := q.head(ctx)
		if err != nil {
			return q.finish(ctx, res), fmt.Errorf("read queue head: %w", err)
		}
		if !ok {
			break
		}

		if res.Sent > 0 && q.cfg.ReplayDelay > 0 {
			select {
			case <-ctx.Done():
				return q.finish(ctx, res), ctx.Err()
			case <-time.After(q.cfg.ReplayDelay):
			}
		}

		logger := q.logger.WithFields(map[string]interface{}{
			"seq":      item.Seq,
			"type":     item.Type,
			"attempts": item.Attempts,
		})

		if err := q.replay(ctx, item); err != nil {
			if markErr := q.log.MarkFailed(ctx, item.Seq, err); markErr != nil {
				logger.WithError(markErr).Warn("Failed to record replay failure")
			}
			item.Attempts++
			item.LastError = err.Error()
			res.Failed = &item

			if item.Attempts >= q.cfg.MaxAttempts {
				logger.WithError(err).Error("Queue item blocked")
			} else {
				logger.WithError(err).Warn("Replay failed, stopping drain")
			}
			return q.finish(ctx, res), fmt.Errorf("replay %s #%d: %w", item.Type, item.Seq, err)
		}

		if err := q.log.Remove(ctx, item.Seq); err != nil {
			return q.finish(ctx, res), fmt.Errorf("remove replayed item: %w", err)
		}
		res.Sent++
		logger.Debug("Replayed mutation")
	}

	res = q.finish(ctx, res)
	if res.Sent > 0 {
		q.logger.WithField("sent", res.Sent).Info("Queue drained")
	}
	return res, nil
}

// head peeks the next item and pins it so Enqueue cannot coalesce into it
// while its handler runs.
func (q *Queue) head(ctx context.Context) (models.QueueItem, bool, error) {
	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	item, ok, err := q.log.Peek(ctx, q.identity)
	if err != nil || !ok {
		q.inflight = 0
		return item, ok, err
	}
	q.inflight = item.Seq
	return item, true, nil
}

func (q *Queue) setInflight(seq int64) {
	q.enqueueMu.Lock()
	q.inflight = seq
	q.enqueueMu.Unlock()
}

func (q *Queue) finish(ctx context.Context, res DrainResult) DrainResult {
	if n, err := q.Len(context.WithoutCancel(ctx)); err == nil {
		res.Remaining = n
	}
	return res
}

func (q *Queue) replay(ctx context.Context, item models.QueueItem) error {
	h, ok := q.handler(item.Type)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNoHandler, item.Type)
	}
	return h(ctx, item)
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.log.List(ctx, q.identity)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Items returns the queued items in replay order.
func (q *Queue) Items(ctx context.Context) ([]models.QueueItem, error) {
	return q.log.List(ctx, q.identity)
}

// Blocked reports items that failed at least MaxAttempts times. They stay
// at their place in the queue.
func (q *Queue) Blocked(ctx context.Context) ([]models.QueueItem, error) {
	items, err := q.log.List(ctx, q.identity)
	if err != nil {
		return nil, err
	}

	var blocked []models.QueueItem
	for _, item := range items {
		if item.Attempts >= q.cfg.MaxAttempts {
			blocked = append(blocked, item)
		}
	}
	return blocked, nil
}

// PendingIDs returns the ids of c that have queued mutations.
func (q *Queue) PendingIDs(ctx context.Context, c models.Collection) (map[string]bool, error) {
	items, err := q.log.List(ctx, q.identity)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool)
	for _, item := range items {
		ic, err := itemCollection(item)
		if err != nil || ic != c {
			continue
		}
		recordIDs, err := item.RecordIDs()
		if err != nil {
			q.logger.WithError(err).WithField("seq", item.Seq).Warn("Unreadable queue payload")
			continue
		}
		for _, id := range recordIDs {
			ids[id] = true
		}
	}
	return ids, nil
}

func itemCollection(item models.QueueItem) (models.Collection, error) {
	_, c, err := models.ParseItemType(item.Type)
	if err != nil {
		return "", errors.Join(models.ErrNoHandler, err)
	}
	return c, nil
}
