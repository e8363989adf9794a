package sync

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/daybook/internal/cache"
	"github.com/TheMichaelB/daybook/internal/connectivity"
	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/queue"
	"github.com/TheMichaelB/daybook/internal/remote"
)

// Service keeps a session reconciled while the process runs.
type Service struct {
	engine   *Engine
	identity string
	monitor  *connectivity.Monitor
	notifier remote.Notifier
	logger   *events.Logger
}

// NewService creates a sync service. q and notifier are nil for a
// local-only session.
func NewService(
	coordinator *cache.Coordinator,
	q *queue.Queue,
	monitor *connectivity.Monitor,
	notifier remote.Notifier,
	logger *events.Logger,
) *Service {
	return &Service{
		engine:   NewEngine(coordinator, q, logger),
		identity: coordinator.Session().Identity,
		monitor:  monitor,
		notifier: notifier,
		logger:   logger.WithField("service", "sync"),
	}
}

// Reconcile drains the queue and hydrates the mirror once.
func (s *Service) Reconcile(ctx context.Context, force bool) (*Result, error) {
	return s.engine.Reconcile(ctx, force)
}

// Run reconciles at start and again whenever the remote becomes reachable,
// and refreshes collections named by the change feed. It returns when ctx
// is done.
func (s *Service) Run(ctx context.Context) error {
	trigger := make(chan struct{}, 1)
	kick := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	unsubscribe := s.monitor.Subscribe(func(online bool) {
		if online {
			kick()
		}
	})
	defer unsubscribe()

	ctx = events.WithIdentity(events.WithLogger(ctx, s.logger), s.identity)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		feed := s.openFeed(ctx)
		initial := true
		kick()

		for {
			select {
			case <-ctx.Done():
				return nil

			case <-trigger:
				// the first pass only fills empty mirrors; later passes follow a
				// reconnect and refresh everything
				_, err := s.engine.Reconcile(ctx, !initial)
				initial = false
				if err != nil && !errors.Is(err, models.ErrSyncInProgress) && ctx.Err() == nil {
					events.FromContext(ctx).WithError(err).Warn("Reconcile failed")
				}
				if feed == nil && s.monitor.Online() {
					feed = s.openFeed(ctx)
				}

			case msg, ok := <-feed:
				if !ok {
					s.logger.Info("Change feed closed")
					feed = nil
					continue
				}
				if msg.Type != models.FeedTypeChanged || !msg.Collection.Valid() {
					continue
				}
				mctx := events.WithCollection(ctx, string(msg.Collection))
				if err := s.engine.Refresh(mctx, msg.Collection); err != nil && ctx.Err() == nil {
					events.FromContext(mctx).WithError(err).Warn("Refresh failed")
				}
			}
		}
	})

	return g.Wait()
}

// openFeed subscribes to the change feed. It returns nil when there is no
// feed or it cannot be opened; connectivity transitions retry it.
func (s *Service) openFeed(ctx context.Context) <-chan models.FeedMessage {
	if s.notifier == nil {
		return nil
	}
	feed, err := s.notifier.Changes(ctx, models.Collections())
	if err != nil {
		s.logger.WithError(err).Warn("Change feed unavailable")
		return nil
	}
	s.logger.Debug("Change feed open")
	return feed
}

// GetProgress returns reconcile progress.
func (s *Service) GetProgress() *Progress {
	return s.engine.GetProgress()
}

// Events returns the event channel.
func (s *Service) Events() <-chan Event {
	return s.engine.Events()
}

// Close closes the event channel.
func (s *Service) Close() {
	s.engine.Close()
}
