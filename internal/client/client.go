package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/TheMichaelB/daybook/internal/cache"
	"github.com/TheMichaelB/daybook/internal/config"
	"github.com/TheMichaelB/daybook/internal/conflict"
	"github.com/TheMichaelB/daybook/internal/connectivity"
	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/provider"
	"github.com/TheMichaelB/daybook/internal/queue"
	"github.com/TheMichaelB/daybook/internal/remote"
	"github.com/TheMichaelB/daybook/internal/remote/docstore"
	"github.com/TheMichaelB/daybook/internal/remote/rowstore"
	"github.com/TheMichaelB/daybook/internal/services/auth"
	syncsvc "github.com/TheMichaelB/daybook/internal/services/sync"
	"github.com/TheMichaelB/daybook/internal/state"
	"github.com/TheMichaelB/daybook/internal/storage"
	"github.com/TheMichaelB/daybook/internal/transport"
)

// Client provides the high-level API for Daybook operations.
type Client struct {
	Auth *auth.Service

	config     *config.Config
	logger     *events.Logger
	db         *sql.DB
	store      storage.Store
	watermarks state.Store
	queueLog   queue.Log
	transports []transport.Transport
	adapter    remote.Adapter
	guard      *conflict.SnapshotGuard
	offline    bool

	mu      sync.RWMutex
	session *Session
}

// Session bundles the components serving one identity. It is replaced
// wholesale when the identity changes.
type Session struct {
	Identity    string
	Provider    provider.Provider
	Queue       *queue.Queue // nil when local-only
	Monitor     *connectivity.Monitor
	Coordinator *cache.Coordinator
	Editor      *conflict.Editor
	Sync        *syncsvc.Service
}

// Local reports whether the session keeps data on this device only.
func (s *Session) Local() bool {
	return s.Queue == nil
}

// Option configures a Client.
type Option func(*Client)

// WithOffline starts every session offline: writes go to the queue and
// nothing queued earlier is replayed on activation.
func WithOffline() Option {
	return func(c *Client) {
		c.offline = true
	}
}

// New creates a Daybook client and activates the session of the stored
// credentials, or the local-only session when signed out.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger, opts ...Option) (*Client, error) {
	cfg.Auth.TokenFile = expandHome(cfg.Auth.TokenFile)
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	db, err := storage.OpenDatabase(ctx, cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}

	small, err := storage.NewJSONStore(cfg.BlobPath(), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &Client{
		config:     cfg,
		logger:     logger.WithField("component", "client"),
		db:         db,
		store:      storage.NewTieredStore(small, storage.NewSQLiteStore(db, logger)),
		watermarks: state.NewSQLiteStore(db, logger),
		queueLog:   queue.NewSQLiteLog(db, logger),
		guard:      conflict.NewSnapshotGuard(conflict.DefaultSnapshotWindow),
	}
	for _, opt := range opts {
		opt(c)
	}

	// Login and logout go over a transport without a bearer token; data
	// calls carry the token of the auth service.
	anonymous := transport.NewTransport(&cfg.API, nil, logger)
	c.transports = append(c.transports, anonymous)
	c.Auth = auth.NewService(anonymous, cfg.Auth.TokenFile, logger)

	if c.adapter, err = c.newAdapter(ctx); err != nil {
		c.Close()
		return nil, err
	}

	if _, err := c.Activate(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) newAdapter(ctx context.Context) (remote.Adapter, error) {
	switch c.config.Remote.Kind {
	case config.RemoteRelational:
		store, err := rowstore.Open(ctx, c.config.Remote.DSN, c.config.Remote.Migrate, c.Auth, c.logger)
		if err != nil {
			return nil, fmt.Errorf("open relational backend: %w", err)
		}
		return store, nil
	default:
		authed := transport.NewTransport(&c.config.API, c.Auth, c.logger)
		c.transports = append(c.transports, authed)
		return docstore.New(authed, c.config.Remote.FeedPath, c.logger), nil
	}
}

// Activate builds the session of the current identity. It keeps the active
// session when the identity did not change. A new remote-backed session
// replays what earlier runs left in its queue before it is returned.
func (c *Client) Activate(ctx context.Context) (*Session, error) {
	s, created, err := c.activate()
	if err != nil {
		return nil, err
	}
	if created {
		c.replayLeftovers(ctx, s)
	}
	return s, nil
}

func (c *Client) activate() (*Session, bool, error) {
	identity := c.Auth.Identity()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.Identity == identity {
		return c.session, false, nil
	}

	s, err := c.newSession(identity)
	if err != nil {
		return nil, false, err
	}

	if c.session != nil {
		c.logger.WithFields(map[string]interface{}{
			"from": c.session.Identity,
			"to":   identity,
		}).Info("Identity changed, switching session")
		c.session.Sync.Close()
	}
	c.session = s
	return s, true, nil
}

// replayLeftovers is the best-effort startup drain. Failures leave the
// items queued for the next sync.
func (c *Client) replayLeftovers(ctx context.Context, s *Session) {
	rb, ok := s.Provider.(*provider.RemoteBacked)
	if !ok || c.offline {
		return
	}
	if n, err := s.Queue.Len(ctx); err != nil || n == 0 {
		return
	}

	if timeout := c.config.Sync.HydrateTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if res, err := rb.Start(ctx); err == nil && res.Sent > 0 {
		c.logger.WithField("sent", res.Sent).Info("Replayed mutations from an earlier run")
	}
}

func (c *Client) newSession(identity string) (*Session, error) {
	cfg := c.config
	s := &Session{Identity: identity}

	var notifier remote.Notifier
	if identity == models.LocalIdentity {
		s.Monitor = connectivity.NewMonitor(nil, 0, c.logger)
		s.Provider = provider.NewLocalOnly(c.store, identity, models.SystemClock{}, c.logger)
	} else {
		s.Queue = queue.New(c.queueLog, identity, queue.Config{
			ReplayDelay: cfg.Sync.ReplayDelay,
			MaxAttempts: cfg.Sync.MaxAttempts,
			Coalesce:    cfg.Sync.Coalesce,
		}, c.logger)
		s.Monitor = connectivity.NewMonitor(c.adapter, cfg.Sync.ProbeInterval, c.logger)
		if c.offline {
			s.Monitor.Set(false)
		}
		s.Provider = provider.NewRemoteBacked(c.store, c.adapter, s.Queue, provider.Options{
			Online: s.Monitor.Online,
		}, c.logger)
		if n, ok := c.adapter.(remote.Notifier); ok && cfg.Remote.FeedPath != "" {
			notifier = n
		}
	}

	session, err := cache.NewSession(s.Provider, c.watermarks)
	if err != nil {
		return nil, err
	}
	s.Coordinator = cache.New(session, cache.Options{
		MaxConcurrent:  cfg.Sync.MaxConcurrent,
		HydrateTimeout: cfg.Sync.HydrateTimeout,
	}, c.logger)
	s.Editor = conflict.NewEditor(s.Coordinator, c.guard, models.SystemClock{}, c.logger)
	s.Sync = syncsvc.NewService(s.Coordinator, s.Queue, s.Monitor, notifier, c.logger)
	return s, nil
}

// Session returns the active session.
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Login signs in and switches to the remote-backed session.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	if _, err := c.Auth.Login(ctx, email, password); err != nil {
		return nil, err
	}
	return c.Activate(ctx)
}

// Logout signs out and switches to the local-only session. Records queued
// for the old identity stay in the queue until it signs in again.
func (c *Client) Logout(ctx context.Context) (*Session, error) {
	if err := c.Auth.Logout(ctx); err != nil {
		return nil, err
	}
	return c.Activate(ctx)
}

// ResetWatermarks forgets every watermark of the active identity so the
// next hydration is a full read.
func (c *Client) ResetWatermarks() error {
	s := c.Session()
	if err := c.watermarks.Reset(s.Identity); err != nil {
		return fmt.Errorf("reset watermarks: %w", err)
	}
	s.Coordinator.Invalidate()
	return nil
}

// Close releases the database, the remote backend and the transports.
func (c *Client) Close() error {
	var errs []error

	c.mu.Lock()
	if c.session != nil {
		c.session.Sync.Close()
	}
	c.mu.Unlock()

	if closer, ok := c.adapter.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	for _, t := range c.transports {
		errs = append(errs, t.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	return errors.Join(errs...)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
