// Package connectivity tracks whether the remote is reachable and tells
// subscribers when that changes.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
)

// Pinger checks the remote. remote.Adapter implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the online state. It starts online so the first write
// attempts the remote.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	logger   *events.Logger

	mu     sync.RWMutex
	online bool
	subs   map[int]func(online bool)
	nextID int

	// notifyMu delivers transitions to subscribers in order.
	notifyMu sync.Mutex
}

// NewMonitor creates a monitor probing pinger every interval. A nil pinger
// never probes.
func NewMonitor(pinger Pinger, interval time.Duration, logger *events.Logger) *Monitor {
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		logger:   logger.WithField("component", "connectivity"),
		online:   true,
		subs:     make(map[int]func(bool)),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers fn for transitions and returns a function removing it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Set records the state and notifies subscribers when it changed.
func (m *Monitor) Set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	if changed {
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.logger.Info("Remote reachable")
	} else {
		m.logger.Warn("Remote unreachable, working offline")
	}
	for _, fn := range subs {
		fn(online)
	}
}

// Probe pings the remote once and records the result. A credential
// rejection still proves the remote is reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.pinger == nil {
		return m.Online()
	}
	err := m.pinger.Ping(ctx)
	if ctx.Err() != nil {
		return m.Online()
	}
	online := err == nil || !models.IsOffline(err)
	if err != nil && online {
		m.logger.WithError(err).Debug("Probe answered with an error")
	}
	m.Set(online)
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.pinger == nil || m.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
