// Package cache keeps the in-memory mirror of every collection and hydrates
// it from the active provider.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/provider"
	"github.com/TheMichaelB/daybook/internal/state"
)

// Options tune a Coordinator.
type Options struct {
	Clock          models.Clock
	MaxConcurrent  int
	HydrateTimeout time.Duration
}

// Status describes the coordinator for status displays.
type Status struct {
	Identity     string
	Incremental  bool
	AuthRequired bool
	AuthError    string
	Hydrated     map[models.Collection]int
	Watermarks   map[models.Collection]time.Time
}

// Coordinator owns the mirror and the watermarks of one session.
type Coordinator struct {
	session *Session
	opts    Options
	logger  *events.Logger

	mu      sync.RWMutex
	mirrors map[models.Collection]Mirror
	gen     uint64
	authErr error

	flight singleflight.Group
}

// New creates a coordinator over session.
func New(session *Session, opts Options, logger *events.Logger) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = models.SystemClock{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Coordinator{
		session: session,
		opts:    opts,
		logger: logger.WithFields(map[string]interface{}{
			"component": "coordinator",
			"identity":  session.Identity,
		}),
		mirrors: make(map[models.Collection]Mirror),
	}
}

// Session returns the bound session.
func (co *Coordinator) Session() *Session {
	return co.session
}

type hydration struct {
	records []models.Record
	err     error
}

// HydrateTable refreshes the mirror of c and returns its live records.
//
// A populated mirror is returned as is unless force is set. Concurrent
// calls for the same collection share one provider read. A populated mirror
// is refreshed from the watermark when the provider is incremental; a first
// load always reads the full set. force skips only the cached return: it
// still fetches from the watermark. Use ResyncTable for a full read.
func (co *Coordinator) HydrateTable(ctx context.Context, c models.Collection, force bool) ([]models.Record, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownCollection, c)
	}

	if !force {
		if records, ok := co.Records(c); ok {
			return records, nil
		}
	}

	ch := co.flight.DoChan(string(c), func() (interface{}, error) {
		records, err := co.hydrate(ctx, c)
		return hydration{records: records, err: err}, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		h := res.Val.(hydration)
		return h.records, h.err
	}
}

// ResyncTable drops the mirror of c and performs a full read.
func (co *Coordinator) ResyncTable(ctx context.Context, c models.Collection) ([]models.Record, error) {
	co.mu.Lock()
	delete(co.mirrors, c)
	co.mu.Unlock()
	return co.HydrateTable(ctx, c, true)
}

func (co *Coordinator) hydrate(ctx context.Context, c models.Collection) ([]models.Record, error) {
	// The read runs to completion for every joined caller.
	ctx = context.WithoutCancel(ctx)
	if co.opts.HydrateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.opts.HydrateTimeout)
		defer cancel()
	}

	co.mu.RLock()
	gen := co.gen
	_, populated := co.mirrors[c]
	co.mu.RUnlock()

	var since *time.Time
	if populated && co.session.Provider.SupportsIncrementalSync() {
		since = co.watermark(c)
	}

	logger := co.logger.WithFields(map[string]interface{}{
		"collection":  c,
		"incremental": since != nil,
	})
	logger.Debug("Hydrating collection")

	snap, err := co.session.Provider.Get(ctx, c, since)
	if err != nil && !models.IsUnauthorized(err) {
		logger.WithError(err).Error("Hydration failed")
		return nil, fmt.Errorf("hydrate %s: %w", c, err)
	}

	records := co.apply(c, snap, since, gen, err)
	if err != nil {
		return records, err
	}

	logger.WithFields(map[string]interface{}{
		"source": snap.Source.String(),
		"count":  len(snap.Records),
	}).Debug("Collection hydrated")
	return records, nil
}

// apply folds a snapshot into the mirror, advances the watermark and
// records the auth state. Results of a hydration that started before an
// Invalidate are returned but not kept.
func (co *Coordinator) apply(c models.Collection, snap provider.Snapshot, since *time.Time, gen uint64, fetchErr error) []models.Record {
	co.mu.Lock()
	defer co.mu.Unlock()

	var next Mirror
	if since == nil {
		next = Merge(nil, snap.Records)
	} else {
		next = Merge(co.mirrors[c], snap.Records)
	}

	if gen != co.gen {
		return next.Sorted()
	}
	co.mirrors[c] = next

	switch {
	case fetchErr != nil:
		co.authErr = fetchErr
	case snap.Source == provider.SourceRemote:
		co.authErr = nil
		co.advance(c, snap)
	}
	return next.Sorted()
}

// advance moves the watermark of c to the newest record the remote sent.
// Only remote reads through an incremental provider move it.
func (co *Coordinator) advance(c models.Collection, snap provider.Snapshot) {
	if snap.Source != provider.SourceRemote || !co.session.Provider.SupportsIncrementalSync() {
		return
	}
	at := models.WatermarkFor(snap.Newest)
	if at.IsZero() {
		return
	}
	if err := co.session.Watermarks.Save(co.session.Identity, c, at); err != nil {
		co.logger.WithError(err).WithField("collection", c).Warn("Failed to save watermark")
	}
}

func (co *Coordinator) watermark(c models.Collection) *time.Time {
	at, err := co.session.Watermarks.Load(co.session.Identity, c)
	if err != nil {
		if !errors.Is(err, state.ErrWatermarkNotFound) {
			co.logger.WithError(err).WithField("collection", c).Warn("Failed to load watermark")
		}
		return nil
	}
	return &at
}

// HydrateAll hydrates every collection. When the provider can read several
// collections at once the stale ones are fetched in one round trip,
// otherwise up to MaxConcurrent collections are read in parallel.
func (co *Coordinator) HydrateAll(ctx context.Context, force bool) error {
	var stale []models.Collection
	for _, c := range models.Collections() {
		if _, ok := co.Records(c); force || !ok {
			stale = append(stale, c)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	if batch, ok := co.session.Provider.(provider.BatchGetter); ok && len(stale) > 1 {
		ch := co.flight.DoChan("*", func() (interface{}, error) {
			return nil, co.hydrateBatch(ctx, batch, stale)
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-ch:
			return res.Err
		}
	}

	var g errgroup.Group
	g.SetLimit(co.opts.MaxConcurrent)
	for _, c := range stale {
		c := c
		g.Go(func() error {
			_, err := co.HydrateTable(ctx, c, force)
			return err
		})
	}
	return g.Wait()
}

func (co *Coordinator) hydrateBatch(ctx context.Context, batch provider.BatchGetter, collections []models.Collection) error {
	ctx = context.WithoutCancel(ctx)
	if co.opts.HydrateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.opts.HydrateTimeout)
		defer cancel()
	}

	co.mu.RLock()
	gen := co.gen
	since := make(map[models.Collection]*time.Time, len(collections))
	for _, c := range collections {
		since[c] = nil
		if _, populated := co.mirrors[c]; populated && co.session.Provider.SupportsIncrementalSync() {
			since[c] = co.watermark(c)
		}
	}
	co.mu.RUnlock()

	snaps, err := batch.GetMany(ctx, since)
	if err != nil && !models.IsUnauthorized(err) {
		co.logger.WithError(err).Error("Batch hydration failed")
		return fmt.Errorf("hydrate: %w", err)
	}

	for c, snap := range snaps {
		co.apply(c, snap, since[c], gen, err)
	}
	co.logger.WithFields(map[string]interface{}{
		"collections": len(snaps),
	}).Debug("Collections hydrated")
	return err
}

// Records returns the live records of c and whether c has been hydrated.
func (co *Coordinator) Records(c models.Collection) ([]models.Record, bool) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	m, ok := co.mirrors[c]
	if !ok {
		return nil, false
	}
	return m.Sorted(), true
}

// Lookup returns one record from the mirror. It fails with ErrNotHydrated
// when c was never hydrated.
func (co *Coordinator) Lookup(c models.Collection, id string) (models.Record, bool, error) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	m, ok := co.mirrors[c]
	if !ok {
		return models.Record{}, false, fmt.Errorf("%w: %s", models.ErrNotHydrated, c)
	}
	r, ok := m[id]
	if !ok {
		return models.Record{}, false, nil
	}
	return r.Clone(), true, nil
}

// Save stamps records, writes them through the provider and reflects them
// in the mirror of c if it is hydrated. The mirror follows the local store:
// it takes the records whenever the local write happened, including when
// the remote rejected them.
func (co *Coordinator) Save(ctx context.Context, c models.Collection, records ...models.Record) (provider.Outcome, error) {
	if !c.Valid() {
		return provider.Failed, fmt.Errorf("%w: %q", models.ErrUnknownCollection, c)
	}

	now := co.opts.Clock.Now()
	stamped := make([]models.Record, len(records))
	for i, r := range records {
		stamped[i] = models.NewRecord(r.ID, now, r.Data)
	}

	outcome, err := co.session.Provider.Save(ctx, c, stamped)
	if err != nil && !models.IsUnauthorized(err) && !models.IsValidation(err) {
		return outcome, err
	}

	co.mu.Lock()
	if m, ok := co.mirrors[c]; ok {
		co.mirrors[c] = m.With(stamped)
	}
	if models.IsUnauthorized(err) {
		co.authErr = err
	}
	co.mu.Unlock()

	co.logger.WithFields(map[string]interface{}{
		"collection": c,
		"count":      len(stamped),
		"outcome":    outcome.String(),
	}).Debug("Records saved")
	return outcome, err
}

// Delete tombstones id through the provider and drops it from the mirror.
func (co *Coordinator) Delete(ctx context.Context, c models.Collection, id string) (provider.Outcome, error) {
	if !c.Valid() {
		return provider.Failed, fmt.Errorf("%w: %q", models.ErrUnknownCollection, c)
	}

	outcome, err := co.session.Provider.Delete(ctx, c, id)
	if err != nil && !models.IsUnauthorized(err) && !models.IsValidation(err) {
		return outcome, err
	}

	co.mu.Lock()
	if m, ok := co.mirrors[c]; ok {
		next := make(Mirror, len(m))
		for k, r := range m {
			if k != id {
				next[k] = r
			}
		}
		co.mirrors[c] = next
	}
	if models.IsUnauthorized(err) {
		co.authErr = err
	}
	co.mu.Unlock()

	return outcome, err
}

// Watermark returns the stored watermark of c, if any.
func (co *Coordinator) Watermark(c models.Collection) (time.Time, bool) {
	at := co.watermark(c)
	if at == nil {
		return time.Time{}, false
	}
	return *at, true
}

// AuthRequired reports whether the last remote call was refused for
// credentials.
func (co *Coordinator) AuthRequired() bool {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return co.authErr != nil
}

// Status returns a summary of the mirror.
func (co *Coordinator) Status() Status {
	co.mu.RLock()
	st := Status{
		Identity:     co.session.Identity,
		Incremental:  co.session.Provider.SupportsIncrementalSync(),
		AuthRequired: co.authErr != nil,
		Hydrated:     make(map[models.Collection]int, len(co.mirrors)),
	}
	if co.authErr != nil {
		st.AuthError = co.authErr.Error()
	}
	for c, m := range co.mirrors {
		st.Hydrated[c] = len(m)
	}
	co.mu.RUnlock()

	if marks, err := co.session.Watermarks.List(co.session.Identity); err == nil {
		st.Watermarks = marks
	}
	return st
}

// Invalidate drops every mirror. Hydrations already running complete but
// their results are discarded.
func (co *Coordinator) Invalidate() {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.mirrors = make(map[models.Collection]Mirror)
	co.authErr = nil
	co.gen++
	co.logger.Debug("Mirror invalidated")
}
