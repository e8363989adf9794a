package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/queue"
	"github.com/TheMichaelB/daybook/internal/remote"
	"github.com/TheMichaelB/daybook/internal/storage"
)

// Options tune a RemoteBacked provider.
type Options struct {
	// Clock stamps records saved without a timestamp.
	Clock models.Clock
	// Online reports connectivity. When it returns false writes are queued
	// without a remote attempt. Nil means always try.
	Online func() bool
}

// RemoteBacked reads through the remote and writes locally first, then
// remotely or into the offline queue.
type RemoteBacked struct {
	local   storage.Store
	adapter remote.Adapter
	queue   *queue.Queue
	opts    Options
	logger  *events.Logger
}

// NewRemoteBacked creates a provider serving the queue's identity and
// registers the replay handlers of every collection on q.
func NewRemoteBacked(local storage.Store, adapter remote.Adapter, q *queue.Queue, opts Options, logger *events.Logger) *RemoteBacked {
	if opts.Clock == nil {
		opts.Clock = models.SystemClock{}
	}
	p := &RemoteBacked{
		local:   local,
		adapter: adapter,
		queue:   q,
		opts:    opts,
		logger: logger.WithFields(map[string]interface{}{
			"component": "remote_provider",
			"identity":  q.Identity(),
			"backend":   adapter.Name(),
		}),
	}
	p.registerHandlers()
	return p
}

func (p *RemoteBacked) registerHandlers() {
	for _, c := range models.Collections() {
		c := c
		p.queue.Register(models.ItemType(models.MutationUpsert, c), func(ctx context.Context, item models.QueueItem) error {
			var payload models.UpsertPayload
			if err := json.Unmarshal(item.Payload, &payload); err != nil {
				return &models.ValidationError{Collection: c, RecordID: item.RecordID, Reason: "unreadable queued payload", Err: err}
			}
			return p.adapter.UpsertBatch(ctx, p.Identity(), c, payload.Records)
		})
		p.queue.Register(models.ItemType(models.MutationDelete, c), func(ctx context.Context, item models.QueueItem) error {
			var payload models.DeletePayload
			if err := json.Unmarshal(item.Payload, &payload); err != nil {
				return &models.ValidationError{Collection: c, RecordID: item.RecordID, Reason: "unreadable queued payload", Err: err}
			}
			return p.adapter.SoftDelete(ctx, p.Identity(), c, payload.ID, payload.DeletedAt)
		})
	}
}

// Start makes a best-effort attempt to drain mutations left from earlier runs.
func (p *RemoteBacked) Start(ctx context.Context) (queue.DrainResult, error) {
	res, err := p.queue.Process(ctx)
	if err != nil {
		p.logger.WithError(err).WithField("remaining", res.Remaining).Warn("Startup drain incomplete")
	}
	return res, err
}

// Identity returns the identity served.
func (p *RemoteBacked) Identity() string {
	return p.queue.Identity()
}

// SupportsIncrementalSync is true: Get honours since.
func (p *RemoteBacked) SupportsIncrementalSync() bool {
	return true
}

// Queue returns the offline queue.
func (p *RemoteBacked) Queue() *queue.Queue {
	return p.queue
}

// Adapter returns the remote adapter.
func (p *RemoteBacked) Adapter() remote.Adapter {
	return p.adapter
}

// Get fetches from the remote and absorbs the result locally. When the
// remote cannot be reached the local view is returned with no error; an
// authorization failure returns the local view together with the error.
func (p *RemoteBacked) Get(ctx context.Context, c models.Collection, since *time.Time) (Snapshot, error) {
	logger := p.logger.WithFields(map[string]interface{}{
		"collection":  c,
		"incremental": since != nil,
	})

	fetched, err := p.adapter.Fetch(ctx, p.Identity(), c, since)
	if err != nil {
		local, lerr := p.localView(ctx, c)
		if lerr != nil {
			return Snapshot{}, lerr
		}
		if models.IsUnauthorized(err) {
			logger.WithError(err).Warn("Remote rejected credentials, serving local data")
			return Snapshot{Records: local, Source: SourceLocal}, fmt.Errorf("fetch %s: %w", c, err)
		}
		logger.WithError(err).Info("Remote unavailable, serving local data")
		return Snapshot{Records: local, Source: SourceLocal}, nil
	}

	if since == nil {
		records, err := p.replace(ctx, c, models.LiveOnly(fetched))
		if err != nil {
			return Snapshot{}, err
		}
		logger.WithField("count", len(records)).Debug("Full fetch absorbed")
		return Snapshot{Records: records, Source: SourceRemote, Newest: models.MaxUpdatedAt(fetched)}, nil
	}

	if err := p.absorb(ctx, c, fetched); err != nil {
		return Snapshot{}, err
	}
	logger.WithField("count", len(fetched)).Debug("Delta absorbed")
	return Snapshot{Records: fetched, Source: SourceRemote, Newest: models.MaxUpdatedAt(fetched)}, nil
}

// GetMany reads several collections in one remote round trip. Collections
// missing from the result are served locally.
func (p *RemoteBacked) GetMany(ctx context.Context, since map[models.Collection]*time.Time) (map[models.Collection]Snapshot, error) {
	out := make(map[models.Collection]Snapshot, len(since))

	changes, err := p.adapter.FetchChanges(ctx, p.Identity(), since)
	if err != nil {
		for c := range since {
			local, lerr := p.localView(ctx, c)
			if lerr != nil {
				return nil, lerr
			}
			out[c] = Snapshot{Records: local, Source: SourceLocal}
		}
		if models.IsUnauthorized(err) {
			return out, fmt.Errorf("fetch changes: %w", err)
		}
		p.logger.WithError(err).Info("Remote unavailable, serving local data")
		return out, nil
	}

	for c, s := range since {
		fetched := changes[c]
		if s == nil {
			records, err := p.replace(ctx, c, models.LiveOnly(fetched))
			if err != nil {
				return nil, err
			}
			out[c] = Snapshot{Records: records, Source: SourceRemote, Newest: models.MaxUpdatedAt(fetched)}
			continue
		}
		if err := p.absorb(ctx, c, fetched); err != nil {
			return nil, err
		}
		out[c] = Snapshot{Records: fetched, Source: SourceRemote, Newest: models.MaxUpdatedAt(fetched)}
	}
	return out, nil
}

func (p *RemoteBacked) localView(ctx context.Context, c models.Collection) ([]models.Record, error) {
	records, err := p.local.Get(ctx, p.Identity(), c)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c, err)
	}
	return models.LiveOnly(records), nil
}

// replace swaps the local collection for the remote set, keeping local
// records that still have queued mutations.
func (p *RemoteBacked) replace(ctx context.Context, c models.Collection, remoteSet []models.Record) ([]models.Record, error) {
	pending, err := p.queue.PendingIDs(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("pending ids %s: %w", c, err)
	}

	merged := remoteSet
	if len(pending) > 0 {
		local, err := p.local.Get(ctx, p.Identity(), c)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", c, err)
		}
		byID := make(map[string]int, len(remoteSet))
		merged = append([]models.Record(nil), remoteSet...)
		for i, r := range merged {
			byID[r.ID] = i
		}
		for _, r := range local {
			if !pending[r.ID] {
				continue
			}
			if i, ok := byID[r.ID]; ok {
				merged[i] = r
			} else {
				merged = append(merged, r)
			}
		}
	}

	if err := p.local.Replace(ctx, p.Identity(), c, merged); err != nil {
		return nil, fmt.Errorf("replace %s: %w", c, err)
	}
	return models.LiveOnly(merged), nil
}

// absorb writes a delta locally under last-writer-wins.
func (p *RemoteBacked) absorb(ctx context.Context, c models.Collection, delta []models.Record) error {
	if len(delta) == 0 {
		return nil
	}

	local, err := p.local.Get(ctx, p.Identity(), c)
	if err != nil {
		return fmt.Errorf("read %s: %w", c, err)
	}
	current := make(map[string]models.Record, len(local))
	for _, r := range local {
		current[r.ID] = r
	}

	apply := make([]models.Record, 0, len(delta))
	for _, r := range delta {
		if existing, ok := current[r.ID]; ok && !r.Supersedes(existing) {
			continue
		}
		apply = append(apply, r)
		current[r.ID] = r
	}

	if err := p.local.PutMany(ctx, p.Identity(), c, apply); err != nil {
		return fmt.Errorf("absorb %s: %w", c, err)
	}
	return nil
}

// Save writes records locally, then sends them or queues them.
func (p *RemoteBacked) Save(ctx context.Context, c models.Collection, records []models.Record) (Outcome, error) {
	if len(records) == 0 {
		return Sent, nil
	}
	records = stamp(records, p.opts.Clock)

	if err := p.local.PutMany(ctx, p.Identity(), c, records); err != nil {
		return Failed, fmt.Errorf("save %s: %w", c, err)
	}

	item, err := models.NewUpsertItem(p.Identity(), c, records)
	if err != nil {
		return Failed, err
	}
	return p.executeOrQueue(ctx, item, func(ctx context.Context) error {
		return p.adapter.UpsertBatch(ctx, p.Identity(), c, records)
	})
}

// Delete tombstones id locally, then remotely or through the queue.
func (p *RemoteBacked) Delete(ctx context.Context, c models.Collection, id string) (Outcome, error) {
	dead, err := tombstone(ctx, p.local, p.Identity(), c, id, p.opts.Clock.Now())
	if err != nil {
		return Failed, err
	}

	item, err := models.NewDeleteItem(p.Identity(), c, id, *dead.DeletedAt)
	if err != nil {
		return Failed, err
	}
	return p.executeOrQueue(ctx, item, func(ctx context.Context) error {
		return p.adapter.SoftDelete(ctx, p.Identity(), c, id, *dead.DeletedAt)
	})
}

func (p *RemoteBacked) executeOrQueue(ctx context.Context, item models.QueueItem, send queue.SendFunc) (Outcome, error) {
	if p.opts.Online != nil && !p.opts.Online() {
		if err := p.queue.Enqueue(context.WithoutCancel(ctx), item); err != nil {
			return Failed, err
		}
		return Queued, nil
	}
	return p.queue.ExecuteOrQueue(ctx, item, send)
}
