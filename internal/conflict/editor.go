package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/provider"
)

// DefaultSnapshotWindow is how long a manual save mutes background snapshots.
const DefaultSnapshotWindow = 3 * time.Second

// Editor runs the note editing flow: open, save with a conflict check,
// force overwrite or discard, and background snapshots.
type Editor struct {
	mirror   Mirror
	detector *Detector
	guard    *SnapshotGuard
	clock    models.Clock
	logger   *events.Logger
}

// NewEditor creates a note editor.
func NewEditor(mirror Mirror, guard *SnapshotGuard, clock models.Clock, logger *events.Logger) *Editor {
	if guard == nil {
		guard = NewSnapshotGuard(DefaultSnapshotWindow)
	}
	if clock == nil {
		clock = models.SystemClock{}
	}
	return &Editor{
		mirror:   mirror,
		detector: NewDetector(mirror, logger),
		guard:    guard,
		clock:    clock,
		logger:   logger.WithField("component", "note_editor"),
	}
}

// Open starts editing note id and returns its current content.
func (e *Editor) Open(id string) (*EditSession, models.Note, error) {
	s, err := e.detector.Open(models.CollectionNotes, id)
	if err != nil {
		return nil, models.Note{}, err
	}
	note, err := models.DecodeNote(s.Original)
	if err != nil {
		return nil, models.Note{}, err
	}
	return s, note, nil
}

// Create starts editing a new note.
func (e *Editor) Create() *EditSession {
	return e.detector.Create(models.CollectionNotes)
}

// Save writes note unless the record changed since the session's base,
// in which case the *models.ConflictError is returned and nothing is written.
// A successful save leases the record against background snapshots.
func (e *Editor) Save(ctx context.Context, s *EditSession, note models.Note) (provider.Outcome, *Lease, error) {
	if err := e.detector.Check(s); err != nil {
		return provider.Failed, nil, err
	}
	return e.write(ctx, s, note)
}

// ForceOverwrite rebases the session on now and writes note regardless of
// the current version.
func (e *Editor) ForceOverwrite(ctx context.Context, s *EditSession, note models.Note) (provider.Outcome, *Lease, error) {
	s.Base = e.clock.Now()
	e.logger.WithField("record_id", s.ID).Info("Overwriting newer version")
	return e.write(ctx, s, note)
}

// Discard drops local edits and rebases the session on the current version,
// which is returned.
func (e *Editor) Discard(s *EditSession) (models.Record, error) {
	current, ok, err := e.mirror.Lookup(s.Collection, s.ID)
	if err != nil {
		return models.Record{}, err
	}
	if !ok {
		return models.Record{}, fmt.Errorf("%w: %s/%s", models.ErrRecordNotFound, s.Collection, s.ID)
	}
	s.Base = current.UpdatedAt
	s.Original = current
	s.Tracked = true
	return current, nil
}

// Snapshot is the background autosave. It does nothing while a manual save
// lease on the record is live and reports whether it wrote.
func (e *Editor) Snapshot(ctx context.Context, s *EditSession, note models.Note) (bool, error) {
	if !e.guard.Allow(s.ID, e.clock.Now()) {
		e.logger.WithField("record_id", s.ID).Debug("Snapshot suppressed by manual save")
		return false, nil
	}
	if err := e.detector.Check(s); err != nil {
		return false, err
	}
	if _, err := e.store(ctx, s, note); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Editor) write(ctx context.Context, s *EditSession, note models.Note) (provider.Outcome, *Lease, error) {
	outcome, err := e.store(ctx, s, note)
	if err != nil {
		return outcome, nil, err
	}
	return outcome, e.guard.Acquire(s.ID, e.clock.Now()), nil
}

// store saves note and moves the session base to the written version.
func (e *Editor) store(ctx context.Context, s *EditSession, note models.Note) (provider.Outcome, error) {
	data, err := models.EncodePayload(note)
	if err != nil {
		return provider.Failed, err
	}

	outcome, err := e.mirror.Save(ctx, s.Collection, models.Record{ID: s.ID, Data: data})
	if err != nil && !models.IsUnauthorized(err) {
		return outcome, fmt.Errorf("save note %s: %w", s.ID, err)
	}

	if r, ok, lerr := e.mirror.Lookup(s.Collection, s.ID); lerr == nil && ok {
		s.Base = r.UpdatedAt
		s.Original = r
	}
	return outcome, err
}
