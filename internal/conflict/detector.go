// Package conflict guards human-edited records against silent overwrites
// when the same record changed on another device while it was open.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/provider"
)

// Mirror is the record view the detector and editor work against.
// *cache.Coordinator implements it.
type Mirror interface {
	Lookup(c models.Collection, id string) (models.Record, bool, error)
	Save(ctx context.Context, c models.Collection, records ...models.Record) (provider.Outcome, error)
}

// EditSession tracks one open record.
type EditSession struct {
	Collection models.Collection
	ID         string
	// Base is the updatedAt of the version the edit started from.
	Base time.Time
	// Original is that version. Empty for new records.
	Original models.Record
	// Tracked is false when the record was opened before its collection
	// was hydrated. Such sessions save without a check.
	Tracked bool
}

// Detector compares an edit session against the current mirror.
type Detector struct {
	mirror Mirror
	logger *events.Logger
}

// NewDetector creates a detector over mirror.
func NewDetector(mirror Mirror, logger *events.Logger) *Detector {
	return &Detector{
		mirror: mirror,
		logger: logger.WithField("component", "conflict_detector"),
	}
}

// Open starts an edit session on an existing record.
func (d *Detector) Open(c models.Collection, id string) (*EditSession, error) {
	r, ok, err := d.mirror.Lookup(c, id)
	switch {
	case errors.Is(err, models.ErrNotHydrated):
		d.logger.WithFields(map[string]interface{}{
			"collection": c,
			"record_id":  id,
		}).Debug("Opened before hydration, conflicts will not be detected")
		return &EditSession{Collection: c, ID: id}, nil
	case err != nil:
		return nil, err
	case !ok:
		return nil, fmt.Errorf("%w: %s/%s", models.ErrRecordNotFound, c, id)
	}

	return &EditSession{
		Collection: c,
		ID:         id,
		Base:       r.UpdatedAt,
		Original:   r,
		Tracked:    true,
	}, nil
}

// Create starts an edit session on a record that does not exist yet.
func (d *Detector) Create(c models.Collection) *EditSession {
	return &EditSession{Collection: c, ID: models.NewID(), Tracked: true}
}

// Check returns a *models.ConflictError when the record changed after the
// session's base. A newer version with the content the session already has
// rebases the session instead. It returns nil when no check is possible.
func (d *Detector) Check(s *EditSession) error {
	if !s.Tracked {
		return nil
	}

	current, ok, err := d.mirror.Lookup(s.Collection, s.ID)
	if errors.Is(err, models.ErrNotHydrated) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ok || !current.UpdatedAt.After(s.Base) {
		return nil
	}
	// A backend that restamps writes echoes this session's own version back
	// with a newer time.
	if s.Original.ID != "" && current.SameContent(s.Original) {
		s.Base = current.UpdatedAt
		s.Original = current
		return nil
	}

	conflict := &models.ConflictError{
		Collection:    s.Collection,
		RecordID:      s.ID,
		BaseTimestamp: s.Base,
		Remote:        current,
	}
	if note, err := models.DecodeNote(current); err == nil {
		conflict.RemoteTitle = note.Title
		conflict.RemoteContent = note.Content
	}

	d.logger.WithFields(map[string]interface{}{
		"collection": s.Collection,
		"record_id":  s.ID,
		"base":       models.FormatTime(s.Base),
		"current":    models.FormatTime(current.UpdatedAt),
	}).Info("Edit conflict detected")
	return conflict
}
