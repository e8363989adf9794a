package state

import (
	"errors"
	"time"

	"github.com/TheMichaelB/daybook/internal/models"
)

// Store persists per-collection watermarks keyed by identity.
type Store interface {
	// Load returns the watermark of a collection or ErrWatermarkNotFound.
	Load(identity string, c models.Collection) (time.Time, error)

	// Save records at unless a later watermark is already stored.
	Save(identity string, c models.Collection, at time.Time) error

	// Reset removes all watermarks of an identity.
	Reset(identity string) error

	// List returns every stored watermark of an identity.
	List(identity string) (map[models.Collection]time.Time, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrWatermarkNotFound = errors.New("watermark not found")
)
