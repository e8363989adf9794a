package cache

import (
	"errors"

	"github.com/TheMichaelB/daybook/internal/provider"
	"github.com/TheMichaelB/daybook/internal/state"
)

// Session binds the active identity to its provider and watermark table.
// A new Session is built whenever the identity changes.
type Session struct {
	Identity   string
	Provider   provider.Provider
	Watermarks state.Store
}

// NewSession creates a session for the provider's identity.
func NewSession(p provider.Provider, watermarks state.Store) (*Session, error) {
	if p == nil {
		return nil, errors.New("session: provider is required")
	}
	if watermarks == nil {
		return nil, errors.New("session: watermark store is required")
	}
	return &Session{
		Identity:   p.Identity(),
		Provider:   p,
		Watermarks: watermarks,
	}, nil
}
