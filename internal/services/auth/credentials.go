package auth

import "time"

// Credentials is the signed in session, persisted in the token file.
type Credentials struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Email     string    `json:"email"`
	UserID    string    `json:"user_id"`
}

// ExpiredAt reports whether the token is past its expiry at now. A zero
// expiry never expires.
func (c *Credentials) ExpiredAt(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Expired reports whether the token has expired.
func (c *Credentials) Expired() bool {
	return c.ExpiredAt(time.Now())
}

// Account names the signed in user for display.
func (c *Credentials) Account() string {
	if c.Email != "" {
		return c.Email
	}
	return c.UserID
}
