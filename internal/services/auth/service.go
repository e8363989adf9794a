package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/transport"
)

// defaultTokenLifetime applies when neither the response nor the token
// carries an expiry.
const defaultTokenLifetime = 24 * time.Hour

// Service handles authentication operations.
type Service struct {
	transport transport.Transport
	logger    *events.Logger

	mu        sync.RWMutex
	token     *Credentials
	tokenFile string
}

// NewService creates an auth service. transport must not carry a bearer
// token itself.
func NewService(transport transport.Transport, tokenFile string, logger *events.Logger) *Service {
	return &Service{
		transport: transport,
		tokenFile: tokenFile,
		logger:    logger.WithField("service", "auth"),
	}
}

// Login authenticates and stores the token.
func (s *Service) Login(ctx context.Context, email, password string) (*Credentials, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password required")
	}

	s.logger.WithField("email", email).Info("Logging in")

	var resp models.LoginResponse
	req := models.LoginRequest{Email: email, Password: password}
	if err := s.transport.Do(ctx, http.MethodPost, "/v1/auth/login", req, &resp); err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("invalid login response: missing token")
	}

	token := &Credentials{
		Token:     resp.Token,
		ExpiresAt: resp.ExpiresAt,
		Email:     email,
		UserID:    resp.UserID,
	}
	if claims, err := parseClaims(resp.Token); err == nil {
		if token.UserID == "" {
			token.UserID = claims.Subject
		}
		if token.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
			token.ExpiresAt = claims.ExpiresAt.Time
		}
	} else {
		s.logger.WithError(err).Debug("Token is not a readable JWT")
	}
	if token.UserID == "" {
		return nil, fmt.Errorf("invalid login response: missing user id")
	}
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = time.Now().Add(defaultTokenLifetime)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if err := s.saveToken(token); err != nil {
		s.logger.WithError(err).Warn("Failed to save token")
	}

	s.logger.WithField("user_id", token.UserID).Info("Login successful")
	return token, nil
}

// Logout clears authentication. The server is told on a best-effort basis.
func (s *Service) Logout(ctx context.Context) error {
	s.logger.Info("Logging out")

	s.mu.Lock()
	token := s.token
	s.token = nil
	s.mu.Unlock()

	if token != nil && !token.Expired() {
		err := s.transport.Do(transport.WithToken(ctx, token.Token), http.MethodPost, "/v1/auth/logout", nil, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Server logout failed")
		}
	}

	if s.tokenFile != "" {
		if err := os.Remove(s.tokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove token file: %w", err)
		}
	}
	return nil
}

// Current returns the stored token, loading it from the token file on first
// use. Expired tokens are returned too.
func (s *Service) Current() (*Credentials, bool) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token != nil {
		return token, true
	}

	token, err := s.loadToken()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).Warn("Ignoring unreadable token file")
		}
		return nil, false
	}

	s.mu.Lock()
	if s.token == nil {
		s.token = token
	}
	token = s.token
	s.mu.Unlock()
	return token, true
}

// Token returns the bearer token for remote calls. It fails with
// ErrUnauthorized when signed out or expired.
func (s *Service) Token(ctx context.Context) (string, error) {
	token, ok := s.Current()
	if !ok {
		return "", fmt.Errorf("%w: not signed in", models.ErrUnauthorized)
	}
	if token.Expired() {
		return "", fmt.Errorf("%w: token expired at %s", models.ErrUnauthorized, models.FormatTime(token.ExpiresAt))
	}
	return token.Token, nil
}

// Identity returns the signed in user id, or models.LocalIdentity. An
// expired session keeps its identity so its local data and queue stay
// reachable until the user signs in again.
func (s *Service) Identity() string {
	token, ok := s.Current()
	if !ok || token.UserID == "" {
		return models.LocalIdentity
	}
	return token.UserID
}

// SignedIn reports whether a token is stored.
func (s *Service) SignedIn() bool {
	_, ok := s.Current()
	return ok
}

// parseClaims reads the registered claims without verifying the signature.
// The client only needs them for display and expiry; the server verifies.
func parseClaims(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// Token persistence

func (s *Service) saveToken(token *Credentials) error {
	if s.tokenFile == "" {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	// Save with restricted permissions
	return os.WriteFile(s.tokenFile, data, 0600)
}

func (s *Service) loadToken() (*Credentials, error) {
	if s.tokenFile == "" {
		return nil, os.ErrNotExist
	}

	data, err := os.ReadFile(s.tokenFile)
	if err != nil {
		return nil, err
	}

	var token Credentials
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if token.Token == "" {
		return nil, fmt.Errorf("parse token file: empty token")
	}
	if token.UserID == "" {
		if claims, err := parseClaims(token.Token); err == nil {
			token.UserID = claims.Subject
		}
	}
	return &token, nil
}
