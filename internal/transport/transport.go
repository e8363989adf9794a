package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/TheMichaelB/daybook/internal/config"
	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
)

// TokenSource supplies the bearer token for remote calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken always returns the same token.
type StaticToken string

// Token returns the token.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

type tokenKey struct{}

// WithToken returns a context whose calls carry token when the transport
// has no token source of its own.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func tokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	return token, ok && token != ""
}

// Transport combines HTTP and WebSocket functionality.
type Transport interface {
	// Do sends a JSON request and decodes the JSON response into out.
	Do(ctx context.Context, method, path string, payload, out interface{}) error

	// Stream opens the change feed and subscribes to collections.
	Stream(ctx context.Context, path string, collections []models.Collection) (<-chan models.FeedMessage, error)

	// Close closes all connections.
	Close() error
}

// DefaultTransport implements the Transport interface.
type DefaultTransport struct {
	httpClient *HTTPClient
	tokens     TokenSource
	logger     *events.Logger

	mu       sync.Mutex
	wsClient *WSClient
}

// NewTransport creates a transport instance.
func NewTransport(cfg *config.APIConfig, tokens TokenSource, logger *events.Logger) *DefaultTransport {
	return &DefaultTransport{
		httpClient: NewHTTPClient(cfg, tokens, logger),
		tokens:     tokens,
		logger:     logger,
	}
}

// Do forwards to the HTTP client.
func (t *DefaultTransport) Do(ctx context.Context, method, path string, payload, out interface{}) error {
	return t.httpClient.Do(ctx, method, path, payload, out)
}

// Stream creates a change feed stream. An open stream is replaced.
func (t *DefaultTransport) Stream(ctx context.Context, path string, collections []models.Collection) (<-chan models.FeedMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.wsClient != nil {
		_ = t.wsClient.Close()
	}

	t.wsClient = NewWSClient(feedURL(t.httpClient.baseURL, path), t.tokens, t.logger)

	if err := t.wsClient.Connect(ctx); err != nil {
		t.wsClient = nil
		return nil, fmt.Errorf("connect change feed: %w", err)
	}

	if err := t.wsClient.Subscribe(collections); err != nil {
		t.wsClient.Close()
		t.wsClient = nil
		return nil, fmt.Errorf("subscribe change feed: %w", err)
	}

	errs := t.wsClient.Errors()
	go func() {
		for err := range errs {
			t.logger.WithError(err).Error("Change feed error")
		}
	}()

	return t.wsClient.Messages(), nil
}

// Close closes all connections.
func (t *DefaultTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.wsClient != nil {
		err := t.wsClient.Close()
		t.wsClient = nil
		return err
	}
	return nil
}

func feedURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
