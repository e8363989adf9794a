package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/daybook/internal/config"
	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
)

// HTTPClient handles HTTP communication with the document backend.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	tokens    TokenSource
	logger    *events.Logger

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates an HTTP client. tokens may be nil for anonymous calls.
func NewHTTPClient(cfg *config.APIConfig, tokens TokenSource, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos:         []string{"h2", "http/1.1"},
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		tokens:     tokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
		logger:     logger.WithField("component", "http_client"),
	}
}

// SetRetryDelay changes the initial backoff delay.
func (c *HTTPClient) SetRetryDelay(d time.Duration) {
	c.retryDelay = d
}

// Do sends a JSON request. Network failures and retryable statuses are
// retried with backoff and surface as models.ErrOffline; 401/403 surface
// as models.ErrUnauthorized and 400/422 as *models.ValidationError.
func (c *HTTPClient) Do(ctx context.Context, method, path string, payload, out interface{}) error {
	url := c.baseURL + path

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	logger := c.logger.WithFields(map[string]interface{}{
		"method": method,
		"path":   path,
	})
	logger.WithField("size", len(body)).Debug("Sending request")

	var respBody []byte
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.tokens != nil {
			token, err := c.tokens.Token(ctx)
			if err != nil {
				return fmt.Errorf("bearer token: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		} else if token, ok := tokenFromContext(ctx); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("execute request: %w: %w", models.ErrOffline, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w: %w", models.ErrOffline, err)
		}

		logger.WithFields(map[string]interface{}{
			"status": resp.StatusCode,
			"size":   len(data),
		}).Debug("Received response")

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(resp.StatusCode, data)
		}

		respBody = data
		return nil
	})
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	return nil
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(status int, body []byte) error {
	apiErr := &models.APIError{StatusCode: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(body))
	}
	apiErr.StatusCode = status
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(status)
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &models.ValidationError{Reason: apiErr.Message, Err: apiErr}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", models.ErrRecordNotFound, apiErr)
	}
	return apiErr
}

// retry executes a function with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPClient) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		(status >= 500 && status < 600)
}

// isRetryableError retries network failures and retryable statuses only.
func (c *HTTPClient) isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return c.isRetryable(apiErr.StatusCode)
	}

	return models.IsOffline(err)
}
