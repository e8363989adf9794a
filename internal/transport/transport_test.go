package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/daybook/internal/config"
	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/transport"
)

func testConfig(url string) *config.APIConfig {
	return &config.APIConfig{
		BaseURL:    url,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		UserAgent:  "test",
	}
}

func testLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", io.Discard)
}

func TestHTTPClientRetry(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	client := transport.NewHTTPClient(testConfig(server.URL), nil, testLogger())
	client.SetRetryDelay(time.Millisecond)

	var resp struct {
		Success bool `json:"success"`
	}
	err := client.Do(context.Background(), http.MethodPost, "/test", map[string]string{"key": "value"}, &resp)

	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHTTPClientBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/health", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "test", r.Header.Get("User-Agent"))
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := transport.NewHTTPClient(testConfig(server.URL), transport.StaticToken("test-token"), testLogger())

	err := client.Do(context.Background(), http.MethodGet, "/v1/health", nil, nil)
	require.NoError(t, err)
}

func TestHTTPClientTokenError(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	tokens := transport.TokenFunc(func(context.Context) (string, error) {
		return "", models.ErrUnauthorized
	})
	client := transport.NewHTTPClient(testConfig(server.URL), tokens, testLogger())

	err := client.Do(context.Background(), http.MethodGet, "/v1/health", nil, nil)

	assert.True(t, models.IsUnauthorized(err))
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestHTTPClientOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	cfg := testConfig(url)
	cfg.MaxRetries = 1
	client := transport.NewHTTPClient(cfg, nil, testLogger())
	client.SetRetryDelay(time.Millisecond)

	err := client.Do(context.Background(), http.MethodGet, "/v1/health", nil, nil)

	require.Error(t, err)
	assert.True(t, models.IsOffline(err))
	assert.Equal(t, models.ErrCodeNetwork, models.ErrorCode(err))
}

func TestHTTPClientCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := transport.NewHTTPClient(testConfig(server.URL), nil, testLogger())
	err := client.Do(ctx, http.MethodGet, "/slow", nil, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, models.IsOffline(err))
}

func TestHTTPClientAPIError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code": "invalid_request", "message": "Missing required field"}`))
	}))
	defer server.Close()

	client := transport.NewHTTPClient(testConfig(server.URL), nil, testLogger())

	err := client.Do(context.Background(), http.MethodPost, "/test", map[string]string{"key": "value"}, nil)

	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "validation errors are not retried")

	var apiErr *models.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, "invalid_request", apiErr.Code)
}

func TestWebSocketFeed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		var sub models.FeedSubscribe
		if !assert.NoError(t, conn.ReadJSON(&sub)) {
			return
		}
		assert.Equal(t, "subscribe", sub.Op)
		assert.Equal(t, []models.Collection{models.CollectionTasks}, sub.Collections)

		for _, msg := range []models.FeedMessage{
			{Type: models.FeedTypeHello},
			{Type: models.FeedTypePing},
			{Type: models.FeedTypeChanged, Collection: models.CollectionTasks, UpdatedAt: time.Unix(100, 0).UTC()},
		} {
			if !assert.NoError(t, conn.WriteJSON(msg)) {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer server.Close()

	client := transport.NewWSClient(server.URL+"/v1/feed", transport.StaticToken("test-token"), testLogger())

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()
	require.NoError(t, client.Subscribe([]models.Collection{models.CollectionTasks}))

	var messages []models.FeedMessage
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				done = true
				break
			}
			messages = append(messages, msg)
		case <-timeout:
			t.Fatal("timeout waiting for messages")
		}
	}

	require.Len(t, messages, 2, "pings are not forwarded")
	assert.Equal(t, models.FeedTypeHello, messages[0].Type)
	assert.Equal(t, models.FeedTypeChanged, messages[1].Type)
	assert.Equal(t, models.CollectionTasks, messages[1].Collection)
}

func TestWebSocketRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := transport.NewWSClient(server.URL, transport.StaticToken("bad"), testLogger())
	err := client.Connect(context.Background())

	require.Error(t, err)
	assert.True(t, models.IsUnauthorized(err))
}

func TestTransportInterface(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/auth/login" {
			var req models.LoginRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, "test@example.com", req.Email)
			_, _ = w.Write([]byte(`{"token": "test-token"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	var tr transport.Transport = transport.NewTransport(testConfig(server.URL), nil, testLogger())
	defer tr.Close()

	var resp models.LoginResponse
	err := tr.Do(context.Background(), http.MethodPost, "/v1/auth/login", models.LoginRequest{
		Email:    "test@example.com",
		Password: "password",
	}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "test-token", resp.Token)

	err = tr.Do(context.Background(), http.MethodGet, "/v1/missing", nil, nil)
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestMockTransport(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.AddResponse(http.MethodPost, "/v1/auth/login", map[string]interface{}{"token": "test-token"})
	mock.AddError(http.MethodGet, "/v1/health", models.ErrOffline)
	mock.FeedMessages = []models.FeedMessage{{Type: models.FeedTypeHello}}

	ctx := context.Background()

	var resp models.LoginResponse
	require.NoError(t, mock.Do(ctx, http.MethodPost, "/v1/auth/login", nil, &resp))
	assert.Equal(t, "test-token", resp.Token)

	err := mock.Do(ctx, http.MethodGet, "/v1/health", nil, nil)
	assert.ErrorIs(t, err, models.ErrOffline)

	err = mock.Do(ctx, http.MethodGet, "/v1/unknown", nil, nil)
	assert.Error(t, err)

	feed, err := mock.Stream(ctx, "/v1/feed", []models.Collection{models.CollectionNotes})
	require.NoError(t, err)
	assert.Equal(t, models.FeedTypeHello, (<-feed).Type)

	mock.Push(models.FeedMessage{Type: models.FeedTypeChanged, Collection: models.CollectionNotes})
	assert.Equal(t, models.CollectionNotes, (<-feed).Collection)

	require.NoError(t, mock.Close())
	_, ok := <-feed
	assert.False(t, ok)

	assert.Len(t, mock.Calls(), 3)
	assert.Equal(t, [][]models.Collection{{models.CollectionNotes}}, mock.StreamRequests)
}
