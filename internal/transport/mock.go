package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/TheMichaelB/daybook/internal/models"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Response configuration, keyed by "METHOD path"
	Responses    map[string]interface{}
	FeedMessages []models.FeedMessage

	// Error injection
	Errors      map[string]error
	DoError     error
	StreamError error

	// Request tracking
	Requests       []Request
	StreamRequests [][]models.Collection

	feed   chan models.FeedMessage
	closed bool
}

// Request tracks a Do call.
type Request struct {
	Method  string
	Path    string
	Payload interface{}
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Responses: make(map[string]interface{}),
		Errors:    make(map[string]error),
	}
}

func mockKey(method, path string) string {
	return method + " " + path
}

// Do records the request and returns the configured response.
func (m *MockTransport) Do(ctx context.Context, method, path string, payload, out interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, Request{Method: method, Path: path, Payload: payload})

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.DoError != nil {
		return m.DoError
	}

	key := mockKey(method, path)
	if err, ok := m.Errors[key]; ok {
		return err
	}

	resp, ok := m.Responses[key]
	if !ok {
		return fmt.Errorf("no mock response for %s", key)
	}
	if out == nil || resp == nil {
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Stream replays FeedMessages on a buffered channel.
func (m *MockTransport) Stream(ctx context.Context, path string, collections []models.Collection) (<-chan models.FeedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StreamRequests = append(m.StreamRequests, collections)

	if m.StreamError != nil {
		return nil, m.StreamError
	}

	m.feed = make(chan models.FeedMessage, len(m.FeedMessages)+1)
	for _, msg := range m.FeedMessages {
		m.feed <- msg
	}
	return m.feed, nil
}

// Push delivers msg on the open stream.
func (m *MockTransport) Push(msg models.FeedMessage) {
	m.mu.Lock()
	feed := m.feed
	m.mu.Unlock()
	if feed != nil {
		feed <- msg
	}
}

// Close closes the stream.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		if m.feed != nil {
			close(m.feed)
			m.feed = nil
		}
	}

	return nil
}

// AddResponse sets the response for method and path.
func (m *MockTransport) AddResponse(method, path string, response interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[mockKey(method, path)] = response
}

// AddError sets an error for method and path.
func (m *MockTransport) AddError(method, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[mockKey(method, path)] = err
}

// Calls returns a copy of the recorded requests.
func (m *MockTransport) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.Requests...)
}
