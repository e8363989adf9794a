package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/daybook/internal/config"
	"github.com/TheMichaelB/daybook/internal/models"
)

// Default credentials accepted by DocServer.
const (
	TestEmail    = "test@example.com"
	TestPassword = "testpassword123"
	TestUserID   = "user-1"
)

// LogEntry represents a captured log entry for testing
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"msg"`
	Time    time.Time `json:"time"`
}

// DocServer is an in-process document backend.
type DocServer struct {
	*httptest.Server

	mu           sync.RWMutex
	docs         map[string]map[models.Collection]map[string]models.Record
	authTokens   map[string]string
	hits         map[string]int
	failStatus   int
	loginHandler func(email, password string) (string, error)
	feeds        map[chan models.FeedMessage][]models.Collection
}

// NewDocServer creates a new document backend server.
func NewDocServer() *DocServer {
	ts := &DocServer{
		docs:       make(map[string]map[models.Collection]map[string]models.Record),
		authTokens: make(map[string]string),
		hits:       make(map[string]int),
		feeds:      make(map[chan models.FeedMessage][]models.Collection),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth/login", ts.handleLogin)
	mux.HandleFunc("POST /v1/auth/logout", ts.authed(ts.handleLogout))
	mux.HandleFunc("GET /v1/health", ts.handleHealth)
	mux.HandleFunc("GET /v1/collections/{c}/documents", ts.authed(ts.handleList))
	mux.HandleFunc("POST /v1/collections/{c}/{action}", ts.authed(ts.handleBatchUpsert))
	mux.HandleFunc("POST /v1/collections/{c}/documents/{op}", ts.authed(ts.handleSoftDelete))
	mux.HandleFunc("POST /v1/changes", ts.authed(ts.handleChanges))
	mux.HandleFunc("GET /v1/feed", ts.authed(ts.handleFeed))

	ts.Server = httptest.NewServer(mux)
	return ts
}

// APIConfig returns a client config pointing at the server with retries off.
func (ts *DocServer) APIConfig() *config.APIConfig {
	return &config.APIConfig{
		BaseURL:   ts.URL,
		Timeout:   5 * time.Second,
		UserAgent: "daybook-test",
	}
}

// IssueToken registers a token for userID and returns it.
func (ts *DocServer) IssueToken(userID string) string {
	token := SignedToken(userID, time.Now().Add(time.Hour))
	ts.mu.Lock()
	ts.authTokens[token] = userID
	ts.mu.Unlock()
	return token
}

// RevokeTokens invalidates every issued token.
func (ts *DocServer) RevokeTokens() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.authTokens = make(map[string]string)
}

// SetFailure makes every data endpoint answer with status. Zero restores service.
func (ts *DocServer) SetFailure(status int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.failStatus = status
}

// SetLoginHandler sets a custom login handler returning the user id.
func (ts *DocServer) SetLoginHandler(handler func(email, password string) (string, error)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.loginHandler = handler
}

// Seed stores records for a user.
func (ts *DocServer) Seed(userID string, c models.Collection, records ...models.Record) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.table(userID, c)
	for _, r := range records {
		t[r.ID] = r.Clone()
	}
}

// Document returns a stored record.
func (ts *DocServer) Document(userID string, c models.Collection, id string) (models.Record, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	r, ok := ts.docs[userID][c][id]
	return r, ok
}

// Documents returns every stored record of a collection, tombstones included.
func (ts *DocServer) Documents(userID string, c models.Collection) []models.Record {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := []models.Record{}
	for _, r := range ts.docs[userID][c] {
		out = append(out, r.Clone())
	}
	return out
}

// Hits returns how many requests reached a route key such as "GET documents".
func (ts *DocServer) Hits(key string) int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.hits[key]
}

// Notify pushes a change message to feed subscribers of c.
func (ts *DocServer) Notify(c models.Collection, at time.Time) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	ts.notifyLocked(c, at)
}

func (ts *DocServer) notifyLocked(c models.Collection, at time.Time) {
	msg := models.FeedMessage{Type: models.FeedTypeChanged, Collection: c, UpdatedAt: at}
	for ch, colls := range ts.feeds {
		for _, sub := range colls {
			if sub == c {
				select {
				case ch <- msg:
				default:
				}
				break
			}
		}
	}
}

func (ts *DocServer) table(userID string, c models.Collection) map[string]models.Record {
	byColl, ok := ts.docs[userID]
	if !ok {
		byColl = make(map[models.Collection]map[string]models.Record)
		ts.docs[userID] = byColl
	}
	t, ok := byColl[c]
	if !ok {
		t = make(map[string]models.Record)
		byColl[c] = t
	}
	return t
}

func (ts *DocServer) hit(key string) {
	ts.mu.Lock()
	ts.hits[key]++
	ts.mu.Unlock()
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (ts *DocServer) authed(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		ts.mu.RLock()
		userID, ok := ts.authTokens[token]
		status := ts.failStatus
		ts.mu.RUnlock()

		if status != 0 {
			writeError(w, status, "unavailable", "injected failure")
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next(w, r, userID)
	}
}

func (ts *DocServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ts.mu.RLock()
	handler := ts.loginHandler
	ts.mu.RUnlock()

	var userID string
	if handler != nil {
		var err error
		if userID, err = handler(req.Email, req.Password); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
			return
		}
	} else if req.Email == TestEmail && req.Password == TestPassword {
		userID = TestUserID
	} else {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	token := SignedToken(userID, expires)
	ts.mu.Lock()
	ts.authTokens[token] = userID
	ts.mu.Unlock()

	writeJSON(w, models.LoginResponse{Token: token, ExpiresAt: expires, UserID: userID})
}

func (ts *DocServer) handleLogout(w http.ResponseWriter, r *http.Request, userID string) {
	ts.hit("POST logout")

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	ts.mu.Lock()
	delete(ts.authTokens, token)
	ts.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (ts *DocServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ts.hit("GET health")

	ts.mu.RLock()
	status := ts.failStatus
	ts.mu.RUnlock()
	if status != 0 {
		writeError(w, status, "unavailable", "injected failure")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (ts *DocServer) collection(w http.ResponseWriter, r *http.Request) (models.Collection, bool) {
	c, err := models.ParseCollection(r.PathValue("c"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return "", false
	}
	return c, true
}

func (ts *DocServer) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	ts.hit("GET documents")
	c, ok := ts.collection(w, r)
	if !ok {
		return
	}

	var since *time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := models.ParseTime(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", err.Error())
			return
		}
		since = &t
	}

	ts.mu.RLock()
	out := ts.list(userID, c, since)
	ts.mu.RUnlock()

	writeJSON(w, map[string]interface{}{"documents": out})
}

func (ts *DocServer) list(userID string, c models.Collection, since *time.Time) []models.Record {
	out := []models.Record{}
	for _, rec := range ts.docs[userID][c] {
		if since != nil && !rec.UpdatedAt.After(*since) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

func (ts *DocServer) handleBatchUpsert(w http.ResponseWriter, r *http.Request, userID string) {
	if r.PathValue("action") != "documents:batchUpsert" {
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
		return
	}
	ts.hit("POST batchUpsert")
	c, ok := ts.collection(w, r)
	if !ok {
		return
	}

	var req struct {
		Documents []models.Record `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for _, rec := range req.Documents {
		if rec.ID == "" || rec.UpdatedAt.IsZero() {
			writeError(w, http.StatusUnprocessableEntity, "invalid_document", "id and updated_at are required")
			return
		}
	}

	ts.mu.Lock()
	t := ts.table(userID, c)
	var latest time.Time
	for _, rec := range req.Documents {
		if existing, ok := t[rec.ID]; ok && !rec.Supersedes(existing) {
			continue
		}
		t[rec.ID] = rec.Clone()
		if rec.UpdatedAt.After(latest) {
			latest = rec.UpdatedAt
		}
	}
	ts.notifyLocked(c, latest)
	ts.mu.Unlock()

	writeJSON(w, map[string]int{"upserted": len(req.Documents)})
}

func (ts *DocServer) handleSoftDelete(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := strings.CutSuffix(r.PathValue("op"), ":softDelete")
	if !ok || id == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
		return
	}
	ts.hit("POST softDelete")
	c, ok := ts.collection(w, r)
	if !ok {
		return
	}

	var req struct {
		DeletedAt time.Time `json:"deleted_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeletedAt.IsZero() {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", "deleted_at is required")
		return
	}

	ts.mu.Lock()
	t := ts.table(userID, c)
	rec, exists := t[id]
	if !exists {
		rec = models.Record{ID: id}
	}
	if !exists || !rec.UpdatedAt.After(req.DeletedAt) {
		t[id] = rec.Tombstone(req.DeletedAt)
	}
	ts.notifyLocked(c, req.DeletedAt)
	ts.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (ts *DocServer) handleChanges(w http.ResponseWriter, r *http.Request, userID string) {
	ts.hit("POST changes")

	var req struct {
		Since map[models.Collection]*time.Time `json:"since"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ts.mu.RLock()
	changes := make(map[models.Collection][]models.Record, len(req.Since))
	for c, since := range req.Since {
		changes[c] = ts.list(userID, c, since)
	}
	ts.mu.RUnlock()

	writeJSON(w, map[string]interface{}{"changes": changes})
}

var upgrader = websocket.Upgrader{}

func (ts *DocServer) handleFeed(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var sub models.FeedSubscribe
	if err := conn.ReadJSON(&sub); err != nil {
		return
	}

	ch := make(chan models.FeedMessage, 16)
	ts.mu.Lock()
	ts.feeds[ch] = sub.Collections
	ts.mu.Unlock()
	defer func() {
		ts.mu.Lock()
		delete(ts.feeds, ch)
		ts.mu.Unlock()
	}()

	if err := conn.WriteJSON(models.FeedMessage{Type: models.FeedTypeHello}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-ch:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// TestTimeout provides timeout context for tests.
func TestTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

// TestContext creates a test context with reasonable timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return TestTimeout(30 * time.Second)
}

// TestConfigWithDir creates a test configuration rooted at dataDir.
func TestConfigWithDir(dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.API.Timeout = 5 * time.Second
	cfg.API.MaxRetries = 0
	cfg.Storage.DataDir = dataDir
	cfg.Auth.TokenFile = filepath.Join(dataDir, "token.json")
	cfg.Sync.ReplayDelay = 0
	cfg.Sync.ProbeInterval = 20 * time.Millisecond
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	cfg.Log.Color = false
	return cfg
}

// WaitForCondition waits for a condition to be true with timeout.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-timer.C:
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// LogOutput captures JSON log output for testing.
type LogOutput struct {
	mu      sync.RWMutex
	entries []LogEntry
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer to capture log output.
func (lo *LogOutput) Write(p []byte) (n int, err error) {
	var entry LogEntry
	if err := json.Unmarshal(p, &entry); err == nil {
		lo.mu.Lock()
		lo.entries = append(lo.entries, entry)
		lo.mu.Unlock()
	}
	return len(p), nil
}

// Entries returns captured log entries.
func (lo *LogOutput) Entries() []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	entries := make([]LogEntry, len(lo.entries))
	copy(entries, lo.entries)
	return entries
}

// HasMessage checks if any log entry contains the message.
func (lo *LogOutput) HasMessage(message string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if strings.Contains(entry.Message, message) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.APIError{Code: code, Message: message, StatusCode: status})
}
