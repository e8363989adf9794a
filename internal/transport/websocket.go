package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
)

// WSClient reads the document backend change feed.
type WSClient struct {
	url    string
	tokens TokenSource
	logger *events.Logger

	// Connection state
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// Channels
	messages chan models.FeedMessage
	errors   chan error
	done     chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWSClient creates a change feed client. http(s) URLs are converted to ws(s).
func NewWSClient(feedURL string, tokens TokenSource, logger *events.Logger) *WSClient {
	if strings.HasPrefix(feedURL, "http") {
		feedURL = "ws" + feedURL[4:]
	}

	return &WSClient{
		url:          feedURL,
		tokens:       tokens,
		logger:       logger.WithField("component", "ws_client"),
		messages:     make(chan models.FeedMessage, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// Connect establishes the WebSocket connection.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("already connected")
	}
	if c.closed {
		return errors.New("client closed")
	}

	c.logger.WithField("url", c.url).Info("Connecting to change feed")

	headers := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("bearer token: %w", err)
		}
		headers.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect failed: %w", statusError(resp.StatusCode, nil))
		}
		return fmt.Errorf("websocket connect failed: %w: %w", models.ErrOffline, err)
	}

	c.conn = conn

	go c.readLoop(conn)
	go c.pingLoop()

	c.logger.Info("Change feed connected")
	return nil
}

// Subscribe scopes the feed to collections.
func (c *WSClient) Subscribe(collections []models.Collection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("not connected")
	}

	c.logger.WithField("collections", len(collections)).Debug("Subscribing to change feed")

	msg := models.FeedSubscribe{Op: "subscribe", Collections: collections}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

// Messages returns the message channel. It is closed when the connection ends.
func (c *WSClient) Messages() <-chan models.FeedMessage {
	return c.messages
}

// Errors returns the error channel.
func (c *WSClient) Errors() <-chan error {
	return c.errors
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

		err := c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

// readLoop reads messages until the connection ends.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer func() {
		c.Close()
		close(c.messages)
		close(c.errors)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	conn.SetPongHandler(func(string) error {
		c.logger.Debug("Received pong")
		return conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	})

	for {
		var msg models.FeedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Error("Change feed read error")
				select {
				case c.errors <- err:
				default:
				}
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))

		c.logger.WithFields(map[string]interface{}{
			"type":       msg.Type,
			"collection": msg.Collection,
		}).Debug("Received feed message")

		if msg.Type == models.FeedTypePing {
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

// pingLoop sends periodic pings.
func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			var err error
			if conn != nil {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.mu.Unlock()

			if conn == nil {
				return
			}
			if err != nil {
				c.logger.WithError(err).Error("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
