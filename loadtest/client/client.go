// Package client is a WebSocket load test client for the real-time server.
// It dials with gobwas/ws (the same library the server uses), authenticates
// with a bearer token, and tracks per-connection timings.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/thelinks/realtime/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial + upgrade
	AuthLatency      time.Duration // dial until the authenticated frame
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated user connection.
type Client struct {
	conn     net.Conn
	identity string

	mu       sync.Mutex
	writeMu  sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	authed   chan error
	done     chan struct{}
	once     sync.Once
	closed   sync.Once
}

// Dial connects to rawURL presenting token in the query string. The
// authenticated frame is awaited with WaitAuthenticated.
func Dial(ctx context.Context, rawURL, identity, token string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		identity: identity,
		handlers: make(map[string]func(json.RawMessage)),
		authed:   make(chan error, 1),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop(start)
	return c, nil
}

// Identity returns the identity the client authenticated as.
func (c *Client) Identity() string {
	return c.identity
}

// On registers a handler for a server frame type. Handlers run on the read
// goroutine and must be registered before traffic for that type arrives.
func (c *Client) On(frameType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[frameType] = handler
	c.mu.Unlock()
}

// Send writes a JSON frame.
func (c *Client) Send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// JoinChat asks to join the conversation room of itemID.
func (c *Client) JoinChat(itemID string) error {
	return c.Send(map[string]string{"type": protocol.TypeJoinChat, "itemId": itemID})
}

// WaitAuthenticated blocks until the server accepted or rejected the token.
func (c *Client) WaitAuthenticated(ctx context.Context) error {
	select {
	case err := <-c.authed:
		return err
	case <-c.done:
		return errors.New("connection closed before authentication")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closed.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop(start time.Time) {
	defer close(c.done)
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		var env struct {
			Type    string `json:"type"`
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if env.Type == protocol.TypeAuthenticated {
			c.once.Do(func() {
				if env.Status != protocol.StatusSuccess {
					c.authed <- fmt.Errorf("auth rejected: %s", env.Message)
					return
				}
				c.mu.Lock()
				c.metrics.AuthLatency = time.Since(start)
				c.mu.Unlock()
				c.authed <- nil
			})
		}

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
