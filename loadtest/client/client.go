// Package client provides a WebSocket load test client for the agora live
// server. It speaks the same wire protocol as browsers, waits for the
// session_created handshake and tracks per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/agoranews/agora-live/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is a single simulated user connection.
type Client struct {
	conn      net.Conn
	userID    int64
	sessionID atomic.Value

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]func(json.RawMessage)

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// WithToken returns rawURL with the credential set as the token query
// parameter.
func WithToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// New dials the server as the user carried by token and starts the read loop.
func New(ctx context.Context, serverURL, token string) (*Client, error) {
	target, err := WithToken(serverURL, token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		// Frames written right after the upgrade may already sit in br.
		conn = &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}

	c := &Client{
		conn:           conn,
		handlers:       make(map[string]func(json.RawMessage)),
		connectLatency: time.Since(start),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send encodes msg as JSON and writes it as one text frame.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// JoinTopic asks to enter a topic room.
func (c *Client) JoinTopic(topicID int64) error {
	return c.Send(protocol.JoinTopicMsg{Type: protocol.TypeJoinTopic, TopicID: topicID})
}

// Post sends a chat message to a topic.
func (c *Client) Post(topicID int64, content string) error {
	return c.Send(protocol.PostMessageMsg{Type: protocol.TypePostMessage, TopicID: topicID, Content: content})
}

// On registers the handler for a server message type, replacing any
// previous one. Handlers run on the read loop goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[msgType] = handler
	c.handlersMu.Unlock()
}

// WaitForSession blocks until session_created arrives or ctx ends.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.SessionID() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before session was created")
		case <-ticker.C:
		}
	}
}

// SessionID returns the server-assigned session id, or "".
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// UserID returns the user id the server confirmed in session_created.
func (c *Client) UserID() int64 {
	return atomic.LoadInt64(&c.userID)
}

// Done is closed once the connection stops reading.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == protocol.TypeSessionCreated {
			var msg protocol.SessionCreatedMsg
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				atomic.StoreInt64(&c.userID, msg.UserID)
				c.sessionID.Store(msg.SessionID)
			}
		}

		c.handlersMu.RLock()
		handler := c.handlers[env.Type]
		c.handlersMu.RUnlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
