package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/pkg/tmsg"
)

// Client dials a channel server and exposes the resulting channel.
// Reconnection is the caller's policy: a dropped connection fails pending
// transactions with ErrChannelClosed and the client must be redialed.
type Client struct {
	url       string
	protocol  string
	userAgent string
	handlers  *Handlers
	logger    *logger.Logger

	mu        sync.Mutex
	channel   *Channel
	connected bool
	cancel    context.CancelFunc
}

// NewClient creates a client for the given WebSocket URL. protocol is
// stamped on every outgoing envelope (e.g. "Xa"); userAgent identifies the
// client implementation to the server.
func NewClient(url, protocol, userAgent string, handlers *Handlers, log *logger.Logger) *Client {
	return &Client{
		url:       url,
		protocol:  protocol,
		userAgent: userAgent,
		handlers:  handlers,
		logger:    log,
	}
}

// Connect dials the server and starts the channel pumps. ctx bounds the
// dial only; the connection itself lives until Close or a transport error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ch := newChannel(uuid.New().String(), conn, c.protocol, c.userAgent, c.handlers, c.logger, c.handleChannelClosed)

	c.channel = ch
	c.connected = true
	c.cancel = cancel

	go ch.WritePump()
	go ch.ReadPump(runCtx)

	c.handlers.handleConnect(ch)
	return nil
}

func (c *Client) handleChannelClosed(ch *Channel) {
	c.mu.Lock()
	if c.channel == ch {
		c.channel = nil
		c.connected = false
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	c.mu.Unlock()

	c.handlers.handleDisconnect(ch)
}

// Channel returns the live channel, or nil when disconnected.
func (c *Client) Channel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// IsConnected reports whether the client currently holds a live channel.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ExecuteRequest sends a request over the live channel and waits for the
// response.
func (c *Client) ExecuteRequest(ctx context.Context, req *tmsg.Message, timeout time.Duration) (*tmsg.Message, error) {
	ch := c.Channel()
	if ch == nil {
		return nil, ErrChannelClosed
	}
	return ch.ExecuteRequest(ctx, req, timeout)
}

// SendNotification sends a notification over the live channel.
func (c *Client) SendNotification(notif *tmsg.Message) error {
	ch := c.Channel()
	if ch == nil {
		return ErrChannelClosed
	}
	return ch.SendNotification(notif)
}

// Close tears down the connection if one is up.
func (c *Client) Close() {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}
