package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/pkg/tmsg"
)

// Channel is one WebSocket connection speaking the tmsg envelope. Both
// accepted and dialed connections are wrapped in a Channel; the transport
// is symmetric and either side may issue requests.
type Channel struct {
	// ID identifies the channel for the lifetime of the connection.
	ID string

	// RemoteAddr is the peer's network address.
	RemoteAddr string

	conn     *websocket.Conn
	send     chan []byte
	handlers *Handlers
	logger   *logger.Logger

	protocol  string
	userAgent string
	contact   string

	pendingMu sync.Mutex
	pending   map[uint64]chan *tmsg.Message
	nextTx    uint64

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*Channel)

	attrsMu sync.RWMutex
	attrs   map[string]string
}

func newChannel(id string, conn *websocket.Conn, protocol, userAgent string, handlers *Handlers, log *logger.Logger, onClose func(*Channel)) *Channel {
	return &Channel{
		ID:         id,
		RemoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		send:       make(chan []byte, 256),
		handlers:   handlers,
		logger:     log.WithChannelID(id),
		protocol:   protocol,
		userAgent:  userAgent,
		contact:    conn.LocalAddr().String(),
		pending:    make(map[uint64]chan *tmsg.Message),
		closed:     make(chan struct{}),
		onClose:    onClose,
		attrs:      make(map[string]string),
	}
}

// SetAttribute attaches application state to the channel, such as the
// registered agent URI on an Xa channel or the username on Ws.
func (c *Channel) SetAttribute(key, value string) {
	c.attrsMu.Lock()
	defer c.attrsMu.Unlock()
	c.attrs[key] = value
}

// Attribute returns an attribute previously set on the channel.
func (c *Channel) Attribute(key string) (string, bool) {
	c.attrsMu.RLock()
	defer c.attrsMu.RUnlock()
	v, ok := c.attrs[key]
	return v, ok
}

// stamp fills the envelope fields every outgoing message carries.
func (c *Channel) stamp(msg *tmsg.Message) {
	msg.Protocol = c.protocol
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	if _, ok := msg.Headers[tmsg.HeaderUserAgent]; !ok {
		msg.Headers[tmsg.HeaderUserAgent] = c.userAgent
	}
	if _, ok := msg.Headers[tmsg.HeaderContact]; !ok {
		msg.Headers[tmsg.HeaderContact] = c.contact
	}
}

func (c *Channel) enqueue(msg *tmsg.Message) error {
	c.stamp(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	default:
		c.logger.Warn("Send buffer full, dropping message",
			zap.String("method", msg.Method))
		return ErrSendBufferFull
	}
}

// SendNotification sends a notification to the peer. Notifications are
// fire-and-forget; no response is expected.
func (c *Channel) SendNotification(notif *tmsg.Message) error {
	return c.enqueue(notif)
}

// SendResponse answers a previously received request identified by txID.
func (c *Channel) SendResponse(txID uint64, resp *tmsg.Message) error {
	resp.TransactionID = txID
	return c.enqueue(resp)
}

// ExecuteRequest sends a request and blocks until the peer responds, the
// timeout elapses, or ctx is done. A zero timeout means
// DefaultRequestTimeout. Responses arriving after the transaction is given
// up on are discarded by the read loop.
func (c *Channel) ExecuteRequest(ctx context.Context, req *tmsg.Message, timeout time.Duration) (*tmsg.Message, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	txID := atomic.AddUint64(&c.nextTx, 1)
	req.TransactionID = txID

	respChan := make(chan *tmsg.Message, 1)
	c.pendingMu.Lock()
	c.pending[txID] = respChan
	c.pendingMu.Unlock()

	if err := c.enqueue(req); err != nil {
		c.dropPending(txID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		return resp, nil
	case <-timer.C:
		c.dropPending(txID)
		return nil, fmt.Errorf("%w: %s transaction %d after %v", ErrRequestTimeout, req.Method, txID, timeout)
	case <-ctx.Done():
		c.dropPending(txID)
		return nil, ctx.Err()
	case <-c.closed:
		c.dropPending(txID)
		return nil, ErrChannelClosed
	}
}

func (c *Channel) dropPending(txID uint64) {
	c.pendingMu.Lock()
	delete(c.pending, txID)
	c.pendingMu.Unlock()
}

// Close tears the connection down. Pending requests fail with
// ErrChannelClosed; the read and write pumps exit.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// ReadPump pumps messages from the WebSocket connection and dispatches
// them. It runs until the connection drops or ctx is done. Requests and
// notifications are handled inline so each channel's traffic is processed
// in arrival order.
func (c *Channel) ReadPump(ctx context.Context) {
	defer func() {
		c.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg tmsg.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Failed to unmarshal message", zap.Error(err))
			continue
		}

		c.route(ctx, &msg)
	}
}

func (c *Channel) route(ctx context.Context, msg *tmsg.Message) {
	switch msg.Kind {
	case tmsg.KindResponse:
		c.pendingMu.Lock()
		respChan, ok := c.pending[msg.TransactionID]
		if ok {
			delete(c.pending, msg.TransactionID)
		}
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("Discarding late response",
				zap.Uint64("transaction_id", msg.TransactionID))
			return
		}
		respChan <- msg

	case tmsg.KindRequest:
		resp := c.handlers.handleRequest(ctx, c, msg)
		if resp == nil {
			resp, _ = tmsg.NewResponse(tmsg.StatusInternalError, "handler returned no response", nil)
		}
		if err := c.SendResponse(msg.TransactionID, resp); err != nil {
			c.logger.Warn("Failed to send response",
				zap.String("method", msg.Method),
				zap.Error(err))
		}

	case tmsg.KindNotification:
		c.handlers.handleNotification(ctx, c, msg)

	default:
		c.logger.Warn("Unknown message kind", zap.String("kind", string(msg.Kind)))
	}
}

// WritePump pumps messages from the send queue to the WebSocket connection
// and keeps the connection alive with pings.
func (c *Channel) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}
