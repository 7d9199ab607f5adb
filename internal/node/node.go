// Package node implements the channel-multiplexed transport shared by the
// Testerman control interfaces (Xc, Il, Ia, Xa). A node accepts or dials
// WebSocket connections; each connection is a Channel carrying requests,
// correlated responses, and notifications as tmsg envelopes.
package node

import (
	"context"
	"errors"
	"time"

	"github.com/testerman/testerman/pkg/tmsg"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// DefaultRequestTimeout bounds a synchronous request when the caller does
// not provide a tighter one.
const DefaultRequestTimeout = 10 * time.Second

var (
	// ErrChannelClosed is returned when sending on a disconnected channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrRequestTimeout is returned when the peer does not answer a request
	// in time. The transaction is dropped; a late response is discarded.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrSendBufferFull is returned when the peer stops draining its
	// connection and the outgoing queue fills up.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Handlers receives channel lifecycle and traffic callbacks.
//
// OnRequest and OnNotification run on the owning channel's read loop, so a
// channel processes its incoming traffic strictly in order. A request
// handler must not wait for a response on its own channel; requests to
// other channels are fine and are how the broker proxies.
type Handlers struct {
	OnRequest      func(ctx context.Context, ch *Channel, req *tmsg.Message) *tmsg.Message
	OnNotification func(ctx context.Context, ch *Channel, notif *tmsg.Message)
	OnConnect      func(ch *Channel)
	OnDisconnect   func(ch *Channel)
}

func (h *Handlers) handleRequest(ctx context.Context, ch *Channel, req *tmsg.Message) *tmsg.Message {
	if h == nil || h.OnRequest == nil {
		resp, _ := tmsg.NewResponse(tmsg.StatusUnsupportedMethod, "no request handler", nil)
		return resp
	}
	return h.OnRequest(ctx, ch, req)
}

func (h *Handlers) handleNotification(ctx context.Context, ch *Channel, notif *tmsg.Message) {
	if h == nil || h.OnNotification == nil {
		return
	}
	h.OnNotification(ctx, ch, notif)
}

func (h *Handlers) handleConnect(ch *Channel) {
	if h == nil || h.OnConnect == nil {
		return
	}
	h.OnConnect(ch)
}

func (h *Handlers) handleDisconnect(ch *Channel) {
	if h == nil || h.OnDisconnect == nil {
		return
	}
	h.OnDisconnect(ch)
}
