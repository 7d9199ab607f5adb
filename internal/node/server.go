package node

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Control interfaces are reached by tools and agents, not browsers
		return true
	},
}

// Server accepts WebSocket connections for one control interface and keeps
// the registry of live channels. Traffic handling is delegated to the
// Handlers the owning service provides.
type Server struct {
	name      string
	protocol  string
	userAgent string
	handlers  *Handlers

	channels   map[*Channel]bool
	register   chan *Channel
	unregister chan *Channel
	done       chan struct{}

	logger *logger.Logger
	mu     sync.RWMutex
}

// NewServer creates a channel server for the given interface. protocol is
// stamped on every outgoing envelope (e.g. "Xc"); userAgent identifies the
// server implementation to its peers.
func NewServer(name, protocol, userAgent string, handlers *Handlers, log *logger.Logger) *Server {
	return &Server{
		name:       name,
		protocol:   protocol,
		userAgent:  userAgent,
		handlers:   handlers,
		channels:   make(map[*Channel]bool),
		register:   make(chan *Channel),
		unregister: make(chan *Channel),
		done:       make(chan struct{}),
		logger:     log,
	}
}

// Run processes channel registration until ctx is done, then closes every
// live channel. Lifecycle callbacks run on this goroutine, so OnConnect and
// OnDisconnect never race each other.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			close(s.done)
			return

		case ch := <-s.register:
			s.mu.Lock()
			s.channels[ch] = true
			count := len(s.channels)
			s.mu.Unlock()

			s.logger.Info("Channel connected",
				zap.String("interface", s.name),
				zap.String("channel_id", ch.ID),
				zap.String("remote_addr", ch.RemoteAddr),
				zap.Int("total", count))

			s.handlers.handleConnect(ch)

		case ch := <-s.unregister:
			s.mu.Lock()
			_, ok := s.channels[ch]
			if ok {
				delete(s.channels, ch)
			}
			count := len(s.channels)
			s.mu.Unlock()

			if !ok {
				continue
			}

			s.logger.Info("Channel disconnected",
				zap.String("interface", s.name),
				zap.String("channel_id", ch.ID),
				zap.Int("total", count))

			s.handlers.handleDisconnect(ch)
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[*Channel]bool)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}

	s.logger.Info("All channels closed", zap.String("interface", s.name))
}

// Unregister removes a channel from the registry. Safe to call after the
// server has stopped.
func (s *Server) Unregister(ch *Channel) {
	select {
	case s.unregister <- ch:
	case <-s.done:
	}
}

// HandleConnection upgrades an HTTP request to a WebSocket channel and
// serves it until the peer disconnects. It blocks for the lifetime of the
// connection, as gin handlers for WebSocket endpoints do.
func (s *Server) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			zap.String("interface", s.name),
			zap.Error(err))
		return
	}

	ch := newChannel(uuid.New().String(), conn, s.protocol, s.userAgent, s.handlers, s.logger, s.Unregister)

	select {
	case s.register <- ch:
	case <-s.done:
		ch.Close()
		return
	}

	go ch.WritePump()
	ch.ReadPump(c.Request.Context())
}

// Channels returns a snapshot of the live channels.
func (s *Server) Channels() []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make([]*Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	return channels
}

// ChannelCount returns the number of live channels.
func (s *Server) ChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}
