package server

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/events"
	"github.com/testerman/testerman/internal/events/bus"
	"github.com/testerman/testerman/internal/node"
	"github.com/testerman/testerman/pkg/tmsg"
)

// The Xc endpoint is notification-only: clients SUBSCRIBE to event
// channels (job:<id>, system:jobs, system:probes) and receive every bus
// event published on them, and may re-dispatch their own payloads with
// MESSAGE. Per-channel notifications arrive on the channel's read loop,
// so subscribe and unsubscribe for one client never race each other;
// the mutex only guards against other clients and disconnects.
func (s *Server) xcHandlers() *node.Handlers {
	return &node.Handlers{
		OnNotification: s.xcNotification,
		OnDisconnect:   s.dropSubscriber,
	}
}

func (s *Server) xcNotification(ctx context.Context, ch *node.Channel, notif *tmsg.Message) {
	switch notif.Method {
	case tmsg.MethodSubscribe:
		s.subscribeChannel(ch, notif.URI)
	case tmsg.MethodUnsubscribe:
		s.unsubscribeChannel(ch, notif.URI)
	case tmsg.MethodMessage:
		s.republish(ctx, notif)
	default:
		s.log.Debug("Ignoring Xc notification", zap.String("method", notif.Method))
	}
}

func (s *Server) subscribeChannel(ch *node.Channel, uri string) {
	if uri == "" {
		return
	}
	s.mu.Lock()
	subs := s.subscriptions[ch]
	if subs == nil {
		subs = make(map[string]bus.Subscription)
		s.subscriptions[ch] = subs
	}
	_, active := subs[uri]
	s.mu.Unlock()
	if active {
		return
	}

	sub, err := s.bus.Subscribe(events.SubjectForChannel(uri), func(ctx context.Context, ev *bus.Event) error {
		notif := s.eventNotification(ev)
		if notif == nil {
			return nil
		}
		if err := ch.SendNotification(notif); err != nil {
			s.log.Debug("Xc delivery failed", zap.String("uri", uri), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		s.log.Warn("Subscription failed", zap.String("uri", uri), zap.Error(err))
		return
	}

	s.mu.Lock()
	subs[uri] = sub
	s.mu.Unlock()
	s.log.Debug("Xc client subscribed", zap.String("uri", uri))
}

func (s *Server) unsubscribeChannel(ch *node.Channel, uri string) {
	s.mu.Lock()
	sub, ok := s.subscriptions[ch][uri]
	if ok {
		delete(s.subscriptions[ch], uri)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		s.log.Debug("Unsubscribe failed", zap.String("uri", uri), zap.Error(err))
	}
}

func (s *Server) dropSubscriber(ch *node.Channel) {
	s.mu.Lock()
	subs := s.subscriptions[ch]
	delete(s.subscriptions, ch)
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// republish puts a client MESSAGE back on the bus so every subscriber of
// the target channel receives it, the sender included.
func (s *Server) republish(ctx context.Context, notif *tmsg.Message) {
	if notif.URI == "" {
		return
	}
	var payload interface{}
	if len(notif.Payload) > 0 {
		if err := notif.ParsePayload(&payload); err != nil {
			s.log.Warn("Discarding malformed MESSAGE payload", zap.Error(err))
			return
		}
	}
	ev := bus.NewEvent(tmsg.MethodMessage, notif.URI, map[string]interface{}{"payload": payload})
	if err := s.bus.Publish(ctx, events.SubjectForChannel(notif.URI), ev); err != nil {
		s.log.Warn("MESSAGE republication failed", zap.String("uri", notif.URI), zap.Error(err))
	}
}

// eventNotification converts a bus event back into the wire notification
// its publisher produced: log events regain their Log-* headers and bare
// element payload, probe events their Reason header, MESSAGE events their
// original payload.
func (s *Server) eventNotification(ev *bus.Event) *tmsg.Message {
	var (
		notif *tmsg.Message
		err   error
	)
	switch ev.Type {
	case events.LogEvent:
		element, _ := ev.Data["element"].(string)
		notif, err = tmsg.NewNotification(tmsg.MethodLog, ev.URI, element)
		if err == nil {
			if class, ok := ev.Data["class"].(string); ok && class != "" {
				notif.SetHeader(tmsg.HeaderLogClass, class)
			}
			if filename, ok := ev.Data["filename"].(string); ok && filename != "" {
				notif.SetHeader(tmsg.HeaderLogFilename, filename)
			}
			seconds := float64(ev.Timestamp.UnixNano()) / 1e9
			notif.SetHeader(tmsg.HeaderLogTimestamp, strconv.FormatFloat(seconds, 'f', 6, 64))
		}
	case events.ProbeEvent:
		notif, err = tmsg.NewNotification(tmsg.MethodProbeEvent, ev.URI, ev.Data)
		if err == nil {
			if reason, ok := ev.Data["reason"].(string); ok && reason != "" {
				notif.SetHeader(tmsg.HeaderReason, reason)
			}
		}
	case tmsg.MethodMessage:
		notif, err = tmsg.NewNotification(tmsg.MethodMessage, ev.URI, ev.Data["payload"])
	default:
		notif, err = tmsg.NewNotification(ev.Type, ev.URI, ev.Data)
	}
	if err != nil {
		s.log.Warn("Dropping undeliverable event", zap.String("type", ev.Type), zap.Error(err))
		return nil
	}
	return notif
}
