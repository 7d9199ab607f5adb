package tacs

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/node"
	"github.com/testerman/testerman/pkg/tmsg"
)

// xaHandlers wires the southbound interface: agents and the probes they
// host. Losing a southbound channel unregisters everything it carried.
func (b *Broker) xaHandlers() *node.Handlers {
	return &node.Handlers{
		OnDisconnect:   b.ctrl.unregisterAgentChannel,
		OnRequest:      b.handleXaRequest,
		OnNotification: b.handleXaNotification,
	}
}

func (b *Broker) handleXaRequest(_ context.Context, ch *node.Channel, req *tmsg.Message) *tmsg.Message {
	switch req.Method {
	case tmsg.MethodRegister:
		return b.handleRegister(ch, req)
	case tmsg.MethodUnregister:
		return b.handleUnregister(ch, req)
	case tmsg.MethodGet:
		return b.handleGetFile(req)
	default:
		resp, _ := tmsg.NewResponse(tmsg.StatusUnsupportedMethod, "", nil)
		return resp
	}
}

// handleRegister accepts agent- and probe-scoped registrations. The scope is
// the request URI's scheme; identification travels in headers.
func (b *Broker) handleRegister(ch *node.Channel, req *tmsg.Message) *tmsg.Message {
	uri, err := tmsg.ParseURI(req.URI)
	if err != nil {
		return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Xa Interface Error", "malformed registration uri %q", req.URI))
	}

	contact := req.GetHeader(tmsg.HeaderContact)
	if contact == "" {
		contact = ch.RemoteAddr
	}

	switch uri.Scheme {
	case "agent":
		supported := splitProbeTypes(req.GetHeader(tmsg.HeaderSupportedProbes))
		b.ctrl.registerAgent(ch, req.URI, contact, supported, req.GetHeader(tmsg.HeaderUserAgent))
		return okResponse()

	case "probe":
		probeType := req.GetHeader(tmsg.HeaderProbeType)
		if probeType == "" {
			return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Xa Interface Error", "probe registration without a Probe-Type header"))
		}
		name := req.GetHeader(tmsg.HeaderProbeName)
		if name == "" {
			name = uri.User
		}
		agentURI := req.GetHeader(tmsg.HeaderAgentURI)
		if agentURI == "" {
			if derived, err := tmsg.AgentURIFor(req.URI); err == nil {
				agentURI = derived
			}
		}
		b.ctrl.registerProbe(ch, req.URI, contact, name, probeType, agentURI)
		return okResponse()

	default:
		return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Xa Interface Error", "unsupported registration scheme %q", uri.Scheme))
	}
}

// handleUnregister removes an agent (with everything its channel carries) or
// a single probe.
func (b *Broker) handleUnregister(ch *node.Channel, req *tmsg.Message) *tmsg.Message {
	uri, err := tmsg.ParseURI(req.URI)
	if err != nil {
		return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Xa Interface Error", "malformed unregistration uri %q", req.URI))
	}

	switch uri.Scheme {
	case "agent":
		b.ctrl.unregisterAgentChannel(ch)
		return okResponse()
	case "probe":
		b.ctrl.unregisterProbe(req.URI)
		return okResponse()
	default:
		return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Xa Interface Error", "unsupported unregistration scheme %q", uri.Scheme))
	}
}

// handleGetFile serves a document-root file to an agent: probe packages and
// update components. The payload is the raw file content.
func (b *Broker) handleGetFile(req *tmsg.Message) *tmsg.Message {
	p := req.GetHeader(tmsg.HeaderPath)
	if p == "" {
		return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Xa Interface Error", "GET without a Path header"))
	}
	data, ok := b.ctrl.readFile(p)
	if !ok {
		resp, _ := tmsg.NewResponse(tmsg.StatusNotFound, "", nil)
		return resp
	}
	resp, err := tmsg.NewResponse(tmsg.StatusOK, "", data)
	if err != nil {
		return errorResponse(err)
	}
	return resp
}

// handleXaNotification relays probe traffic north: log events and enqueued
// messages reach every subscriber of the probe's URI.
func (b *Broker) handleXaNotification(_ context.Context, _ *node.Channel, notif *tmsg.Message) {
	switch notif.Method {
	case tmsg.MethodLog, tmsg.MethodTriEnqueueMsg:
		b.ctrl.dispatch(notif)
	default:
		b.log.Debug("Ignoring unsupported southbound notification", zap.String("method", notif.Method))
	}
}

func splitProbeTypes(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	types := make([]string, 0, len(parts))
	for _, part := range parts {
		if t := strings.TrimSpace(part); t != "" {
			types = append(types, t)
		}
	}
	return types
}
