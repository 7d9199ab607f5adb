package tacs

import (
	"context"

	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/node"
	"github.com/testerman/testerman/pkg/tmsg"
)

// iaHandlers wires the northbound interface: clients, test executables and
// the server. Connected channels are tracked so their subscriptions and
// probe locks can be purged on disconnection.
func (b *Broker) iaHandlers() *node.Handlers {
	return &node.Handlers{
		OnConnect:      b.ctrl.registerIaClient,
		OnDisconnect:   b.ctrl.unregisterIaClient,
		OnRequest:      b.handleIaRequest,
		OnNotification: b.handleIaNotification,
	}
}

// handleIaRequest dispatches a northbound request. Subscription verbs apply
// to any URI; everything else routes on the URI scheme: probe-addressed and
// agent-addressed requests are proxied south, system-addressed ones are
// served by the broker itself.
func (b *Broker) handleIaRequest(ctx context.Context, ch *node.Channel, req *tmsg.Message) *tmsg.Message {
	switch req.Method {
	case tmsg.MethodSubscribe:
		b.ctrl.subscribe(ch, req.URI)
		return okResponse()
	case tmsg.MethodUnsubscribe:
		b.ctrl.unsubscribe(ch, req.URI)
		return okResponse()
	}

	uri, err := tmsg.ParseURI(req.URI)
	if err != nil {
		return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Ia Interface Error", "malformed request uri %q", req.URI))
	}

	switch uri.Scheme {
	case "probe":
		return b.proxyProbeRequest(ctx, req)
	case "agent":
		return b.proxyAgentRequest(ctx, req)
	case "system":
		return b.handleBrokerRequest(ch, req)
	default:
		return errorResponse(tacsErrorf(tmsg.StatusNotFound, "", "no request target for uri scheme %q", uri.Scheme))
	}
}

// handleBrokerRequest serves the requests addressed to the controller
// itself: locking and the registry queries.
func (b *Broker) handleBrokerRequest(ch *node.Channel, req *tmsg.Message) *tmsg.Message {
	switch req.Method {
	case tmsg.MethodLock:
		probeURI := req.GetHeader(tmsg.HeaderProbeURI)
		if probeURI == "" {
			return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Ia Interface Error", "LOCK without a Probe-Uri header"))
		}
		if err := b.ctrl.lockProbe(ch, probeURI); err != nil {
			return errorResponse(err)
		}
		return okResponse()

	case tmsg.MethodUnlock:
		probeURI := req.GetHeader(tmsg.HeaderProbeURI)
		if probeURI == "" {
			return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Ia Interface Error", "UNLOCK without a Probe-Uri header"))
		}
		if err := b.ctrl.unlockProbe(ch, probeURI); err != nil {
			return errorResponse(err)
		}
		return okResponse()

	case tmsg.MethodGetProbes:
		resp, err := tmsg.NewResponse(tmsg.StatusOK, "", b.ctrl.registeredProbes())
		if err != nil {
			return errorResponse(err)
		}
		return resp

	case tmsg.MethodGetAgents:
		resp, err := tmsg.NewResponse(tmsg.StatusOK, "", b.ctrl.registeredAgents())
		if err != nil {
			return errorResponse(err)
		}
		return resp

	case tmsg.MethodGetProbe:
		probeURI := req.GetHeader(tmsg.HeaderProbeURI)
		info, ok := b.ctrl.probeInfo(probeURI)
		if !ok {
			resp, _ := tmsg.NewResponse(tmsg.StatusNotFound, "", nil)
			return resp
		}
		resp, err := tmsg.NewResponse(tmsg.StatusOK, "", info)
		if err != nil {
			return errorResponse(err)
		}
		return resp

	case tmsg.MethodGetVariables:
		resp, err := tmsg.NewResponse(tmsg.StatusOK, "", b.Variables())
		if err != nil {
			return errorResponse(err)
		}
		return resp

	default:
		resp, _ := tmsg.NewResponse(tmsg.StatusUnsupportedMethod, "", nil)
		return resp
	}
}

// proxyProbeRequest rewrites a TRI operation with its minimal headers and
// forwards it to the channel owning the probe. The probe's response comes
// back verbatim.
func (b *Broker) proxyProbeRequest(ctx context.Context, req *tmsg.Message) *tmsg.Message {
	fwd, err := tmsg.NewRequest(req.Method, req.URI, req.Payload)
	if err != nil {
		return errorResponse(err)
	}

	switch req.Method {
	case tmsg.MethodTriSend:
		if sut := req.GetHeader(tmsg.HeaderSUTAddress); sut != "" {
			fwd.SetHeader(tmsg.HeaderSUTAddress, sut)
		}
	case tmsg.MethodTriExecuteTestCase, tmsg.MethodTriMap, tmsg.MethodTriUnmap, tmsg.MethodTriSAReset:
	default:
		resp, _ := tmsg.NewResponse(tmsg.StatusUnsupportedMethod, "", nil)
		return resp
	}

	channel, err := b.ctrl.probeChannel(req.URI)
	if err != nil {
		return errorResponse(err)
	}
	resp, err := b.ctrl.forward(ctx, channel, fwd)
	if err != nil {
		b.log.Warn("Probe proxy failed",
			zap.String("method", req.Method),
			zap.String("uri", req.URI),
			zap.Error(err))
		return errorResponse(err)
	}
	out, _ := tmsg.NewResponse(resp.Status, resp.Reason, resp.Payload)
	return out
}

// proxyAgentRequest rewrites an agent management request and forwards it to
// the agent's channel. DEPLOY additionally checks the agent advertises the
// requested probe type.
func (b *Broker) proxyAgentRequest(ctx context.Context, req *tmsg.Message) *tmsg.Message {
	fwd, err := tmsg.NewRequest(req.Method, req.URI, nil)
	if err != nil {
		return errorResponse(err)
	}

	requireProbeType := ""
	switch req.Method {
	case tmsg.MethodDeploy:
		name := req.GetHeader(tmsg.HeaderProbeName)
		probeType := req.GetHeader(tmsg.HeaderProbeType)
		if name == "" || probeType == "" {
			return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Ia Interface Error", "DEPLOY requires Probe-Name and Probe-Type headers"))
		}
		fwd.SetHeader(tmsg.HeaderProbeName, name)
		fwd.SetHeader(tmsg.HeaderProbeType, probeType)
		requireProbeType = probeType
	case tmsg.MethodUndeploy:
		name := req.GetHeader(tmsg.HeaderProbeName)
		if name == "" {
			return errorResponse(tacsErrorf(tmsg.StatusInternalError, "Ia Interface Error", "UNDEPLOY requires a Probe-Name header"))
		}
		fwd.SetHeader(tmsg.HeaderProbeName, name)
	case tmsg.MethodRestart, tmsg.MethodUpdate, tmsg.MethodKill:
	default:
		resp, _ := tmsg.NewResponse(tmsg.StatusUnsupportedMethod, "", nil)
		return resp
	}

	channel, err := b.ctrl.agentChannel(req.URI, requireProbeType)
	if err != nil {
		return errorResponse(err)
	}
	resp, err := b.ctrl.forward(ctx, channel, fwd)
	if err != nil {
		b.log.Warn("Agent proxy failed",
			zap.String("method", req.Method),
			zap.String("uri", req.URI),
			zap.Error(err))
		return errorResponse(err)
	}
	out, _ := tmsg.NewResponse(resp.Status, resp.Reason, resp.Payload)
	return out
}

// handleIaNotification accepts the subscription verbs sent fire-and-forget.
func (b *Broker) handleIaNotification(_ context.Context, ch *node.Channel, notif *tmsg.Message) {
	switch notif.Method {
	case tmsg.MethodSubscribe:
		b.ctrl.subscribe(ch, notif.URI)
	case tmsg.MethodUnsubscribe:
		b.ctrl.unsubscribe(ch, notif.URI)
	default:
		b.log.Debug("Ignoring unsupported northbound notification", zap.String("method", notif.Method))
	}
}
