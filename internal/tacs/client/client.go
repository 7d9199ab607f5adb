// Package client implements the Ia control interface used by test
// executables and administration tools to drive distributed probes through
// the agent controller. It wraps a node connection and exposes one method
// per broker verb: probe locking, deployment, the TRI operations proxied to
// probes, and the event subscriptions delivering probe messages back.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/node"
	v1 "github.com/testerman/testerman/pkg/api/v1"
	"github.com/testerman/testerman/pkg/tmsg"
)

// EnqueueHandler receives a message a probe enqueued towards the test
// executable. The payload is the probe's message still encoded as JSON; the
// caller decides how to decode it.
type EnqueueHandler func(probeURI string, message json.RawMessage, sutAddress string)

// ProbeLogHandler receives a log event forwarded from a watched probe.
// logClass is the event class ("system-sent" or "system-received").
type ProbeLogHandler func(probeURI, logClass string, payload json.RawMessage)

// ProbeEventHandler receives registration and lock lifecycle events for
// probes and agents the client subscribed to.
type ProbeEventHandler func(event v1.ProbeEvent)

// Client is a connection to the agent controller over the Ia protocol.
// All request methods are safe for concurrent use once Connect returned.
type Client struct {
	log  *logger.Logger
	node *node.Client

	requestTimeout time.Duration

	mu           sync.RWMutex
	onEnqueue    EnqueueHandler
	onProbeLog   ProbeLogHandler
	onProbeEvent ProbeEventHandler
}

// New creates a client for the agent controller reachable at url
// (ws://host:port/). The client is not connected until Connect is called.
func New(url, userAgent string, log *logger.Logger) *Client {
	c := &Client{
		log:            log,
		requestTimeout: node.DefaultRequestTimeout,
	}
	c.node = node.NewClient(url, tmsg.ProtocolIa, userAgent, &node.Handlers{
		OnNotification: c.handleNotification,
	}, log)
	return c
}

// SetRequestTimeout overrides the per-request timeout. Zero restores the
// transport default.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.requestTimeout = d
}

// Connect dials the controller.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.node.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to agent controller: %w", err)
	}
	return nil
}

// Close tears the connection down. Held locks are released by the
// controller when it observes the disconnect.
func (c *Client) Close() {
	c.node.Close()
}

// IsConnected reports whether the underlying channel is up.
func (c *Client) IsConnected() bool {
	return c.node.IsConnected()
}

// OnTriEnqueueMsg registers the handler for messages probes send back.
func (c *Client) OnTriEnqueueMsg(fn EnqueueHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnqueue = fn
}

// OnProbeLog registers the handler for forwarded probe log events.
func (c *Client) OnProbeLog(fn ProbeLogHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProbeLog = fn
}

// OnProbeEvent registers the handler for probe and agent lifecycle events.
func (c *Client) OnProbeEvent(fn ProbeEventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProbeEvent = fn
}

func (c *Client) handleNotification(_ context.Context, _ *node.Channel, notif *tmsg.Message) {
	switch notif.Method {
	case tmsg.MethodTriEnqueueMsg:
		c.mu.RLock()
		fn := c.onEnqueue
		c.mu.RUnlock()
		if fn != nil {
			fn(notif.URI, notif.Payload, notif.GetHeader(tmsg.HeaderSUTAddress))
		}
	case tmsg.MethodLog:
		c.mu.RLock()
		fn := c.onProbeLog
		c.mu.RUnlock()
		if fn != nil {
			fn(notif.URI, notif.GetHeader(tmsg.HeaderLogClass), notif.Payload)
		}
	case tmsg.MethodProbeEvent:
		c.mu.RLock()
		fn := c.onProbeEvent
		c.mu.RUnlock()
		if fn == nil {
			return
		}
		var event v1.ProbeEvent
		if err := notif.ParsePayload(&event); err != nil {
			c.log.WithError(err).Warn("Discarding malformed probe event")
			return
		}
		fn(event)
	default:
		c.log.Debug("Ignoring unexpected notification", zap.String("method", notif.Method))
	}
}

func (c *Client) request(ctx context.Context, method, uri string, payload interface{}, headers map[string]string) (*tmsg.Message, error) {
	req, err := tmsg.NewRequest(method, uri, payload)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	for name, value := range headers {
		req.SetHeader(name, value)
	}
	resp, err := c.node.ExecuteRequest(ctx, req, c.requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, uri, err)
	}
	return resp, nil
}

func statusError(op string, resp *tmsg.Message) error {
	return fmt.Errorf("%s: %s (status %d)", op, resp.Reason, resp.Status)
}

// LockProbe reserves a probe for exclusive use by this client. The client
// is subscribed to the probe's events first so no message is missed between
// the lock and the first TRI operation.
func (c *Client) LockProbe(ctx context.Context, probeURI string) error {
	if err := c.Subscribe(probeURI); err != nil {
		return err
	}
	resp, err := c.request(ctx, tmsg.MethodLock, tmsg.URISystemTACS, nil, map[string]string{
		tmsg.HeaderProbeURI: probeURI,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		_ = c.Unsubscribe(probeURI)
		return statusError(fmt.Sprintf("locking probe %s", probeURI), resp)
	}
	return nil
}

// UnlockProbe releases a probe previously locked by this client and drops
// the matching subscription.
func (c *Client) UnlockProbe(ctx context.Context, probeURI string) error {
	resp, err := c.request(ctx, tmsg.MethodUnlock, tmsg.URISystemTACS, nil, map[string]string{
		tmsg.HeaderProbeURI: probeURI,
	})
	if err != nil {
		return err
	}
	_ = c.Unsubscribe(probeURI)
	if !resp.OK() {
		return statusError(fmt.Sprintf("unlocking probe %s", probeURI), resp)
	}
	return nil
}

// GetProbeInfo returns the descriptor of a registered probe, or nil when
// the controller does not know the URI.
func (c *Client) GetProbeInfo(ctx context.Context, probeURI string) (*v1.Probe, error) {
	resp, err := c.request(ctx, tmsg.MethodGetProbe, tmsg.URISystemTACS, nil, map[string]string{
		tmsg.HeaderProbeURI: probeURI,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status == tmsg.StatusNotFound {
		return nil, nil
	}
	if !resp.OK() {
		return nil, statusError(fmt.Sprintf("fetching probe %s", probeURI), resp)
	}
	var probe v1.Probe
	if err := resp.ParsePayload(&probe); err != nil {
		return nil, fmt.Errorf("parsing probe descriptor: %w", err)
	}
	return &probe, nil
}

// GetRegisteredProbes returns all probes currently known to the controller.
func (c *Client) GetRegisteredProbes(ctx context.Context) ([]v1.Probe, error) {
	resp, err := c.request(ctx, tmsg.MethodGetProbes, tmsg.URISystemTACS, nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError("listing probes", resp)
	}
	var probes []v1.Probe
	if err := resp.ParsePayload(&probes); err != nil {
		return nil, fmt.Errorf("parsing probe list: %w", err)
	}
	return probes, nil
}

// GetRegisteredAgents returns all agents currently connected to the
// controller.
func (c *Client) GetRegisteredAgents(ctx context.Context) ([]v1.Agent, error) {
	resp, err := c.request(ctx, tmsg.MethodGetAgents, tmsg.URISystemTACS, nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError("listing agents", resp)
	}
	var agents []v1.Agent
	if err := resp.ParsePayload(&agents); err != nil {
		return nil, fmt.Errorf("parsing agent list: %w", err)
	}
	return agents, nil
}

// GetVariables returns the controller's internal state counters, for
// monitoring and troubleshooting.
func (c *Client) GetVariables(ctx context.Context) (map[string]interface{}, error) {
	resp, err := c.request(ctx, tmsg.MethodGetVariables, tmsg.URISystemTACS, nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError("fetching controller variables", resp)
	}
	variables := make(map[string]interface{})
	if err := resp.ParsePayload(&variables); err != nil {
		return nil, fmt.Errorf("parsing controller variables: %w", err)
	}
	return variables, nil
}

// DeployProbe asks an agent to instantiate a probe of the given type.
func (c *Client) DeployProbe(ctx context.Context, agentURI, name, probeType string) error {
	resp, err := c.request(ctx, tmsg.MethodDeploy, agentURI, nil, map[string]string{
		tmsg.HeaderProbeName: name,
		tmsg.HeaderProbeType: probeType,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(fmt.Sprintf("deploying probe %s on %s", name, agentURI), resp)
	}
	return nil
}

// UndeployProbe asks an agent to remove a deployed probe.
func (c *Client) UndeployProbe(ctx context.Context, agentURI, name string) error {
	resp, err := c.request(ctx, tmsg.MethodUndeploy, agentURI, nil, map[string]string{
		tmsg.HeaderProbeName: name,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(fmt.Sprintf("undeploying probe %s from %s", name, agentURI), resp)
	}
	return nil
}

// RestartAgent asks an agent process to restart in place.
func (c *Client) RestartAgent(ctx context.Context, agentURI string) error {
	resp, err := c.request(ctx, tmsg.MethodRestart, agentURI, nil, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(fmt.Sprintf("restarting agent %s", agentURI), resp)
	}
	return nil
}

// UpdateAgent asks an agent to update itself to the latest available
// version before its next restart.
func (c *Client) UpdateAgent(ctx context.Context, agentURI string) error {
	resp, err := c.request(ctx, tmsg.MethodUpdate, agentURI, nil, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(fmt.Sprintf("updating agent %s", agentURI), resp)
	}
	return nil
}

// TriSend forwards a message to a probe for transmission to the SUT.
func (c *Client) TriSend(ctx context.Context, probeURI string, message interface{}, sutAddress string) error {
	var headers map[string]string
	if sutAddress != "" {
		headers = map[string]string{tmsg.HeaderSUTAddress: sutAddress}
	}
	resp, err := c.request(ctx, tmsg.MethodTriSend, probeURI, message, headers)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(fmt.Sprintf("sending through probe %s", probeURI), resp)
	}
	return nil
}

// TriMap tells a probe it has been mapped to a test system interface port.
func (c *Client) TriMap(ctx context.Context, probeURI string) error {
	resp, err := c.request(ctx, tmsg.MethodTriMap, probeURI, nil, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(fmt.Sprintf("mapping probe %s", probeURI), resp)
	}
	return nil
}

// TriUnmap tells a probe its last port mapping was removed.
func (c *Client) TriUnmap(ctx context.Context, probeURI string) error {
	resp, err := c.request(ctx, tmsg.MethodTriUnmap, probeURI, nil, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(fmt.Sprintf("unmapping probe %s", probeURI), resp)
	}
	return nil
}

// TriSAReset asks a probe to reset its system adapter state.
func (c *Client) TriSAReset(ctx context.Context, probeURI string) error {
	resp, err := c.request(ctx, tmsg.MethodTriSAReset, probeURI, nil, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(fmt.Sprintf("resetting probe %s", probeURI), resp)
	}
	return nil
}

// TriExecuteTestCase tells a probe a testcase using it is starting.
func (c *Client) TriExecuteTestCase(ctx context.Context, probeURI string) error {
	resp, err := c.request(ctx, tmsg.MethodTriExecuteTestCase, probeURI, nil, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(fmt.Sprintf("starting testcase on probe %s", probeURI), resp)
	}
	return nil
}

// Subscribe registers interest in events published for a URI.
func (c *Client) Subscribe(uri string) error {
	notif, err := tmsg.NewNotification(tmsg.MethodSubscribe, uri, nil)
	if err != nil {
		return fmt.Errorf("building subscribe notification: %w", err)
	}
	if err := c.node.SendNotification(notif); err != nil {
		return fmt.Errorf("subscribing to %s: %w", uri, err)
	}
	return nil
}

// Unsubscribe drops interest in events published for a URI.
func (c *Client) Unsubscribe(uri string) error {
	notif, err := tmsg.NewNotification(tmsg.MethodUnsubscribe, uri, nil)
	if err != nil {
		return fmt.Errorf("building unsubscribe notification: %w", err)
	}
	if err := c.node.SendNotification(notif); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", uri, err)
	}
	return nil
}
