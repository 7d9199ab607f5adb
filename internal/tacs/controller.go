package tacs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/node"
	"github.com/testerman/testerman/internal/repository"
	"github.com/testerman/testerman/internal/tracing"
	v1 "github.com/testerman/testerman/pkg/api/v1"
	"github.com/testerman/testerman/pkg/tmsg"
)

// tacsError is a protocol-level failure carrying the status code and reason
// phrase to answer the offending request with.
type tacsError struct {
	status      int
	reason      string
	description string
}

func (e *tacsError) Error() string {
	if e.description != "" {
		return e.description
	}
	return e.reason
}

func tacsErrorf(status int, reason, format string, args ...interface{}) *tacsError {
	return &tacsError{status: status, reason: reason, description: fmt.Sprintf(format, args...)}
}

// errorResponse translates an operation failure into the response sent back
// on the requesting channel. Unclassified errors become 501s.
func errorResponse(err error) *tmsg.Message {
	var te *tacsError
	if errors.As(err, &te) {
		resp, _ := tmsg.NewResponse(te.status, te.reason, te.description)
		return resp
	}
	resp, _ := tmsg.NewResponse(tmsg.StatusInternalError, "", err.Error())
	return resp
}

func okResponse() *tmsg.Message {
	resp, _ := tmsg.NewResponse(tmsg.StatusOK, "", nil)
	return resp
}

type agentEntry struct {
	channel *node.Channel
	info    v1.Agent
}

type probeEntry struct {
	channel *node.Channel
	info    v1.Probe
	locks   map[*node.Channel]struct{}
}

func (p *probeEntry) snapshot() v1.Probe {
	info := p.info
	info.Locked = len(p.locks) > 0
	return info
}

// controller owns the broker state: the agent and probe tables built from
// southbound registrations, the northbound subscription table, and the probe
// locks. All tables are guarded by one mutex; notifications are sent after
// the critical section, on a snapshot of the subscriber set.
type controller struct {
	log          *logger.Logger
	repo         *repository.Service
	proxyTimeout time.Duration

	mu            sync.Mutex
	agents        map[string]*agentEntry
	probes        map[string]*probeEntry
	subscriptions map[string]map[*node.Channel]struct{}
	iaClients     map[*node.Channel]struct{}
}

func newController(repo *repository.Service, proxyTimeout time.Duration, log *logger.Logger) *controller {
	return &controller{
		log:           log.WithFields(zap.String("component", "tacs-controller")),
		repo:          repo,
		proxyTimeout:  proxyTimeout,
		agents:        make(map[string]*agentEntry),
		probes:        make(map[string]*probeEntry),
		subscriptions: make(map[string]map[*node.Channel]struct{}),
		iaClients:     make(map[*node.Channel]struct{}),
	}
}

// counters reports the live table sizes, merged into GET-VARIABLES output.
func (c *controller) counters() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"tacs.connectedAgents":  len(c.agents),
		"tacs.registeredProbes": len(c.probes),
		"tacs.iaChannels":       len(c.iaClients),
		"tacs.subscribedUris":   len(c.subscriptions),
	}
}

//
// Agent and probe registration (southbound)
//

// registerAgent records an agent reachable over ch. Re-registration of a
// known URI replaces the previous entry, which covers agent reconnections.
func (c *controller) registerAgent(ch *node.Channel, uri, contact string, supportedProbes []string, userAgent string) {
	agent := v1.Agent{
		URI:             uri,
		Contact:         contact,
		UserAgent:       userAgent,
		SupportedProbes: supportedProbes,
	}
	c.mu.Lock()
	c.agents[uri] = &agentEntry{channel: ch, info: agent}
	c.mu.Unlock()

	ch.SetAttribute("agent-uri", uri)
	c.log.Info("Agent registered", zap.String("uri", uri), zap.Strings("supported_probes", supportedProbes))
	c.publishProbeEvent(tmsg.ReasonAgentRegistered, nil, &agent)
}

// registerProbe records a probe hosted by an agent. The registering channel
// owns the probe: its loss unregisters the probe.
func (c *controller) registerProbe(ch *node.Channel, uri, contact, name, probeType, agentURI string) {
	probe := v1.Probe{
		URI:      uri,
		Name:     name,
		Type:     probeType,
		Contact:  contact,
		AgentURI: agentURI,
	}
	c.mu.Lock()
	c.probes[uri] = &probeEntry{
		channel: ch,
		info:    probe,
		locks:   make(map[*node.Channel]struct{}),
	}
	c.mu.Unlock()

	c.log.Info("Probe registered", zap.String("uri", uri), zap.String("type", probeType), zap.String("agent_uri", agentURI))
	c.publishProbeEvent(tmsg.ReasonProbeRegistered, &probe, nil)
}

// unregisterProbe removes a probe by URI. The unregistered event is only
// published when the probe was actually known.
func (c *controller) unregisterProbe(uri string) {
	c.mu.Lock()
	entry, ok := c.probes[uri]
	var removed v1.Probe
	if ok {
		removed = entry.snapshot()
		delete(c.probes, uri)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Unregistration for an unknown probe", zap.String("uri", uri))
		return
	}

	c.log.Info("Probe unregistered", zap.String("uri", uri))
	c.publishProbeEvent(tmsg.ReasonProbeUnregistered, &removed, nil)
}

// unregisterAgentChannel purges everything registered over a lost southbound
// channel: the probes first, the agent entry last, each with its event. The
// locks held on the removed probes die with them.
func (c *controller) unregisterAgentChannel(ch *node.Channel) {
	var agents []v1.Agent
	var probes []v1.Probe

	c.mu.Lock()
	for uri, entry := range c.probes {
		if entry.channel == ch {
			probes = append(probes, entry.snapshot())
			delete(c.probes, uri)
		}
	}
	for uri, entry := range c.agents {
		if entry.channel == ch {
			agents = append(agents, entry.info)
			delete(c.agents, uri)
		}
	}
	c.mu.Unlock()

	sort.Slice(probes, func(i, j int) bool { return probes[i].URI < probes[j].URI })
	for i := range probes {
		c.log.Info("Probe unregistered on channel loss", zap.String("uri", probes[i].URI))
		c.publishProbeEvent(tmsg.ReasonProbeUnregistered, &probes[i], nil)
	}
	for i := range agents {
		c.log.Info("Agent unregistered", zap.String("uri", agents[i].URI))
		c.publishProbeEvent(tmsg.ReasonAgentUnregistered, nil, &agents[i])
	}
}

//
// Northbound clients, subscriptions, locks
//

func (c *controller) registerIaClient(ch *node.Channel) {
	c.mu.Lock()
	c.iaClients[ch] = struct{}{}
	c.mu.Unlock()
}

// unregisterIaClient purges a northbound channel: its subscriptions and its
// probe locks. Lock releases are published so waiting clients can re-lock.
func (c *controller) unregisterIaClient(ch *node.Channel) {
	var unlocked []v1.Probe

	c.mu.Lock()
	for uri, subscribers := range c.subscriptions {
		delete(subscribers, ch)
		if len(subscribers) == 0 {
			delete(c.subscriptions, uri)
		}
	}
	delete(c.iaClients, ch)
	for _, entry := range c.probes {
		if _, held := entry.locks[ch]; held {
			delete(entry.locks, ch)
			unlocked = append(unlocked, entry.snapshot())
		}
	}
	c.mu.Unlock()

	sort.Slice(unlocked, func(i, j int) bool { return unlocked[i].URI < unlocked[j].URI })
	for i := range unlocked {
		c.log.Info("Probe unlocked on channel loss", zap.String("uri", unlocked[i].URI), zap.String("channel_id", ch.ID))
		c.publishProbeEvent(tmsg.ReasonProbeUnlocked, &unlocked[i], nil)
	}
}

func (c *controller) subscribe(ch *node.Channel, uri string) {
	c.mu.Lock()
	subscribers, ok := c.subscriptions[uri]
	if !ok {
		subscribers = make(map[*node.Channel]struct{})
		c.subscriptions[uri] = subscribers
	}
	subscribers[ch] = struct{}{}
	c.mu.Unlock()
	c.log.Debug("Channel subscribed", zap.String("channel_id", ch.ID), zap.String("uri", uri))
}

func (c *controller) unsubscribe(ch *node.Channel, uri string) {
	c.mu.Lock()
	if subscribers, ok := c.subscriptions[uri]; ok {
		delete(subscribers, ch)
		if len(subscribers) == 0 {
			delete(c.subscriptions, uri)
		}
	}
	c.mu.Unlock()
	c.log.Debug("Channel unsubscribed", zap.String("channel_id", ch.ID), zap.String("uri", uri))
}

// lockProbe reserves a probe for ch. Re-locking by the same channel is
// idempotent; a lock held by another channel is a conflict. A successful
// lock implicitly subscribes the holder to the probe's events.
func (c *controller) lockProbe(ch *node.Channel, probeURI string) error {
	c.mu.Lock()
	entry, ok := c.probes[probeURI]
	if !ok {
		c.mu.Unlock()
		return tacsErrorf(tmsg.StatusNotFound, "Probe Not Found", "probe %s is not registered on the controller", probeURI)
	}
	if _, held := entry.locks[ch]; !held && len(entry.locks) > 0 {
		c.mu.Unlock()
		return tacsErrorf(tmsg.StatusForbidden, "Probe Already Locked", "probe %s is locked by another client", probeURI)
	}
	entry.locks[ch] = struct{}{}
	locked := entry.snapshot()
	c.mu.Unlock()

	c.subscribe(ch, probeURI)
	c.log.Info("Probe locked", zap.String("uri", probeURI), zap.String("channel_id", ch.ID))
	c.publishProbeEvent(tmsg.ReasonProbeLocked, &locked, nil)
	return nil
}

// unlockProbe releases a lock held by ch and drops the implicit
// subscription. Only the holder may unlock.
func (c *controller) unlockProbe(ch *node.Channel, probeURI string) error {
	c.mu.Lock()
	entry, ok := c.probes[probeURI]
	if !ok {
		c.mu.Unlock()
		return tacsErrorf(tmsg.StatusNotFound, "Probe Not Found", "probe %s is not registered on the controller", probeURI)
	}
	if _, held := entry.locks[ch]; !held {
		c.mu.Unlock()
		return tacsErrorf(tmsg.StatusForbidden, "Probe Not Locked by This Client", "probe %s is not locked by the requesting channel", probeURI)
	}
	delete(entry.locks, ch)
	unlocked := entry.snapshot()
	c.mu.Unlock()

	c.unsubscribe(ch, probeURI)
	c.log.Info("Probe unlocked", zap.String("uri", probeURI), zap.String("channel_id", ch.ID))
	c.publishProbeEvent(tmsg.ReasonProbeUnlocked, &unlocked, nil)
	return nil
}

//
// Registry queries
//

func (c *controller) registeredProbes() []v1.Probe {
	c.mu.Lock()
	probes := make([]v1.Probe, 0, len(c.probes))
	for _, entry := range c.probes {
		probes = append(probes, entry.snapshot())
	}
	c.mu.Unlock()
	sort.Slice(probes, func(i, j int) bool { return probes[i].URI < probes[j].URI })
	return probes
}

func (c *controller) registeredAgents() []v1.Agent {
	c.mu.Lock()
	agents := make([]v1.Agent, 0, len(c.agents))
	for _, entry := range c.agents {
		agents = append(agents, entry.info)
	}
	c.mu.Unlock()
	sort.Slice(agents, func(i, j int) bool { return agents[i].URI < agents[j].URI })
	return agents
}

func (c *controller) probeInfo(uri string) (v1.Probe, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.probes[uri]
	if !ok {
		return v1.Probe{}, false
	}
	return entry.snapshot(), true
}

//
// Proxying
//

// probeChannel resolves the southbound channel owning a probe.
func (c *controller) probeChannel(uri string) (*node.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.probes[uri]
	if !ok {
		return nil, tacsErrorf(tmsg.StatusNotFound, "Probe Not Found", "probe %s is not available on the controller", uri)
	}
	return entry.channel, nil
}

// agentChannel resolves the southbound channel of an agent. When
// requireProbeType is set, the agent must advertise support for it.
func (c *controller) agentChannel(uri, requireProbeType string) (*node.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.agents[uri]
	if !ok {
		return nil, tacsErrorf(tmsg.StatusNotFound, "Agent Not Found", "agent %s is not available on the controller", uri)
	}
	if requireProbeType != "" {
		supported := false
		for _, t := range entry.info.SupportedProbes {
			if t == requireProbeType {
				supported = true
				break
			}
		}
		if !supported {
			return nil, tacsErrorf(tmsg.StatusForbidden, "Unsupported Probe Type", "agent %s does not support probe type %s", uri, requireProbeType)
		}
	}
	return entry.channel, nil
}

// forward executes a rewritten request on a southbound channel and hands the
// peer's response back untouched. A transaction timeout or channel loss
// becomes a 501 on the calling side.
func (c *controller) forward(ctx context.Context, ch *node.Channel, req *tmsg.Message) (*tmsg.Message, error) {
	ctx, span := tracing.Tracer("testerman-tacs").Start(ctx, "tacs.forward",
		trace.WithAttributes(
			attribute.String("tacs.method", req.Method),
			attribute.String("tacs.uri", req.URI)))
	defer span.End()
	resp, err := ch.ExecuteRequest(ctx, req, c.proxyTimeout)
	if err != nil {
		reason := "Proxy Error"
		if errors.Is(err, node.ErrRequestTimeout) {
			reason = "Proxy Timeout"
		}
		return nil, tacsErrorf(tmsg.StatusInternalError, reason, "%s %s: %v", req.Method, req.URI, err)
	}
	return resp, nil
}

//
// Notification dispatch
//

// dispatch delivers a notification to every subscriber of its URI. The
// subscriber set is snapshotted under the lock and the sends happen after
// release; a failing subscriber is skipped, not fatal.
func (c *controller) dispatch(notif *tmsg.Message) {
	c.mu.Lock()
	subscribers := c.subscriptions[notif.URI]
	targets := make([]*node.Channel, 0, len(subscribers))
	for ch := range subscribers {
		targets = append(targets, ch)
	}
	c.mu.Unlock()

	for _, ch := range targets {
		if err := ch.SendNotification(notif); err != nil {
			c.log.Warn("Failed to dispatch notification to subscriber",
				zap.String("uri", notif.URI),
				zap.String("method", notif.Method),
				zap.String("channel_id", ch.ID),
				zap.Error(err))
		}
	}
}

// publishProbeEvent broadcasts a registry lifecycle event on system:probes.
func (c *controller) publishProbeEvent(reason string, probe *v1.Probe, agent *v1.Agent) {
	notif, err := tmsg.NewNotification(tmsg.MethodProbeEvent, tmsg.URISystemProbes, v1.ProbeEvent{
		Reason: reason,
		Probe:  probe,
		Agent:  agent,
	})
	if err != nil {
		c.log.WithError(err).Error("Failed to build probe event")
		return
	}
	notif.SetHeader(tmsg.HeaderReason, reason)
	c.dispatch(notif)
}

//
// Southbound file serving
//

// readFile serves a document-root file to an agent, for probe and updater
// downloads. Resolution confines the path under the served root.
func (c *controller) readFile(p string) ([]byte, bool) {
	if c.repo == nil {
		return nil, false
	}
	data, err := c.repo.ReadFile(p)
	if err != nil {
		c.log.Warn("Unable to serve file", zap.String("path", p), zap.Error(err))
		return nil, false
	}
	return data, true
}
