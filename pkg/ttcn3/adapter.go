package ttcn3

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/pkg/tmsg"
)

// systemAdapter is the runtime-facing surface of the test adapter layer.
// Ports and testcases talk to it; the concrete implementation routes each
// operation to a local probe instance or to a remote probe through the
// agent controller.
type systemAdapter interface {
	defaultConfiguration() *TestAdapterConfiguration
	installConfiguration(cfg *TestAdapterConfiguration) error
	uninstallConfiguration()
	triSend(tsiPort string, value interface{}, sutAddress string) error
	triMap(tsiPort string) error
	triUnmap(tsiPort string)
	triSAReset()
}

// probeTransport is the slice of the agent controller client the adapter
// needs to drive remote probes.
type probeTransport interface {
	LockProbe(ctx context.Context, probeURI string) error
	UnlockProbe(ctx context.Context, probeURI string) error
	DeployProbe(ctx context.Context, agentURI, name, probeType string) error
	UndeployProbe(ctx context.Context, agentURI, name string) error
	TriSend(ctx context.Context, probeURI string, message interface{}, sutAddress string) error
	TriMap(ctx context.Context, probeURI string) error
	TriUnmap(ctx context.Context, probeURI string) error
	TriSAReset(ctx context.Context, probeURI string) error
	TriExecuteTestCase(ctx context.Context, probeURI string) error
}

// ProbeContext is the runtime handle given to local probes. A probe uses
// it to deliver received SUT traffic to the mapped test component ports
// and to emit the send/receive log events the analyzer renders.
type ProbeContext interface {
	// Enqueue delivers a message received from the SUT to every component
	// port currently mapped to the probe's TSI port.
	Enqueue(message interface{}, sutAddress string)
	// LogSentPayload records a payload handed over to the SUT.
	LogSentPayload(label string, payload interface{}, sutAddress string)
	// LogReceivedPayload records a payload received from the SUT.
	LogReceivedPayload(label string, payload interface{}, sutAddress string)
	// Property returns a binding property, or def when unset.
	Property(name string, def interface{}) interface{}
	// Logger returns a logger scoped to the probe.
	Logger() *logger.Logger
}

// Probe is a test adapter plugin running inside the test executable
// process. Remote probes (hosted by agents) implement the same contract on
// the agent side; the adapter drives them through the controller instead.
type Probe interface {
	OnTriExecuteTestCase() error
	OnTriSAReset()
	OnTriMap() error
	OnTriUnmap()
	OnTriSend(message interface{}, sutAddress string) error
}

// ProbeFactory instantiates a local probe for one binding.
type ProbeFactory func(ctx ProbeContext) (Probe, error)

var (
	probeTypesMu sync.RWMutex
	probeTypes   = make(map[string]ProbeFactory)
)

// RegisterProbeType makes a local probe implementation available to
// bindings using the bare probe:<name> URI form. Typically called from the
// probe package's init function.
func RegisterProbeType(probeType string, factory ProbeFactory) {
	probeTypesMu.Lock()
	defer probeTypesMu.Unlock()
	probeTypes[probeType] = factory
}

func lookupProbeType(probeType string) (ProbeFactory, bool) {
	probeTypesMu.RLock()
	defer probeTypesMu.RUnlock()
	factory, ok := probeTypes[probeType]
	return factory, ok
}

// probeBinding associates one test system interface port with one probe.
type probeBinding struct {
	tsiPort    string
	probeType  string
	properties map[string]interface{}
	uri        tmsg.URI
	transient  bool // generated name, auto-deployed and undeployed

	probe Probe // local bindings only, instantiated at install time
}

func (b *probeBinding) remote() bool { return b.uri.Domain != "" }

func (b *probeBinding) probeURI() string { return b.uri.String() }

func (b *probeBinding) agentURI() string {
	return tmsg.URI{Scheme: "agent", Domain: b.uri.Domain}.String()
}

// TestAdapterConfiguration maps test system interface ports to probes. A
// configuration is installed for the duration of one testcase; the default
// configuration is the one populated by the package-level Bind.
type TestAdapterConfiguration struct {
	name string

	mu       sync.Mutex
	bindings map[string]*probeBinding
}

// NewTestAdapterConfiguration creates an empty, named configuration.
func NewTestAdapterConfiguration(name string) *TestAdapterConfiguration {
	return &TestAdapterConfiguration{
		name:     name,
		bindings: make(map[string]*probeBinding),
	}
}

// Name returns the configuration name.
func (c *TestAdapterConfiguration) Name() string { return c.name }

// BindByURI binds a test system interface port to a probe.
//
// The URI selects where the probe runs: probe:<name> is a local probe
// instantiated in-process from the registered probe types, while
// probe:<name>@<agent> is a remote probe hosted by an agent. The special
// name "_" requests a transient remote probe: a uniquely named instance is
// deployed on the agent when the configuration is installed and undeployed
// when it is uninstalled.
func (c *TestAdapterConfiguration) BindByURI(tsiPort, uri, probeType string, properties map[string]interface{}) error {
	parsed, err := tmsg.ParseURI(uri)
	if err != nil {
		return fmt.Errorf("binding %s: %w", tsiPort, err)
	}
	if parsed.Scheme != "probe" {
		return fmt.Errorf("binding %s: %q is not a probe uri", tsiPort, uri)
	}
	name := parsed.User
	if name == "" {
		name = parsed.Domain
		parsed.User = name
		parsed.Domain = ""
	}
	binding := &probeBinding{
		tsiPort:    tsiPort,
		probeType:  probeType,
		properties: properties,
		uri:        parsed,
	}
	if name == "_" {
		if !binding.remote() {
			return fmt.Errorf("binding %s: transient probes require an agent (probe:_@<agent>)", tsiPort)
		}
		binding.transient = true
		binding.uri.User = fmt.Sprintf("%s-%s", probeType, uuid.New().String())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.bindings[tsiPort]; dup {
		return fmt.Errorf("tsi port %s is already bound", tsiPort)
	}
	c.bindings[tsiPort] = binding
	return nil
}

func (c *TestAdapterConfiguration) sortedBindings() []*probeBinding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*probeBinding, 0, len(c.bindings))
	for _, b := range c.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tsiPort < out[j].tsiPort })
	return out
}

// adapterRequestTimeout bounds each controller round-trip made while
// installing, driving or releasing remote probes.
const adapterRequestTimeout = 15 * time.Second

// testAdapter is the single systemAdapter implementation. It owns the
// adapter configuration registry, the installed configuration, and the
// map reference counts that decide when probes see TRI-MAP and TRI-UNMAP.
type testAdapter struct {
	env       *environment
	transport probeTransport // nil when running without an agent controller

	mu         sync.Mutex
	defaultCfg *TestAdapterConfiguration
	registry   map[string]*TestAdapterConfiguration
	installed  *TestAdapterConfiguration
	active     []*probeBinding
	byPort     map[string]*probeBinding
	byURI      map[string]*probeBinding
	mapRefs    map[string]int
}

func newTestAdapter(transport probeTransport) *testAdapter {
	return &testAdapter{
		transport:  transport,
		defaultCfg: NewTestAdapterConfiguration("default"),
		registry:   make(map[string]*TestAdapterConfiguration),
		byPort:     make(map[string]*probeBinding),
		byURI:      make(map[string]*probeBinding),
		mapRefs:    make(map[string]int),
	}
}

func (a *testAdapter) defaultConfiguration() *TestAdapterConfiguration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.defaultCfg
}

func (a *testAdapter) register(cfg *TestAdapterConfiguration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registry[cfg.name] = cfg
}

func (a *testAdapter) lookup(name string) (*TestAdapterConfiguration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, ok := a.registry[name]
	return cfg, ok
}

func (a *testAdapter) setDefault(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, ok := a.registry[name]
	if !ok {
		return fmt.Errorf("unknown test adapter configuration %q", name)
	}
	a.defaultCfg = cfg
	return nil
}

// installConfiguration reserves every bound probe for the starting
// testcase: local probes are instantiated, remote probes are deployed if
// transient, locked, then told a testcase begins. Any failure unwinds the
// bindings already initialized.
func (a *testAdapter) installConfiguration(cfg *TestAdapterConfiguration) error {
	a.mu.Lock()
	if a.installed != nil {
		a.mu.Unlock()
		return fmt.Errorf("test adapter configuration %q is still installed", a.installed.name)
	}
	a.mu.Unlock()

	bindings := cfg.sortedBindings()
	initialized := make([]*probeBinding, 0, len(bindings))
	for _, b := range bindings {
		if err := a.initializeBinding(b); err != nil {
			for i := len(initialized) - 1; i >= 0; i-- {
				a.releaseBinding(initialized[i])
			}
			return fmt.Errorf("unable to reserve all probes: %w", err)
		}
		initialized = append(initialized, b)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.installed = cfg
	a.active = initialized
	a.byPort = make(map[string]*probeBinding, len(initialized))
	a.byURI = make(map[string]*probeBinding, len(initialized))
	a.mapRefs = make(map[string]int)
	for _, b := range initialized {
		a.byPort[b.tsiPort] = b
		a.byURI[b.probeURI()] = b
	}
	return nil
}

func (a *testAdapter) initializeBinding(b *probeBinding) error {
	if !b.remote() {
		factory, ok := lookupProbeType(b.probeType)
		if !ok {
			return fmt.Errorf("no local probe type %q for %s", b.probeType, b.probeURI())
		}
		probe, err := factory(&probeContext{adapter: a, binding: b})
		if err != nil {
			return fmt.Errorf("creating probe %s: %w", b.probeURI(), err)
		}
		b.probe = probe
		if err := probe.OnTriExecuteTestCase(); err != nil {
			b.probe = nil
			return fmt.Errorf("starting probe %s: %w", b.probeURI(), err)
		}
		return nil
	}

	if a.transport == nil {
		return fmt.Errorf("probe %s requires an agent controller connection", b.probeURI())
	}
	ctx, cancel := context.WithTimeout(context.Background(), adapterRequestTimeout)
	defer cancel()
	if b.transient {
		if err := a.transport.DeployProbe(ctx, b.agentURI(), b.uri.User, b.probeType); err != nil {
			return err
		}
	}
	if err := a.transport.LockProbe(ctx, b.probeURI()); err != nil {
		if b.transient {
			_ = a.transport.UndeployProbe(ctx, b.agentURI(), b.uri.User)
		}
		return err
	}
	if err := a.transport.TriExecuteTestCase(ctx, b.probeURI()); err != nil {
		_ = a.transport.UnlockProbe(ctx, b.probeURI())
		if b.transient {
			_ = a.transport.UndeployProbe(ctx, b.agentURI(), b.uri.User)
		}
		return err
	}
	return nil
}

func (a *testAdapter) releaseBinding(b *probeBinding) {
	if !b.remote() {
		b.probe = nil
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), adapterRequestTimeout)
	defer cancel()
	if err := a.transport.UnlockProbe(ctx, b.probeURI()); err != nil {
		a.env.log.WithError(err).Warn("Failed to release probe", zap.String("probe", b.probeURI()))
	}
	if b.transient {
		if err := a.transport.UndeployProbe(ctx, b.agentURI(), b.uri.User); err != nil {
			a.env.log.WithError(err).Warn("Failed to undeploy transient probe", zap.String("probe", b.probeURI()))
		}
	}
}

// uninstallConfiguration releases every probe of the installed
// configuration. Safe to call when nothing is installed.
func (a *testAdapter) uninstallConfiguration() {
	a.mu.Lock()
	active := a.active
	a.installed = nil
	a.active = nil
	a.byPort = make(map[string]*probeBinding)
	a.byURI = make(map[string]*probeBinding)
	a.mapRefs = make(map[string]int)
	a.mu.Unlock()

	for i := len(active) - 1; i >= 0; i-- {
		a.releaseBinding(active[i])
	}
}

func (a *testAdapter) bindingForPort(tsiPort string) (*probeBinding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.byPort[tsiPort]
	if !ok {
		return nil, fmt.Errorf("no probe bound to test system interface port %q", tsiPort)
	}
	return b, nil
}

func (a *testAdapter) triSend(tsiPort string, value interface{}, sutAddress string) error {
	b, err := a.bindingForPort(tsiPort)
	if err != nil {
		return err
	}
	if !b.remote() {
		return b.probe.OnTriSend(value, sutAddress)
	}
	ctx, cancel := context.WithTimeout(context.Background(), adapterRequestTimeout)
	defer cancel()
	return a.transport.TriSend(ctx, b.probeURI(), value, sutAddress)
}

// triMap notifies the bound probe on the first mapping of its TSI port;
// further mappings only bump the reference count.
func (a *testAdapter) triMap(tsiPort string) error {
	b, err := a.bindingForPort(tsiPort)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.mapRefs[tsiPort]++
	first := a.mapRefs[tsiPort] == 1
	a.mu.Unlock()
	if !first {
		return nil
	}

	if !b.remote() {
		err = b.probe.OnTriMap()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), adapterRequestTimeout)
		defer cancel()
		err = a.transport.TriMap(ctx, b.probeURI())
	}
	if err != nil {
		a.mu.Lock()
		a.mapRefs[tsiPort]--
		a.mu.Unlock()
		return err
	}
	return nil
}

// triUnmap notifies the bound probe when the last mapping of its TSI port
// is removed.
func (a *testAdapter) triUnmap(tsiPort string) {
	b, err := a.bindingForPort(tsiPort)
	if err != nil {
		return
	}

	a.mu.Lock()
	if a.mapRefs[tsiPort] == 0 {
		a.mu.Unlock()
		return
	}
	a.mapRefs[tsiPort]--
	last := a.mapRefs[tsiPort] == 0
	a.mu.Unlock()
	if !last {
		return
	}

	if !b.remote() {
		b.probe.OnTriUnmap()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), adapterRequestTimeout)
	defer cancel()
	if err := a.transport.TriUnmap(ctx, b.probeURI()); err != nil {
		a.env.log.WithError(err).Warn("Failed to unmap probe", zap.String("probe", b.probeURI()))
	}
}

// triSAReset resets every active probe and forgets the mapping reference
// counts. Called during testcase finalization, before the configuration is
// uninstalled.
func (a *testAdapter) triSAReset() {
	a.mu.Lock()
	active := a.active
	a.mapRefs = make(map[string]int)
	a.mu.Unlock()

	for _, b := range active {
		if !b.remote() {
			b.probe.OnTriSAReset()
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), adapterRequestTimeout)
		if err := a.transport.TriSAReset(ctx, b.probeURI()); err != nil {
			a.env.log.WithError(err).Warn("Failed to reset probe", zap.String("probe", b.probeURI()))
		}
		cancel()
	}
}

// enqueueFromProbe routes a message received from the SUT, identified by
// the emitting probe, to the TSI port it is bound to. Messages arriving
// outside any testcase or for unbound probes are dropped.
func (a *testAdapter) enqueueFromProbe(probeURI string, message interface{}, sutAddress string) {
	a.mu.Lock()
	b, ok := a.byURI[probeURI]
	a.mu.Unlock()
	if !ok {
		a.env.log.Debug("Dropping message from unbound probe", zap.String("probe", probeURI))
		return
	}
	a.env.deliverToTSI(b.tsiPort, message, sutAddress)
}

// probeLogEvent is the payload shape of LOG notifications forwarded from
// watched probes.
type probeLogEvent struct {
	Label      string      `json:"label"`
	Payload    interface{} `json:"payload"`
	SUTAddress string      `json:"sut-address"`
}

// handleProbeLog renders a forwarded probe log event as the matching
// system-level log element.
func (a *testAdapter) handleProbeLog(probeURI, logClass string, event probeLogEvent) {
	a.mu.Lock()
	b, ok := a.byURI[probeURI]
	a.mu.Unlock()
	if !ok {
		return
	}
	switch logClass {
	case "system-sent":
		a.env.tl.SystemSent(b.tsiPort, event.Label, event.Payload, event.SUTAddress)
	case "system-received":
		a.env.tl.SystemReceived(b.tsiPort, event.Label, event.Payload, event.SUTAddress)
	default:
		a.env.log.Debug("Ignoring probe log event with unknown class",
			zap.String("probe", probeURI), zap.String("class", logClass))
	}
}

// probeContext implements ProbeContext for one local binding.
type probeContext struct {
	adapter *testAdapter
	binding *probeBinding
}

func (pc *probeContext) Enqueue(message interface{}, sutAddress string) {
	pc.adapter.env.deliverToTSI(pc.binding.tsiPort, message, sutAddress)
}

func (pc *probeContext) LogSentPayload(label string, payload interface{}, sutAddress string) {
	pc.adapter.env.tl.SystemSent(pc.binding.tsiPort, label, payload, sutAddress)
}

func (pc *probeContext) LogReceivedPayload(label string, payload interface{}, sutAddress string) {
	pc.adapter.env.tl.SystemReceived(pc.binding.tsiPort, label, payload, sutAddress)
}

func (pc *probeContext) Property(name string, def interface{}) interface{} {
	if v, ok := pc.binding.properties[name]; ok {
		return v
	}
	return def
}

func (pc *probeContext) Logger() *logger.Logger {
	return pc.adapter.env.log.WithFields(
		zap.String("probe", pc.binding.probeURI()),
		zap.String("tsi_port", pc.binding.tsiPort),
	)
}

// Bind adds a binding to the default test adapter configuration. ATSes
// with a single probe setup use this form; ATSes juggling several setups
// create named configurations instead.
func Bind(tsiPort, uri, probeType string, properties map[string]interface{}) error {
	env := currentEnvironment()
	return env.sa.defaultConfiguration().BindByURI(tsiPort, uri, probeType, properties)
}

// BindTestAdapter registers a named configuration so testcases can select
// it with WithTestAdapter or SetDefaultTestAdapter.
func BindTestAdapter(cfg *TestAdapterConfiguration) {
	if adapter, ok := currentEnvironment().sa.(*testAdapter); ok {
		adapter.register(cfg)
	}
}

// TestAdapter returns a configuration previously registered with
// BindTestAdapter.
func TestAdapter(name string) (*TestAdapterConfiguration, bool) {
	adapter, ok := currentEnvironment().sa.(*testAdapter)
	if !ok {
		return nil, false
	}
	return adapter.lookup(name)
}

// SetDefaultTestAdapter selects a registered configuration as the one
// installed when a testcase does not pick one explicitly.
func SetDefaultTestAdapter(name string) error {
	adapter, ok := currentEnvironment().sa.(*testAdapter)
	if !ok {
		return fmt.Errorf("test adapter registry unavailable")
	}
	return adapter.setDefault(name)
}
