package ttcn3

import (
	"sync"
	"time"
)

// Port is a message-based test component port. Component ports exchange
// messages either with connected peer ports (intra-TE) or, when mapped to
// a test system interface port, with the SUT through the bound test
// adapter.
type Port struct {
	name  string
	owner *Component

	mu          sync.Mutex
	started     bool
	queue       []portMessage
	notify      chan struct{}
	connections []*Port
	mappedTo    *Port   // set on component ports mapped to a TSI port
	mappings    []*Port // set on TSI ports: mapped component ports
}

// topologyMu serializes connect/disconnect/map/unmap so that no two
// topology changes ever contend for a pair of port locks.
var topologyMu sync.Mutex

type portMessage struct {
	value  interface{}
	sender string
}

func newPort(owner *Component, name string) *Port {
	return &Port{
		name:    name,
		owner:   owner,
		started: true,
		notify:  make(chan struct{}, 1),
	}
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// FullName returns the component-qualified port name used in log events.
func (p *Port) FullName() string { return p.owner.name + "." + p.name }

func (p *Port) isTSI() bool { return p.owner.role == roleSystem }

// Start enables the port and discards any queued messages.
func (p *Port) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	p.queue = nil
}

// Stop disables the port: incoming messages are dropped until the next
// Start.
func (p *Port) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
}

// Clear empties the receive queue without toggling the started state.
func (p *Port) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
}

// Send valuates the template and delivers it to every connected peer
// port, or to the SUT when the port is mapped to a TSI port. Returns true
// if the port was started; a stopped port delivers nothing and returns
// false.
func (p *Port) Send(template interface{}) bool {
	return p.send(template, "")
}

// SendTo is Send with an explicit SUT address, for mapped ports whose test
// adapter routes by address.
func (p *Port) SendTo(template interface{}, sutAddress string) bool {
	return p.send(template, sutAddress)
}

func (p *Port) send(template interface{}, sutAddress string) bool {
	if p.isTSI() {
		raiseRuntimeError("cannot send directly on test system interface port %s", p.name)
	}
	value, err := valuate(template)
	if err != nil {
		raiseRuntimeError("cannot send on port %s: %v", p.FullName(), err)
	}

	p.mu.Lock()
	started := p.started
	mapped := p.mappedTo
	peers := make([]*Port, len(p.connections))
	copy(peers, p.connections)
	p.mu.Unlock()

	if !started {
		return false
	}

	env := p.owner.env()
	if mapped != nil {
		env.tl.MessageSent(p.owner.name, p.name, roleSystem, mapped.name, value, sutAddress)
		if err := env.sa.triSend(mapped.name, value, sutAddress); err != nil {
			raiseRuntimeError("send on %s via %s: %v", p.FullName(), mapped.name, err)
		}
		return true
	}
	// With no peers and no mapping the message has nowhere to go; the
	// send on a started port still succeeds.
	for _, peer := range peers {
		env.tl.MessageSent(p.owner.name, p.name, peer.owner.name, peer.name, value, "")
		peer.enqueue(value, p.owner.name)
	}
	return true
}

// enqueue appends a message to the receive queue and wakes any alt
// listening on the port. Messages arriving on a stopped port are dropped.
func (p *Port) enqueue(value interface{}, sender string) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, portMessage{value: value, sender: sender})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// enqueueFromSUT fans an incoming SUT message out to every component port
// mapped to this TSI port.
func (p *Port) enqueueFromSUT(value interface{}, sutAddress string) {
	p.mu.Lock()
	targets := make([]*Port, len(p.mappings))
	copy(targets, p.mappings)
	p.mu.Unlock()
	for _, t := range targets {
		t.enqueue(value, sutAddress)
	}
}

// pop removes and returns the oldest queued message.
func (p *Port) pop() (portMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return portMessage{}, false
	}
	m := p.queue[0]
	p.queue = p.queue[1:]
	return m, true
}

func (p *Port) hasMessages() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) > 0
}

// Receive returns an alt branch selected when a message matching the
// template arrives on this port. Refine it with Value, Sender and From.
func (p *Port) Receive(template interface{}) *Alternative {
	return &Alternative{port: p, template: template}
}

// Await blocks until a message matching the template arrives, or the
// timeout elapses. It returns the decoded message and true on match.
func (p *Port) Await(template interface{}, timeout time.Duration) (interface{}, bool) {
	var received interface{}
	matched := false
	watchdog := p.owner.NewTimer(timeout)
	watchdog.Start()
	p.owner.Alt(
		p.Receive(template).Value(&received).Do(func() AltControl {
			matched = true
			watchdog.Stop()
			return AltNone
		}),
		watchdog.Timeout(),
	)
	return received, matched
}

// Connect links two component ports so that messages sent on one are
// enqueued on the other. A mapped port cannot also be connected, and two
// components share at most one connection: connecting a second port pair
// between the same two components fails. Reconnecting an already connected
// pair is a no-op.
func Connect(a, b *Port) {
	if a.isTSI() || b.isTSI() {
		raiseRuntimeError("cannot connect test system interface port")
	}
	if a == b {
		raiseRuntimeError("cannot connect port %s to itself", a.FullName())
	}
	topologyMu.Lock()
	defer topologyMu.Unlock()

	a.mu.Lock()
	connected := containsPort(a.connections, b)
	a.mu.Unlock()
	if connected {
		return
	}

	if a.isMapped() || b.isMapped() {
		raiseRuntimeError("cannot connect a mapped port (%s -- %s)", a.FullName(), b.FullName())
	}
	if connectionBetween(a.owner, b.owner) {
		raiseRuntimeError("cannot connect %s and %s: components %s and %s are already connected",
			a.FullName(), b.FullName(), a.owner.name, b.owner.name)
	}
	a.mu.Lock()
	a.connections = appendPort(a.connections, b)
	a.mu.Unlock()
	b.mu.Lock()
	b.connections = appendPort(b.connections, a)
	b.mu.Unlock()
}

// Disconnect removes the link between two connected ports.
func Disconnect(a, b *Port) {
	topologyMu.Lock()
	defer topologyMu.Unlock()

	a.mu.Lock()
	a.connections = removePort(a.connections, b)
	a.mu.Unlock()
	b.mu.Lock()
	b.connections = removePort(b.connections, a)
	b.mu.Unlock()
}

// Map binds a component port to a test system interface port. A connected
// port cannot be mapped. The test adapter bound to the TSI port is given a
// chance to set up dynamic SUT connections on the first mapping.
func Map(port, tsiPort *Port) {
	if !tsiPort.isTSI() {
		raiseRuntimeError("map target %s is not a test system interface port", tsiPort.FullName())
	}
	if port.isTSI() {
		raiseRuntimeError("cannot map test system interface port %s", port.FullName())
	}
	topologyMu.Lock()
	port.mu.Lock()
	if len(port.connections) > 0 {
		port.mu.Unlock()
		topologyMu.Unlock()
		raiseRuntimeError("cannot map connected port %s", port.FullName())
	}
	if port.mappedTo != nil {
		mapped := port.mappedTo.name
		port.mu.Unlock()
		topologyMu.Unlock()
		raiseRuntimeError("port %s is already mapped to %s", port.FullName(), mapped)
	}
	port.mappedTo = tsiPort
	port.mu.Unlock()

	tsiPort.mu.Lock()
	tsiPort.mappings = appendPort(tsiPort.mappings, port)
	tsiPort.mu.Unlock()
	topologyMu.Unlock()

	if err := port.owner.env().sa.triMap(tsiPort.name); err != nil {
		Unmap(port, tsiPort)
		raiseRuntimeError("map %s to %s: %v", port.FullName(), tsiPort.name, err)
	}
}

// Unmap removes the binding between a component port and a TSI port.
func Unmap(port, tsiPort *Port) {
	topologyMu.Lock()
	port.mu.Lock()
	wasMapped := port.mappedTo == tsiPort
	if wasMapped {
		port.mappedTo = nil
	}
	port.mu.Unlock()
	if !wasMapped {
		topologyMu.Unlock()
		return
	}

	tsiPort.mu.Lock()
	tsiPort.mappings = removePort(tsiPort.mappings, port)
	tsiPort.mu.Unlock()
	topologyMu.Unlock()

	port.owner.env().sa.triUnmap(tsiPort.name)
}

func (p *Port) isMapped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mappedTo != nil
}

// connectionBetween reports whether some port of x is already connected to
// a port of y. Called with topologyMu held.
func connectionBetween(x, y *Component) bool {
	x.mu.Lock()
	ports := make([]*Port, 0, len(x.ports))
	for _, p := range x.ports {
		ports = append(ports, p)
	}
	x.mu.Unlock()
	for _, p := range ports {
		p.mu.Lock()
		for _, peer := range p.connections {
			if peer.owner == y {
				p.mu.Unlock()
				return true
			}
		}
		p.mu.Unlock()
	}
	return false
}

func containsPort(ports []*Port, p *Port) bool {
	for _, existing := range ports {
		if existing == p {
			return true
		}
	}
	return false
}

func appendPort(ports []*Port, p *Port) []*Port {
	for _, existing := range ports {
		if existing == p {
			return ports
		}
	}
	return append(ports, p)
}

func removePort(ports []*Port, p *Port) []*Port {
	for i, existing := range ports {
		if existing == p {
			return append(ports[:i], ports[i+1:]...)
		}
	}
	return ports
}
