package ttcn3

import (
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Component states.
const (
	StateInactive = "inactive"
	StateRunning  = "running"
	StatePaused   = "paused"
	StateStopped  = "stopped"
	StateKilled   = "killed"
)

const (
	roleMTC    = "mtc"
	rolePTC    = "ptc"
	roleSystem = "system"
)

// Behaviour is the body of a test component. The MTC behaviour is the
// testcase body itself; PTC behaviours are handed to Component.Start.
type Behaviour func(c *Component)

// Component is a test component: the MTC, a PTC, or the system component
// whose ports form the test system interface.
type Component struct {
	name     string
	role     string
	alive    bool
	testcase *TestCase

	mu        sync.Mutex
	state     string
	verdict   Verdict
	ports     map[string]*Port
	extracted map[string]interface{}
	defaults  []*DefaultRef
}

// DefaultRef identifies an activated default altstep so it can be
// deactivated again.
type DefaultRef struct {
	alternatives []*Alternative
}

func newComponent(tc *TestCase, name, role string, alive bool) *Component {
	return &Component{
		name:      name,
		role:      role,
		alive:     alive,
		testcase:  tc,
		state:     StateInactive,
		verdict:   VerdictNone,
		ports:     make(map[string]*Port),
		extracted: make(map[string]interface{}),
	}
}

func (c *Component) env() *environment { return c.testcase.env }

// Name returns the component name.
func (c *Component) Name() string { return c.name }

// Alive reports whether the component can be restarted after a stop.
func (c *Component) Alive() bool { return c.alive }

// State returns the current lifecycle state.
func (c *Component) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether a behaviour is currently executing on the
// component.
func (c *Component) Running() bool { return c.State() == StateRunning }

// Port returns the named message port, creating it on first use. Ports of
// the system component are test system interface ports.
func (c *Component) Port(name string) *Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ports[name]
	if !ok {
		p = newPort(c, name)
		c.ports[name] = p
	}
	return p
}

// System returns the system component of the enclosing testcase.
func (c *Component) System() *Component { return c.testcase.system }

// MTC returns the main test component of the enclosing testcase.
func (c *Component) MTC() *Component { return c.testcase.mtc }

// Verdict returns the component's local verdict.
func (c *Component) Verdict() Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verdict
}

// SetVerdict updates the local verdict through the lattice: the verdict
// can only get worse.
func (c *Component) SetVerdict(v Verdict) {
	if !v.Valid() {
		raiseRuntimeError("invalid verdict %q", v)
	}
	c.mu.Lock()
	c.verdict = c.verdict.Merge(v)
	current := c.verdict
	c.mu.Unlock()
	c.env().tl.VerdictUpdated(c.name, current)
}

// mergeVerdict folds a child verdict in without user attribution; logs
// only when the verdict actually moved.
func (c *Component) mergeVerdict(v Verdict) {
	c.mu.Lock()
	merged := c.verdict.Merge(v)
	changed := merged != c.verdict
	c.verdict = merged
	c.mu.Unlock()
	if changed {
		c.env().tl.VerdictUpdated(c.name, merged)
	}
}

// Create spawns a new parallel test component in the enclosing testcase.
// Alive components survive a stop and can be restarted; others are killed
// by their first stop.
func (c *Component) Create(name string, alive bool) *Component {
	return c.testcase.createPTC(name, alive)
}

// Start schedules a behaviour on the component. Only PTCs can be started,
// and only when inactive or, for alive components, stopped.
func (c *Component) Start(b Behaviour) {
	if c.role != rolePTC {
		raiseRuntimeError("cannot start a behaviour on %s component %s", c.role, c.name)
	}
	c.mu.Lock()
	switch c.state {
	case StateInactive:
	case StateStopped:
		if !c.alive {
			c.mu.Unlock()
			raiseRuntimeError("component %s is not alive and cannot be restarted", c.name)
		}
	default:
		state := c.state
		c.mu.Unlock()
		raiseRuntimeError("component %s cannot be started while %s", c.name, state)
	}
	c.state = StateRunning
	c.mu.Unlock()

	// A restart invalidates any stale termination events of the previous
	// run, including an aggregate posted when this component was the last
	// one standing.
	queue := c.testcase.queue
	queue.Remove(systemEvent{kind: eventDone, tc: c}, systemSender)
	queue.Remove(systemEvent{kind: eventAllDone}, systemSender)

	c.env().tl.TCStarted(c.name, behaviourName(b))

	c.testcase.wg.Add(1)
	go c.runBehaviour(b)
}

func behaviourName(b Behaviour) string {
	if fn := runtime.FuncForPC(reflect.ValueOf(b).Pointer()); fn != nil {
		return fn.Name()
	}
	return "behaviour"
}

type behaviourOutcome int

const (
	outcomeReturned behaviourOutcome = iota
	outcomeStopped
	outcomeKilled
	outcomeError
)

func (c *Component) runBehaviour(b Behaviour) {
	defer c.testcase.wg.Done()
	outcome := c.invoke(b)
	switch outcome {
	case outcomeKilled:
		c.finishKilled("")
	case outcomeError:
		c.mergeVerdict(VerdictError)
		c.finishStopped()
	default:
		c.finishStopped()
	}
}

// invoke runs the behaviour and translates control panics into outcomes.
func (c *Component) invoke(b Behaviour) (outcome behaviourOutcome) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch e := r.(type) {
		case stopSignal:
			outcome = outcomeStopped
		case killSignal:
			outcome = outcomeKilled
		case *RuntimeError:
			outcome = outcomeError
			c.env().tl.User("runtime error on "+c.name+": "+e.Reason, c.name)
			c.env().log.Error("behaviour runtime error",
				zap.String("component", c.name), zap.String("reason", e.Reason))
		default:
			outcome = outcomeError
			c.env().log.Error("behaviour panicked",
				zap.String("component", c.name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	b(c)
	return outcomeReturned
}

// finishStopped terminates the component gracefully: its verdict is folded
// into the MTC, and the stop merges into a kill for non-alive components.
func (c *Component) finishStopped() {
	c.mu.Lock()
	verdict := c.verdict
	if c.alive {
		c.state = StateStopped
	} else {
		c.state = StateKilled
	}
	terminal := c.state
	c.mu.Unlock()

	if c != c.testcase.mtc {
		c.testcase.mtc.mergeVerdict(verdict)
	}
	c.env().tl.TCStopped(c.name, verdict, "")

	queue := c.testcase.queue
	queue.Post(systemEvent{kind: eventDone, tc: c}, systemSender)
	if terminal == StateKilled {
		queue.Post(systemEvent{kind: eventKilled, tc: c}, systemSender)
	}
	c.testcase.maybePostAggregates()
}

// finishKilled terminates the component violently: the local verdict is
// dropped.
func (c *Component) finishKilled(reason string) {
	c.mu.Lock()
	c.state = StateKilled
	c.mu.Unlock()

	c.env().tl.TCKilled(c.name, reason)

	queue := c.testcase.queue
	queue.Post(systemEvent{kind: eventDone, tc: c}, systemSender)
	queue.Post(systemEvent{kind: eventKilled, tc: c}, systemSender)
	c.testcase.maybePostAggregates()
}

// Stop requests the component to stop. A running component is stopped
// cooperatively: a stop trigger is queued and raised inside the target's
// own behaviour at its next alt. Stopping the MTC stops the testcase.
// Stopping a non-running component is a no-op.
func (c *Component) Stop() {
	if c.role == roleSystem {
		raiseRuntimeError("cannot stop the system component")
	}
	if !c.Running() {
		c.env().log.Debug("stop requested on a non-running component",
			zap.String("component", c.name))
		return
	}
	c.testcase.queue.Post(systemEvent{kind: eventStopTC, tc: c}, systemSender)
}

// StopNow terminates the calling behaviour immediately. Only meaningful
// when invoked from the component's own behaviour.
func (c *Component) StopNow() {
	panic(stopSignal{})
}

// Kill requests violent termination: the target's verdict is discarded. A
// running component is killed cooperatively at its next alt; an inactive
// or stopped one transitions to killed immediately.
func (c *Component) Kill() {
	if c.role == roleSystem {
		raiseRuntimeError("cannot kill the system component")
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StateRunning:
		c.testcase.queue.Post(systemEvent{kind: eventKillTC, tc: c}, systemSender)
	case StateKilled:
		// Already dead.
	default:
		c.finishKilled("killed while " + state)
	}
}

// Done returns an alt branch selected once this component has terminated.
func (c *Component) Done() *Alternative {
	return &Alternative{sys: &systemEvent{kind: eventDone, tc: c}}
}

// Killed returns an alt branch selected once this component has been
// killed (or, for non-alive components, stopped).
func (c *Component) Killed() *Alternative {
	return &Alternative{sys: &systemEvent{kind: eventKilled, tc: c}}
}

// Template-only event kinds matched against individual done/killed items.
const (
	eventAnyDone   = "any-done"
	eventAnyKilled = "any-killed"
)

// AnyComponentDone returns an alt branch selected when any PTC of the
// testcase has terminated.
func AnyComponentDone() *Alternative {
	return &Alternative{sys: &systemEvent{kind: eventAnyDone}}
}

// AnyComponentKilled returns an alt branch selected when any PTC of the
// testcase has been killed.
func AnyComponentKilled() *Alternative {
	return &Alternative{sys: &systemEvent{kind: eventAnyKilled}}
}

// AllComponentsDone returns an alt branch selected once every PTC of the
// testcase has terminated.
func AllComponentsDone() *Alternative {
	return &Alternative{sys: &systemEvent{kind: eventAllDone}}
}

// AllComponentsKilled returns an alt branch selected once every PTC of the
// testcase has been killed.
func AllComponentsKilled() *Alternative {
	return &Alternative{sys: &systemEvent{kind: eventAllKilled}}
}

// Activate appends a default altstep: its alternatives are implicitly
// evaluated, in activation order, after the explicit ones of every alt run
// by this component.
func (c *Component) Activate(alternatives ...*Alternative) *DefaultRef {
	ref := &DefaultRef{alternatives: alternatives}
	c.mu.Lock()
	c.defaults = append(c.defaults, ref)
	c.mu.Unlock()
	return ref
}

// Deactivate removes a previously activated default altstep.
func (c *Component) Deactivate(ref *DefaultRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.defaults {
		if d == ref {
			c.defaults = append(c.defaults[:i], c.defaults[i+1:]...)
			return
		}
	}
}

func (c *Component) activeDefaults() []*Alternative {
	c.mu.Lock()
	defer c.mu.Unlock()
	var alts []*Alternative
	for _, d := range c.defaults {
		alts = append(alts, d.alternatives...)
	}
	return alts
}

// ExtractedValue returns the last value bound under name by an Extract
// template matched on this component.
func (c *Component) ExtractedValue(name string) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extracted[name]
}

func (c *Component) bindExtracted(values map[string]interface{}) {
	if len(values) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.extracted[k] = v
	}
}

// Log emits a user log event attributed to this component.
func (c *Component) Log(message string) {
	c.env().tl.User(message, c.name)
}

// Wait suspends the behaviour for the given duration while remaining
// responsive to stop and kill requests.
func (c *Component) Wait(d time.Duration) {
	t := c.NewTimer(d)
	t.Start()
	t.AwaitTimeout()
}

// Action asks the operator to perform an external action and blocks until
// it is signalled as performed or the timeout elapses. Returns true when
// the action was performed in time.
func (c *Component) Action(message string, timeout time.Duration) bool {
	env := c.env()
	env.tl.ActionRequested(message, timeout, c.name)
	performed := env.awaitAction(timeout)
	env.tl.ActionCleared("n/a", c.name)
	return performed
}
