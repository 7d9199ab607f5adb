package ttcn3

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ptcJoinTimeout bounds how long testcase finalisation waits for parallel
// components to honour their kill triggers.
const ptcJoinTimeout = 10 * time.Second

// TestCase is a named test behaviour executed on a main test component,
// with optional parallel components, against a system whose ports are
// bound to test adapters.
type TestCase struct {
	name   string
	title  string
	groups []string
	body   Behaviour

	env    *environment
	queue  *SystemQueue
	mtc    *Component
	system *Component

	ptcsMu sync.Mutex
	ptcs   []*Component

	timersMu sync.Mutex
	timers   []*Timer
	timerSeq int

	ptcSeq int
	wg     sync.WaitGroup
}

// NewTestCase declares a testcase with the given body, which runs on the
// main test component.
func NewTestCase(name string, body Behaviour) *TestCase {
	return &TestCase{name: name, title: name, body: body}
}

// WithTitle sets a human-readable title carried in log events.
func (t *TestCase) WithTitle(title string) *TestCase {
	t.title = title
	return t
}

// InGroups tags the testcase with group names. When the runtime was given
// a group selection, testcases tagged with disjoint groups are skipped;
// untagged testcases always run.
func (t *TestCase) InGroups(groups ...string) *TestCase {
	t.groups = append(t.groups, groups...)
	return t
}

// Name returns the testcase name.
func (t *TestCase) Name() string { return t.name }

// ExecuteOption customizes a single testcase execution.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	session map[string]interface{}
	adapter *TestAdapterConfiguration
}

// WithLocalSession overrides session variables for the duration of this
// execution only.
func WithLocalSession(session map[string]interface{}) ExecuteOption {
	return func(o *executeOptions) { o.session = session }
}

// WithTestAdapter selects the test adapter configuration to install for
// this execution instead of the default one.
func WithTestAdapter(cfg *TestAdapterConfiguration) ExecuteOption {
	return func(o *executeOptions) { o.adapter = cfg }
}

// Execute runs the testcase to completion and returns its final verdict:
// the MTC verdict after every gracefully stopped PTC verdict has been
// folded in.
//
// A testcase is skipped, returning the none verdict, when the ATS has been
// cancelled or when a group selection is active that does not intersect
// the testcase's groups.
func (t *TestCase) Execute(opts ...ExecuteOption) Verdict {
	var options executeOptions
	for _, opt := range opts {
		opt(&options)
	}

	env := currentEnvironment()
	t.env = env

	if env.ctrl.isCancelled() {
		env.log.Info("skipping testcase: execution cancelled", zap.String("testcase", t.name))
		return VerdictNone
	}
	if !env.ctrl.groupSelected(t.groups) {
		env.log.Info("skipping testcase: not in selected groups", zap.String("testcase", t.name))
		return VerdictNone
	}

	t.queue = NewSystemQueue()
	t.mtc = newComponent(t, "mtc", roleMTC, false)
	t.system = newComponent(t, roleSystem, roleSystem, false)
	t.mtc.state = StateRunning
	t.ptcsMu.Lock()
	t.ptcs = nil
	t.ptcSeq = 0
	t.ptcsMu.Unlock()
	t.timersMu.Lock()
	t.timers = nil
	t.timersMu.Unlock()

	env.tl.TestcaseCreated(t.name, "testcase")
	env.tl.TCCreated(t.mtc.name)

	restoreSession := env.vars.pushOverrides(options.session)
	defer restoreSession()

	adapter := options.adapter
	if adapter == nil {
		adapter = env.sa.defaultConfiguration()
	}

	env.ctrl.enterTestCase(t)
	defer env.ctrl.leaveTestCase(t)

	env.tl.TestcaseStarted(t.name, t.title)

	if err := env.sa.installConfiguration(adapter); err != nil {
		env.log.WithError(err).Error("test adapter setup failed", zap.String("testcase", t.name))
		env.tl.User(fmt.Sprintf("test adapter setup failed: %v", err), t.mtc.name)
		t.mtc.SetVerdict(VerdictError)
	} else {
		outcome := t.mtc.invoke(t.body)
		if outcome == outcomeError {
			t.mtc.mergeVerdict(VerdictError)
		}
	}

	t.finalize()

	verdict := t.mtc.Verdict()
	env.tl.TestcaseStopped(t.name, verdict, t.title)
	env.ctrl.recordVerdict(t.name, verdict)
	return verdict
}

// finalize tears the execution down: remaining PTCs are killed, timers
// stopped, probe reservations released and bindings uninstalled.
func (t *TestCase) finalize() {
	t.ptcsMu.Lock()
	ptcs := make([]*Component, len(t.ptcs))
	copy(ptcs, t.ptcs)
	t.ptcsMu.Unlock()

	for _, ptc := range ptcs {
		if ptc.Running() {
			t.queue.Post(systemEvent{kind: eventKillTC, tc: ptc}, systemSender)
		}
	}

	joined := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(ptcJoinTimeout):
		t.env.log.Warn("parallel components did not terminate before the join timeout",
			zap.String("testcase", t.name))
	}

	t.stopAllTimers()
	t.env.sa.triSAReset()
	t.env.sa.uninstallConfiguration()

	t.mtc.mu.Lock()
	t.mtc.state = StateStopped
	t.mtc.mu.Unlock()
}

// stopAll requests a cooperative stop of the MTC and every running PTC.
// Used for external cancellation of the whole testcase.
func (t *TestCase) stopAll() {
	t.ptcsMu.Lock()
	ptcs := make([]*Component, len(t.ptcs))
	copy(ptcs, t.ptcs)
	t.ptcsMu.Unlock()

	for _, ptc := range ptcs {
		if ptc.Running() {
			t.queue.Post(systemEvent{kind: eventStopTC, tc: ptc}, systemSender)
		}
	}
	t.queue.Post(systemEvent{kind: eventStopTC, tc: t.mtc}, systemSender)
}

func (t *TestCase) createPTC(name string, alive bool) *Component {
	t.ptcsMu.Lock()
	if name == "" {
		t.ptcSeq++
		name = fmt.Sprintf("ptc_%d", t.ptcSeq)
	}
	ptc := newComponent(t, name, rolePTC, alive)
	t.ptcs = append(t.ptcs, ptc)
	t.ptcsMu.Unlock()

	t.env.tl.TCCreated(name)
	return ptc
}

// maybePostAggregates posts the all-done and all-killed events once no
// sibling remains that could still produce an individual event. Posting is
// idempotent: a stale aggregate is removed before the fresh one goes in.
func (t *TestCase) maybePostAggregates() {
	t.ptcsMu.Lock()
	allDone := len(t.ptcs) > 0
	allKilled := len(t.ptcs) > 0
	for _, ptc := range t.ptcs {
		switch ptc.State() {
		case StateStopped:
			allKilled = false
		case StateKilled:
		default:
			allDone = false
			allKilled = false
		}
	}
	t.ptcsMu.Unlock()

	if allDone {
		t.queue.Remove(systemEvent{kind: eventAllDone}, systemSender)
		t.queue.Post(systemEvent{kind: eventAllDone}, systemSender)
	}
	if allKilled {
		t.queue.Remove(systemEvent{kind: eventAllKilled}, systemSender)
		t.queue.Post(systemEvent{kind: eventAllKilled}, systemSender)
	}
}

func (t *TestCase) nextTimerID() int {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	t.timerSeq++
	return t.timerSeq
}

func (t *TestCase) registerTimer(timer *Timer) {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	t.timers = append(t.timers, timer)
}

func (t *TestCase) stopAllTimers() {
	t.timersMu.Lock()
	timers := make([]*Timer, len(t.timers))
	copy(timers, t.timers)
	t.timersMu.Unlock()
	for _, timer := range timers {
		timer.Stop()
	}
}
