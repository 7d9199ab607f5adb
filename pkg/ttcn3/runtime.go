package ttcn3

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/logger"
)

// environment aggregates the services a running test executable shares:
// process logging, the test event logger, session variables, the system
// adapter, and the execution controller. One environment lives for the
// whole ATS run.
type environment struct {
	log  *logger.Logger
	tl   *TestLogger
	vars *variableStore
	sa   systemAdapter
	ctrl *atsControl
}

func (e *environment) awaitAction(timeout time.Duration) bool {
	return e.ctrl.awaitAction(timeout)
}

// deliverToTSI hands a message received from the SUT to the named test
// system interface port of the running testcase. Messages arriving outside
// any testcase are dropped.
func (e *environment) deliverToTSI(tsiPort string, message interface{}, sutAddress string) {
	t := e.ctrl.currentTestCase()
	if t == nil {
		e.log.Debug("Dropping SUT message: no testcase running", zap.String("tsi_port", tsiPort))
		return
	}
	t.system.Port(tsiPort).enqueueFromSUT(message, sutAddress)
}

// environmentConfig carries what Main (or an embedding program) assembled
// before the ATS body runs.
type environmentConfig struct {
	log            *logger.Logger
	sink           ilSink
	maxPayload     int
	debugLogs      bool
	transport      probeTransport
	selectedGroups []string
	session        map[string]interface{}
}

func newEnvironment(cfg environmentConfig) *environment {
	log := cfg.log
	if log == nil {
		log = logger.Default()
	}
	e := &environment{
		log:  log,
		vars: newVariableStore(),
		ctrl: newATSControl(log, cfg.selectedGroups),
	}
	e.tl = newTestLogger(cfg.sink, cfg.maxPayload, log)
	if cfg.debugLogs {
		e.tl.EnableDebug()
	}
	adapter := newTestAdapter(cfg.transport)
	adapter.env = e
	e.sa = adapter
	if len(cfg.session) > 0 {
		e.vars.load(cfg.session)
	}
	return e
}

var (
	envMu     sync.RWMutex
	globalEnv *environment
)

// currentEnvironment returns the active environment, creating a standalone
// one on first use so the runtime also works without Main: unit tests and
// embedded usage get local logging, no Il sink and no agent controller.
func currentEnvironment() *environment {
	envMu.RLock()
	e := globalEnv
	envMu.RUnlock()
	if e != nil {
		return e
	}
	envMu.Lock()
	defer envMu.Unlock()
	if globalEnv == nil {
		globalEnv = newEnvironment(environmentConfig{})
	}
	return globalEnv
}

func setEnvironment(e *environment) {
	envMu.Lock()
	globalEnv = e
	envMu.Unlock()
}

// testResult is one executed testcase and its final verdict.
type testResult struct {
	Name    string
	Verdict Verdict
}

// atsControl tracks execution-scoped control state: cancellation, the
// running testcase, group selection, collected verdicts, and external
// action acknowledgements.
type atsControl struct {
	log *logger.Logger

	mu        sync.Mutex
	cancelled bool
	current   *TestCase
	groups    map[string]struct{}
	records   []testResult

	actionCh   chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
}

func newATSControl(log *logger.Logger, selectedGroups []string) *atsControl {
	ctrl := &atsControl{
		log:      log,
		actionCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if len(selectedGroups) > 0 {
		ctrl.groups = make(map[string]struct{}, len(selectedGroups))
		for _, g := range selectedGroups {
			ctrl.groups[g] = struct{}{}
		}
	}
	return ctrl
}

func (c *atsControl) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// cancel stops the running testcase gracefully and makes every later
// Execute call a no-op. Idempotent.
func (c *atsControl) cancel() {
	c.cancelOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	c.cancelled = true
	t := c.current
	c.mu.Unlock()
	if t != nil {
		t.stopAll()
	}
}

// groupSelected reports whether a testcase carrying the given groups runs
// under the current selection. Without a selection everything runs; with
// one, untagged testcases still run and tagged testcases need at least one
// group in common.
func (c *atsControl) groupSelected(groups []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.groups == nil || len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if _, ok := c.groups[g]; ok {
			return true
		}
	}
	return false
}

func (c *atsControl) enterTestCase(t *TestCase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

func (c *atsControl) leaveTestCase(t *TestCase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == t {
		c.current = nil
	}
}

func (c *atsControl) currentTestCase() *TestCase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *atsControl) recordVerdict(name string, v Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, testResult{Name: name, Verdict: v})
}

func (c *atsControl) results() []testResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]testResult, len(c.records))
	copy(out, c.records)
	return out
}

// actionPerformed releases one pending Action wait, if any.
func (c *atsControl) actionPerformed() {
	select {
	case c.actionCh <- struct{}{}:
	default:
	}
}

// awaitAction blocks until the external action is acknowledged, the
// timeout elapses (false), or the run is cancelled (false). A zero or
// negative timeout waits indefinitely.
func (c *atsControl) awaitAction(timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-c.actionCh:
		return true
	case <-expired:
		return false
	case <-c.done:
		return false
	}
}

// StopTestCase gracefully stops the testcase currently executing, as if
// every component received a stop request. No-op outside a testcase.
func StopTestCase() {
	if t := currentEnvironment().ctrl.currentTestCase(); t != nil {
		t.stopAll()
	}
}

// StopATS cancels the whole execution: the running testcase is stopped and
// every subsequent Execute call returns immediately without running.
func StopATS() {
	currentEnvironment().ctrl.cancel()
}

// ActionPerformed acknowledges a pending Action, unblocking the component
// waiting for the external operator. Main wires SIGUSR1 to this.
func ActionPerformed() {
	currentEnvironment().ctrl.actionPerformed()
}
