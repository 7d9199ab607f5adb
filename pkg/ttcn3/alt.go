package ttcn3

import (
	"reflect"
	"time"
)

// altPollInterval bounds how long a blocked alt sleeps between snapshot
// evaluations even when no notifier fires.
const altPollInterval = time.Second

// AltControl steers the alt loop from within a branch action.
type AltControl int

const (
	// AltNone (the zero value) lets the alt complete after the branch
	// actions have run.
	AltNone AltControl = iota
	// Repeat re-evaluates the alt against a fresh snapshot.
	Repeat
	// Return exits the alt immediately, skipping remaining actions. Meant
	// for default altsteps that fully handled an event.
	Return
)

// Alternative is one branch of an alt: either a port receive or a system
// event (timer timeout, component done/killed, stop/kill triggers).
type Alternative struct {
	guard     func() bool
	port      *Port
	template  interface{}
	sys       *systemEvent
	valuePtr  *interface{}
	senderPtr *string
	from      string
	hasFrom   bool
	actions   []func() AltControl
}

// When attaches a guard: the branch only participates in snapshot
// evaluation while the guard returns true.
func (a *Alternative) When(guard func() bool) *Alternative {
	a.guard = guard
	return a
}

// Value stores the decoded received message through ptr when the branch is
// selected.
func (a *Alternative) Value(ptr *interface{}) *Alternative {
	a.valuePtr = ptr
	return a
}

// Sender stores the message sender (peer component name or SUT address)
// through ptr when the branch is selected.
func (a *Alternative) Sender(ptr *string) *Alternative {
	a.senderPtr = ptr
	return a
}

// From restricts the branch to messages from the given sender.
func (a *Alternative) From(sender string) *Alternative {
	a.from = sender
	a.hasFrom = true
	return a
}

// Do appends branch actions, run in order on selection. An action
// returning Repeat or Return short-circuits the remaining ones.
func (a *Alternative) Do(actions ...func() AltControl) *Alternative {
	a.actions = append(a.actions, actions...)
	return a
}

func (a *Alternative) enabled() bool {
	return a.guard == nil || a.guard()
}

func (a *Alternative) runActions() AltControl {
	for _, action := range a.actions {
		if action == nil {
			continue
		}
		if ctrl := action(); ctrl != AltNone {
			return ctrl
		}
	}
	return AltNone
}

// Alt blocks until one of the alternatives is selected and its actions
// have run. Two implicit alternatives matching this component's stop and
// kill triggers are evaluated first; activated default altsteps are
// appended last.
//
// Snapshot semantics: each evaluation pass first scans the system queue
// without consuming state events (triggers are consumed), then pops at
// most one message per involved port and tries every alternative of that
// port against it. A popped message that matches nothing is logged with
// its mismatch paths and discarded.
func (c *Component) Alt(alternatives ...*Alternative) {
	queue := c.testcase.queue
	queueCh := queue.Notifier(c)
	defer queue.ReleaseNotifier(c)

	prefix := []*Alternative{
		{sys: &systemEvent{kind: eventStopTC, tc: c}, actions: []func() AltControl{func() AltControl { panic(stopSignal{}) }}},
		{sys: &systemEvent{kind: eventKillTC, tc: c}, actions: []func() AltControl{func() AltControl { panic(killSignal{}) }}},
	}

	for {
		all := make([]*Alternative, 0, len(prefix)+len(alternatives)+4)
		all = append(all, prefix...)
		all = append(all, alternatives...)
		all = append(all, c.activeDefaults()...)

		selected, ctrl, discarded := c.altPass(all)
		if selected {
			if ctrl == Repeat {
				continue
			}
			return
		}
		if discarded {
			// A message was consumed without matching; rescan before
			// blocking in case more are already queued.
			continue
		}
		c.altWait(queueCh, altPorts(all))
	}
}

// altPass evaluates one snapshot. It returns whether a branch was
// selected, the control returned by its actions, and whether any message
// was popped and discarded.
func (c *Component) altPass(all []*Alternative) (bool, AltControl, bool) {
	env := c.env()
	queue := c.testcase.queue

	// System queue first: scan in posting order, never consuming state
	// events so later alts still observe them.
	for _, item := range queue.Snapshot() {
		for _, alt := range all {
			if alt.sys == nil || !alt.enabled() {
				continue
			}
			if !matchSystemEvent(alt.sys, item.event) {
				continue
			}
			if item.event.isTrigger() {
				queue.Acknowledge(item.seq)
			}
			logBranchSelected(env, item.event)
			return true, alt.runActions(), false
		}
	}

	// Port phase: one message per involved port per pass.
	discarded := false
	seen := make(map[*Port]bool)
	for _, alt := range all {
		p := alt.port
		if p == nil || seen[p] {
			continue
		}
		seen[p] = true
		msg, ok := p.pop()
		if !ok {
			continue
		}
		for _, cand := range all {
			if cand.port != p || !cand.enabled() {
				continue
			}
			if cand.hasFrom && cand.from != msg.sender {
				continue
			}
			res := Match(cand.template, msg.value)
			if !res.OK {
				env.tl.TemplateMismatch(c.name, p.name, msg.value, cand.template, res.Path)
				continue
			}
			env.tl.TemplateMatch(c.name, p.name, msg.value, cand.template)
			c.bindExtracted(res.Bindings)
			if cand.valuePtr != nil {
				*cand.valuePtr = res.Decoded
			}
			if cand.senderPtr != nil {
				*cand.senderPtr = msg.sender
			}
			return true, cand.runActions(), false
		}
		// No alternative accepted the message: it stays consumed.
		discarded = true
	}
	return false, AltNone, discarded
}

// altWait suspends until the system queue or one of the ports signals, or
// the poll interval elapses.
func (c *Component) altWait(queueCh chan struct{}, ports []*Port) {
	cases := make([]reflect.SelectCase, 0, len(ports)+2)
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(queueCh),
	})
	for _, p := range ports {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(p.notify),
		})
	}
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(time.After(altPollInterval)),
	})
	reflect.Select(cases)
}

func altPorts(all []*Alternative) []*Port {
	var ports []*Port
	seen := make(map[*Port]bool)
	for _, alt := range all {
		if alt.port != nil && !seen[alt.port] {
			seen[alt.port] = true
			ports = append(ports, alt.port)
		}
	}
	return ports
}

// matchSystemEvent decides whether a queued event satisfies a branch
// template. any-done and any-killed wildcards accept the individual event
// of any component.
func matchSystemEvent(tmpl *systemEvent, ev systemEvent) bool {
	switch tmpl.kind {
	case eventAnyDone:
		return ev.kind == eventDone
	case eventAnyKilled:
		return ev.kind == eventKilled
	case eventTimeout:
		return ev.kind == eventTimeout && ev.timer == tmpl.timer
	case eventDone, eventKilled, eventStopTC, eventKillTC:
		return ev.kind == tmpl.kind && ev.tc == tmpl.tc
	default:
		return ev.kind == tmpl.kind
	}
}

func logBranchSelected(env *environment, ev systemEvent) {
	switch ev.kind {
	case eventTimeout:
		env.tl.TimeoutBranch(ev.timer.name)
	case eventDone, eventAllDone:
		env.tl.DoneBranch(eventTCName(ev))
	case eventKilled, eventAllKilled:
		env.tl.KilledBranch(eventTCName(ev))
	}
}

func eventTCName(ev systemEvent) string {
	if ev.tc != nil {
		return ev.tc.name
	}
	return "*"
}
