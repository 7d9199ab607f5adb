package ttcn3

import (
	"fmt"
	"sync"
	"time"
)

// Timer is a testcase timer. Expiry posts a timeout event to the system
// queue, where it stays until the timer is restarted, so every alt run
// after the expiry still observes it.
type Timer struct {
	name  string
	owner *Component

	mu        sync.Mutex
	duration  time.Duration // default applied by Start without argument
	running   bool
	startedAt time.Time
	gen       uint64 // invalidates callbacks of earlier starts
	pending   *time.Timer
}

// NewTimer creates a timer with a default duration and a generated name.
func (c *Component) NewTimer(duration time.Duration) *Timer {
	return c.NewNamedTimer(fmt.Sprintf("timer_%d", c.testcase.nextTimerID()), duration)
}

// NewNamedTimer creates a timer with a default duration and an explicit
// name, which shows up in timer log events.
func (c *Component) NewNamedTimer(name string, duration time.Duration) *Timer {
	t := &Timer{name: name, owner: c, duration: duration}
	c.testcase.registerTimer(t)
	return t
}

// Name returns the timer name.
func (t *Timer) Name() string { return t.name }

// Start arms the timer, with an explicit duration or the default one. A
// start cancels any pending expiry and removes a stale timeout event of
// this timer from the system queue, atomically from the point of view of
// concurrent alts.
func (t *Timer) Start(duration ...time.Duration) {
	t.mu.Lock()
	d := t.duration
	if len(duration) > 0 {
		d = duration[0]
	}
	if d < 0 {
		t.mu.Unlock()
		raiseRuntimeError("timer %s started without a valid duration", t.name)
	}
	if t.pending != nil {
		t.pending.Stop()
	}
	t.gen++
	gen := t.gen
	t.running = true
	t.startedAt = time.Now()
	queue := t.owner.testcase.queue
	queue.Remove(systemEvent{kind: eventTimeout, timer: t}, systemSender)
	t.pending = time.AfterFunc(d, func() { t.expire(gen) })
	t.mu.Unlock()

	t.owner.env().tl.TimerStarted(t.name, t.owner.name, d)
}

func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.pending = nil
	t.mu.Unlock()

	t.owner.env().tl.TimerExpiry(t.name, t.owner.name)
	t.owner.testcase.queue.Post(systemEvent{kind: eventTimeout, timer: t}, systemSender)
}

// Stop disarms a running timer. Stopping an inactive timer is a no-op.
func (t *Timer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	elapsed := time.Since(t.startedAt)
	t.mu.Unlock()

	t.owner.env().tl.TimerStopped(t.name, t.owner.name, elapsed)
}

// Running reports whether the timer is armed.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Read returns the elapsed running time, or 0 for an inactive timer.
func (t *Timer) Read() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return 0
	}
	return time.Since(t.startedAt)
}

// Timeout returns an alt branch selected when this timer has expired.
func (t *Timer) Timeout() *Alternative {
	return &Alternative{sys: &systemEvent{kind: eventTimeout, timer: t}}
}

// AwaitTimeout blocks until the timer expires. Equivalent to an alt with a
// single timeout branch.
func (t *Timer) AwaitTimeout() {
	t.owner.Alt(t.Timeout())
}
