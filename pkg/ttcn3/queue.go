package ttcn3

import "sync"

// System queue event kinds. Timer expiries and component lifecycle events
// are state: alt observes them without consuming, so that every later alt
// still sees the same picture. stop-tc and kill-tc are triggers: they are
// consumed by the alt that matches them.
const (
	eventTimeout   = "timeout"
	eventDone      = "done"
	eventKilled    = "killed"
	eventAllDone   = "all-done"
	eventAllKilled = "all-killed"
	eventStopTC    = "stop-tc"
	eventKillTC    = "kill-tc"
)

const systemSender = "system"

// systemEvent is one entry payload of the system queue. Timer and
// component references compare by identity, which is exactly the equality
// Remove and the alt matcher need.
type systemEvent struct {
	kind  string
	timer *Timer
	tc    *Component
}

func (e systemEvent) isTrigger() bool {
	return e.kind == eventStopTC || e.kind == eventKillTC
}

// queueItem is a posted event together with its sender and a sequence
// number that serves as the item's identity for Acknowledge.
type queueItem struct {
	seq    uint64
	event  systemEvent
	sender string
}

// SystemQueue is the ordered rendez-vous for timer expiries, component
// done/killed events and intra-test control triggers. One instance is
// shared by all components of a testcase; each component registers a
// coalescing notifier while it sits in an alt.
type SystemQueue struct {
	mu        sync.Mutex
	seq       uint64
	items     []queueItem
	notifiers map[*Component]*queueNotifier
}

type queueNotifier struct {
	ch   chan struct{}
	refs int
}

// NewSystemQueue returns an empty queue.
func NewSystemQueue() *SystemQueue {
	return &SystemQueue{notifiers: make(map[*Component]*queueNotifier)}
}

// Post appends an event and wakes every registered notifier.
func (q *SystemQueue) Post(event systemEvent, sender string) {
	q.mu.Lock()
	q.seq++
	q.items = append(q.items, queueItem{seq: q.seq, event: event, sender: sender})
	notifiers := make([]chan struct{}, 0, len(q.notifiers))
	for _, n := range q.notifiers {
		notifiers = append(notifiers, n.ch)
	}
	q.mu.Unlock()

	for _, ch := range notifiers {
		select {
		case ch <- struct{}{}:
		default:
			// Already signalled; one pending wake-up is enough.
		}
	}
}

// Remove drops at most one queued item equal to the given event and
// sender. Used to invalidate stale state, such as a pending timeout when
// its timer restarts.
func (q *SystemQueue) Remove(event systemEvent, sender string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.event == event && item.sender == sender {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Acknowledge consumes the item with the given sequence number, if still
// queued. Only trigger events are acknowledged; state events stay.
func (q *SystemQueue) Acknowledge(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.seq == seq {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the queued items in posting order.
func (q *SystemQueue) Snapshot() []queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queueItem, len(q.items))
	copy(out, q.items)
	return out
}

// Notifier registers (or re-registers) the component as a queue listener
// and returns its wake-up channel. Nested alts on the same component share
// one notifier through reference counting.
func (q *SystemQueue) Notifier(c *Component) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.notifiers[c]
	if !ok {
		n = &queueNotifier{ch: make(chan struct{}, 1)}
		q.notifiers[c] = n
	}
	n.refs++
	return n.ch
}

// ReleaseNotifier undoes one Notifier registration and removes the
// component's channel once the last reference is gone.
func (q *SystemQueue) ReleaseNotifier(c *Component) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.notifiers[c]
	if !ok {
		return
	}
	n.refs--
	if n.refs <= 0 {
		delete(q.notifiers, c)
	}
}
