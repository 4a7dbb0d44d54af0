// Package debounce coalesces bursts of per-entity change notifications into
// one callback after a quiet period.
package debounce

import (
	"sync"
	"time"

	"github.com/coachpo/strikewatch/internal/observability"
)

// Timer is the subset of time.Timer the debouncer needs; tests substitute a
// manual implementation.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules fn after d and returns a handle to cancel it.
type TimerFactory func(d time.Duration, fn func()) Timer

type stdTimer struct{ t *time.Timer }

func (s stdTimer) Stop() bool { return s.t.Stop() }

func stdFactory(d time.Duration, fn func()) Timer {
	return stdTimer{t: time.AfterFunc(d, fn)}
}

type entry struct {
	gen   uint64
	fn    func()
	timer Timer
}

// Debouncer runs at most one callback per id per quiet window. A reschedule
// replaces the pending callback and restarts the window; independent ids
// never wait on each other.
type Debouncer struct {
	window  time.Duration
	factory TimerFactory

	mu      sync.Mutex
	pending map[string]*entry
	closed  bool
}

// New builds a debouncer with the given quiet window. A nil factory uses
// time.AfterFunc.
func New(window time.Duration, factory TimerFactory) *Debouncer {
	if factory == nil {
		factory = stdFactory
	}
	d := new(Debouncer)
	d.window = window
	d.factory = factory
	d.pending = make(map[string]*entry)
	return d
}

// Schedule queues fn to run once the id has been quiet for the full window.
// The latest fn wins: earlier pending callbacks for the same id are dropped.
func (d *Debouncer) Schedule(id string, fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var gen uint64
	if prev, ok := d.pending[id]; ok {
		prev.timer.Stop()
		gen = prev.gen + 1
	}
	e := &entry{gen: gen, fn: fn}
	d.pending[id] = e
	e.timer = d.factory(d.window, func() { d.fire(id, gen) })
	d.mu.Unlock()
}

// Cancel drops the pending callback for id without running it.
func (d *Debouncer) Cancel(id string) {
	d.mu.Lock()
	if e, ok := d.pending[id]; ok {
		e.timer.Stop()
		delete(d.pending, id)
	}
	d.mu.Unlock()
}

// Close cancels every pending callback. The debouncer accepts no further
// work.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, id)
	}
	d.mu.Unlock()
}

// Pending reports whether a callback is queued for id.
func (d *Debouncer) Pending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

// fire runs on the timer goroutine. The generation check makes firing atomic
// with respect to Cancel and reschedules: a stale timer that lost the race
// exits without running anything.
func (d *Debouncer) fire(id string, gen uint64) {
	d.mu.Lock()
	e, ok := d.pending[id]
	if !ok || e.gen != gen || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	fn := e.fn
	d.mu.Unlock()

	observability.Telemetry().IncCounter(observability.MetricDebounceExecutions, 1, nil)
	fn()
}
