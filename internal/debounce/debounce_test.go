package debounce

import (
	"sync"
	"testing"
	"time"
)

// manualTimers collects scheduled callbacks and fires them on demand.
type manualTimers struct {
	mu    sync.Mutex
	fires []*manualTimer
}

type manualTimer struct {
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

func (m *manualTimers) factory(_ time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{fn: fn}
	m.fires = append(m.fires, t)
	return t
}

// fireAll invokes every scheduled callback, stopped or not: a real
// time.AfterFunc can fire concurrently with Stop, and the debouncer's
// generation check must absorb that.
func (m *manualTimers) fireAll() {
	m.mu.Lock()
	fires := m.fires
	m.fires = nil
	m.mu.Unlock()
	for _, t := range fires {
		t.fn()
	}
}

func TestLatestCallbackWins(t *testing.T) {
	timers := new(manualTimers)
	d := New(time.Second, timers.factory)

	var got []string
	d.Schedule("s1", func() { got = append(got, "first") })
	d.Schedule("s1", func() { got = append(got, "second") })
	timers.fireAll()

	if len(got) != 1 || got[0] != "second" {
		t.Fatalf("executed %v, want only the latest", got)
	}
	if d.Pending("s1") {
		t.Fatalf("entry survived its own fire")
	}
}

func TestCancelPreventsExecution(t *testing.T) {
	timers := new(manualTimers)
	d := New(time.Second, timers.factory)

	ran := false
	d.Schedule("s1", func() { ran = true })
	d.Cancel("s1")
	timers.fireAll()

	if ran {
		t.Fatalf("cancelled callback executed")
	}
}

func TestIndependentIDsDoNotInterfere(t *testing.T) {
	timers := new(manualTimers)
	d := New(time.Second, timers.factory)

	var got []string
	d.Schedule("s1", func() { got = append(got, "s1") })
	d.Schedule("s2", func() { got = append(got, "s2") })
	d.Cancel("s1")
	timers.fireAll()

	if len(got) != 1 || got[0] != "s2" {
		t.Fatalf("executed %v, want only s2", got)
	}
}

func TestStaleTimerLosesRace(t *testing.T) {
	timers := new(manualTimers)
	d := New(time.Second, timers.factory)

	var got []string
	d.Schedule("s1", func() { got = append(got, "old") })
	old := timers.fires[0]
	d.Schedule("s1", func() { got = append(got, "new") })

	// The superseded timer fires anyway, as a concurrent time.AfterFunc may.
	old.fn()
	timers.fireAll()

	if len(got) != 1 || got[0] != "new" {
		t.Fatalf("executed %v, want only the replacement", got)
	}
}

func TestCloseDropsEverything(t *testing.T) {
	timers := new(manualTimers)
	d := New(time.Second, timers.factory)

	ran := false
	d.Schedule("s1", func() { ran = true })
	d.Close()
	timers.fireAll()
	d.Schedule("s2", func() { ran = true })
	timers.fireAll()

	if ran {
		t.Fatalf("callback ran after close")
	}
}

func TestRealTimerFires(t *testing.T) {
	d := New(5*time.Millisecond, nil)
	defer d.Close()

	done := make(chan struct{})
	d.Schedule("s1", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("debounced callback never fired")
	}
}
