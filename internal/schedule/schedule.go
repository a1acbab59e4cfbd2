// Package schedule provides the cancellable delayed-task abstraction the
// poller uses instead of a self-rescheduling timer chain.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Handle cancels a scheduled task. Stop reports whether the call prevented the
// task from running.
type Handle interface {
	Stop() bool
}

// Scheduler runs fn once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Handle
}

// Clock schedules on real timers.
type Clock struct{}

func (Clock) AfterFunc(d time.Duration, fn func()) Handle {
	return time.AfterFunc(d, fn)
}

// Manual is a deterministic Scheduler driven explicitly by tests. Tasks run
// on the goroutine that calls Advance or FireNext.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	tasks  []*manualTask
	delays []time.Duration
}

type manualTask struct {
	m       *Manual
	due     time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTask) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewManual returns an empty manual scheduler at time zero.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{m: m, due: m.now + d, seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, t)
	m.delays = append(m.delays, d)
	return t
}

// Delays returns every delay requested so far, in order.
func (m *Manual) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delays...)
}

// Pending returns the number of tasks that are neither stopped nor fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// FireNext moves time to the earliest pending task and runs it. It returns
// false when nothing is pending.
func (m *Manual) FireNext() bool {
	m.mu.Lock()
	t := m.nextLocked()
	if t == nil {
		m.mu.Unlock()
		return false
	}
	if t.due > m.now {
		m.now = t.due
	}
	t.fired = true
	m.mu.Unlock()
	t.fn()
	return true
}

// Advance moves time forward by d and runs every task that becomes due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()
	for {
		m.mu.Lock()
		t := m.nextLocked()
		if t == nil || t.due > target {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = t.due
		t.fired = true
		m.mu.Unlock()
		t.fn()
	}
}

func (m *Manual) nextLocked() *manualTask {
	live := m.tasks[:0]
	for _, t := range m.tasks {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.tasks = live
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].due == live[j].due {
			return live[i].seq < live[j].seq
		}
		return live[i].due < live[j].due
	})
	return live[0]
}
