package loop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic IdleScheduler driven by the caller. Time only
// moves through Advance, background work runs inline, and idle callbacks
// run whenever Drain empties the queue. Tests use it to step through
// debounced saves and staged restores.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*manualTimer
	queue  []func()
	idle   []func()
}

type manualTimer struct {
	at        time.Duration
	seq       int
	fn        func()
	cancelled bool
}

// NewManual returns a Manual at virtual time zero.
func NewManual() *Manual {
	return &Manual{}
}

// Now reports the virtual time elapsed.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After implements Scheduler.
func (m *Manual) After(d time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return func() {
		m.mu.Lock()
		t.cancelled = true
		m.mu.Unlock()
	}
}

// Post implements Scheduler.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

// Go implements Scheduler by running fn immediately.
func (m *Manual) Go(fn func()) {
	fn()
}

// Idle implements IdleScheduler. The timeout is ignored.
func (m *Manual) Idle(_ time.Duration, fn func()) {
	m.mu.Lock()
	m.idle = append(m.idle, fn)
	m.mu.Unlock()
}

// Pending reports the number of live timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// Drain runs queued work until the queue is empty, then runs idle
// callbacks, repeating until both are empty.
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			fn := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			fn()
			continue
		}
		if len(m.idle) > 0 {
			fn := m.idle[0]
			m.idle = m.idle[1:]
			m.mu.Unlock()
			fn()
			continue
		}
		m.mu.Unlock()
		return
	}
}

// Advance moves virtual time forward by d, firing due timers in order and
// draining after each.
func (m *Manual) Advance(d time.Duration) {
	m.Drain()
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.Slice(m.timers, func(i, j int) bool {
			if m.timers[i].at != m.timers[j].at {
				return m.timers[i].at < m.timers[j].at
			}
			return m.timers[i].seq < m.timers[j].seq
		})
		var next *manualTimer
		for len(m.timers) > 0 {
			t := m.timers[0]
			if t.cancelled {
				m.timers = m.timers[1:]
				continue
			}
			if t.at <= target {
				next = t
				m.timers = m.timers[1:]
			}
			break
		}
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.at
		m.mu.Unlock()

		next.fn()
		m.Drain()
	}
}

// WithoutIdle hides the Idle method so consumers fall back to timers.
func WithoutIdle(s Scheduler) Scheduler {
	return plain{s}
}

type plain struct{ s Scheduler }

func (p plain) After(d time.Duration, fn func()) func() { return p.s.After(d, fn) }
func (p plain) Post(fn func())                          { p.s.Post(fn) }
func (p plain) Go(fn func())                            { p.s.Go(fn) }
