package host

import (
	"sort"
	"sync"
	"time"
)

// Scheduler posts one-shot callbacks and tells the time.
type Scheduler interface {
	Now() time.Time
	// CallAt runs fn at or after at. The returned func cancels it.
	CallAt(at time.Time, fn func()) (cancel func())
}

// RealScheduler uses wall-clock timers.
type RealScheduler struct{}

func (RealScheduler) Now() time.Time { return time.Now() }

func (RealScheduler) CallAt(at time.Time, fn func()) func() {
	t := time.AfterFunc(time.Until(at), fn)
	return func() { t.Stop() }
}

// ManualScheduler runs callbacks only when Advance moves its clock past them.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]manualTimer
}

type manualTimer struct {
	at time.Time
	fn func()
}

func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start, timers: make(map[int]manualTimer)}
}

func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *ManualScheduler) CallAt(at time.Time, fn func()) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.timers[id] = manualTimer{at: at, fn: fn}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()
	}
}

// Pending counts armed timers.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock by d and fires due callbacks in time order.
// Callbacks run without the scheduler lock and may arm new timers.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		id, t, ok := m.nextDue(target)
		if !ok {
			m.now = target
			m.mu.Unlock()
			return
		}
		delete(m.timers, id)
		if t.at.After(m.now) {
			m.now = t.at
		}
		m.mu.Unlock()
		t.fn()
	}
}

func (m *ManualScheduler) nextDue(limit time.Time) (int, manualTimer, bool) {
	ids := make([]int, 0, len(m.timers))
	for id, t := range m.timers {
		if !t.at.After(limit) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, manualTimer{}, false
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.timers[ids[i]], m.timers[ids[j]]
		if a.at.Equal(b.at) {
			return ids[i] < ids[j]
		}
		return a.at.Before(b.at)
	})
	return ids[0], m.timers[ids[0]], true
}
