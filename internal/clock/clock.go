package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the store and the scheduler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manual is a Clock that only moves when Advance or Set is called. Timer
// callbacks run synchronously on the goroutine that advances the clock.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	clock   *Manual
	at      time.Time
	seq     uint64
	f       func()
	stopped bool
	fired   bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{clock: m, at: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Pending reports how many timers are armed and not yet fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			count++
		}
	}
	return count
}

// NextDeadline returns the earliest armed timer deadline.
func (m *Manual) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		next  time.Time
		found bool
	)
	for _, t := range m.timers {
		if t.stopped || t.fired {
			continue
		}
		if !found || t.at.Before(next) {
			next = t.at
			found = true
		}
	}
	return next, found
}

// Advance moves the clock forward, firing every timer that becomes due in
// deadline order. Timers armed by callbacks are fired too if they fall inside
// the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.advanceTo(target)
}

func (m *Manual) Set(t time.Time) {
	m.advanceTo(t.UTC())
}

func (m *Manual) advanceTo(target time.Time) {
	for {
		m.mu.Lock()
		due := m.nextDueLocked(target)
		if due == nil {
			if target.After(m.now) {
				m.now = target
			}
			m.compactLocked()
			m.mu.Unlock()
			return
		}
		if due.at.After(m.now) {
			m.now = due.at
		}
		due.fired = true
		f := due.f
		m.mu.Unlock()
		f()
	}
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	candidates := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if t.stopped || t.fired || t.at.After(target) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].seq < candidates[j].seq
		}
		return candidates[i].at.Before(candidates[j].at)
	})
	return candidates[0]
}

func (m *Manual) compactLocked() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
