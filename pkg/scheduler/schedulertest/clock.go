// Package schedulertest provides a manual [scheduler.Clock] for tests.
package schedulertest

import (
	"slices"
	"sync"
	"time"

	"github.com/hbtz-dev/neuro2024simulator/pkg/scheduler"
)

// Epoch is the start time of clocks created with a zero time.
var Epoch = time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)

// Clock is a [scheduler.Clock] that only moves when told to. Timers fire
// synchronously from [Clock.Advance], in deadline order, with Now set to
// each timer's deadline while it runs.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
	seq    uint64
}

var _ scheduler.Clock = (*Clock)(nil)

// NewClock returns a clock reading start, or [Epoch] when start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start}
}

// Now implements [scheduler.Clock].
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements [scheduler.Clock]. f never runs before the next
// Advance call, even for d <= 0.
func (c *Clock) AfterFunc(d time.Duration, f func()) scheduler.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{c: c, when: c.now.Add(d), f: f, seq: c.seq}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that falls due on
// the way. Timers armed by callbacks are honoured if they are due before
// the new time.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.nextDueLocked(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.removeLocked(t)
		if t.when.After(c.now) {
			c.now = t.when
		}
		c.mu.Unlock()
		t.f()
	}
}

// Pending returns the number of armed timers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// NextDeadline returns the earliest armed deadline.
func (c *Clock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return time.Time{}, false
	}
	return c.earliestLocked().when, true
}

func (c *Clock) earliestLocked() *timer {
	return slices.MinFunc(c.timers, func(a, b *timer) int {
		if cmp := a.when.Compare(b.when); cmp != 0 {
			return cmp
		}
		if a.seq < b.seq {
			return -1
		}
		return 1
	})
}

func (c *Clock) nextDueLocked(target time.Time) *timer {
	if len(c.timers) == 0 {
		return nil
	}
	t := c.earliestLocked()
	if t.when.After(target) {
		return nil
	}
	return t
}

func (c *Clock) removeLocked(t *timer) bool {
	i := slices.Index(c.timers, t)
	if i < 0 {
		return false
	}
	c.timers = slices.Delete(c.timers, i, i+1)
	return true
}

type timer struct {
	c    *Clock
	when time.Time
	f    func()
	seq  uint64
}

// Stop implements [scheduler.Timer].
func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.c.removeLocked(t)
}
