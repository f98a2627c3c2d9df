package clockfake

import (
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-manager/clock"
)

var _ clock.Clock = (*Clock)(nil)

// Clock is a manually advanced clock. Callbacks run synchronously inside Advance, in
// due order, on the caller's goroutine, with no internal lock held.
type Clock struct {
	lock   sync.Mutex
	now    time.Time
	seq    int
	timers map[int]*timer
}

type timer struct {
	clock *Clock
	id    int
	due   time.Time
	f     func()
}

func New(start time.Time) *Clock {
	return &Clock{now: start, timers: make(map[int]*timer)}
}

func (c *Clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.lock.Lock()
	defer c.lock.Unlock()

	if d < 0 {
		d = 0
	}
	c.seq++
	t := &timer{clock: c, id: c.seq, due: c.now.Add(d), f: f}
	c.timers[t.id] = t
	return t
}

// Advance moves the clock forward by d and runs every callback that falls due,
// including callbacks scheduled by other callbacks within the window.
func (c *Clock) Advance(d time.Duration) {
	c.lock.Lock()
	target := c.now.Add(d)
	c.lock.Unlock()

	for {
		c.lock.Lock()
		next := c.nextDue(target)
		if next == nil {
			c.now = target
			c.lock.Unlock()
			return
		}
		delete(c.timers, next.id)
		if next.due.After(c.now) {
			c.now = next.due
		}
		c.lock.Unlock()

		next.f()
	}
}

// Pending returns how many callbacks are scheduled and not yet run or stopped.
func (c *Clock) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.timers)
}

func (c *Clock) nextDue(target time.Time) *timer {
	due := make([]*timer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.due.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}

func (t *timer) Stop() bool {
	t.clock.lock.Lock()
	defer t.clock.lock.Unlock()

	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}
