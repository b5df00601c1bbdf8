// Package mock provides a manually advanced [clock.Clock] for tests.
//
// Timer channels are unbuffered: [Clock.Advance] hands each firing directly to
// a receiver, so by the time Advance returns every due timer has either been
// received or was stopped while its firing was in flight. Firings are
// delivered in deadline order; timers with equal deadlines fire in creation
// order.
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/intervoice/internal/clock"
)

var _ clock.Clock = (*Clock)(nil)

// Clock is a fake clock starting at a fixed instant.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

// New returns a Clock set to 2024-01-01T00:00:00Z.
func New() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) NewTimer(d time.Duration) clock.Timer {
	return c.add(d, 0)
}

func (c *Clock) NewTicker(d time.Duration) clock.Ticker {
	if d <= 0 {
		panic("mock: non-positive ticker interval")
	}
	return &ticker{c.add(d, d)}
}

func (c *Clock) add(d, period time.Duration) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{
		clock:    c,
		ch:       make(chan time.Time),
		deadline: c.now.Add(d),
		period:   period,
		active:   true,
		abandon:  make(chan struct{}),
	}
	c.waiters = append(c.waiters, w)
	return w
}

// Advance moves the clock forward by d, firing every timer that falls due on
// the way. It returns the number of firings a receiver accepted.
func (c *Clock) Advance(d time.Duration) int {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	delivered := 0
	for {
		c.mu.Lock()
		w := c.nextLocked(target)
		if w == nil {
			c.now = target
			c.mu.Unlock()
			return delivered
		}
		c.now = w.deadline
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
		} else {
			w.active = false
		}
		ch, abandon, now := w.ch, w.abandon, c.now
		c.mu.Unlock()

		select {
		case ch <- now:
			delivered++
		case <-abandon:
		}
	}
}

// nextLocked returns the active waiter with the earliest deadline not after
// target, preferring the oldest on ties.
func (c *Clock) nextLocked(target time.Time) *waiter {
	var next *waiter
	for _, w := range c.waiters {
		if !w.active || w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) {
			next = w
		}
	}
	return next
}

// Active returns the number of timers and tickers that are still armed.
func (c *Clock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if w.active {
			n++
		}
	}
	return n
}

type waiter struct {
	clock    *Clock
	ch       chan time.Time
	deadline time.Time
	period   time.Duration
	active   bool
	abandon  chan struct{} // closed by Stop and Reset to cancel an in-flight firing
}

func (w *waiter) C() <-chan time.Time { return w.ch }

func (w *waiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	was := w.active
	w.active = false
	w.abandonLocked()
	return was
}

func (w *waiter) Reset(d time.Duration) bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	was := w.active
	w.active = true
	w.deadline = w.clock.now.Add(d)
	if w.period > 0 {
		w.period = d
	}
	w.abandonLocked()
	return was
}

func (w *waiter) abandonLocked() {
	close(w.abandon)
	w.abandon = make(chan struct{})
}

type ticker struct{ w *waiter }

func (t *ticker) C() <-chan time.Time   { return t.w.C() }
func (t *ticker) Stop()                 { t.w.Stop() }
func (t *ticker) Reset(d time.Duration) { t.w.Reset(d) }
