package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock for tests. It is safe for
// concurrent use.
//
// In manual mode time moves only when Advance is called, and waiters
// block until the clock passes their deadline. In auto-advance mode
// every After or Sleep moves the clock forward by the requested
// duration before returning, so code that waits sees exactly the
// elapsed time it asked for without a driving goroutine.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	auto           bool
	waiters        []*fakeWaiter
	waitersChanged *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool

	// expire replaces the channel send for context deadlines.
	expire func()
}

// Fake returns a manual FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.waitersChanged = sync.NewCond(&c.mu)
	return c
}

// AutoAdvance returns a FakeClock set to initial that advances itself
// whenever a caller waits.
func AutoAdvance(initial time.Time) *FakeClock {
	c := Fake(initial)
	c.auto = true
	return c
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once d has elapsed on the fake
// clock.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	if c.auto {
		c.advanceLocked(d)
		ch <- c.current
		return ch
	}

	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  ch,
	})
	c.waitersChanged.Broadcast()
	return ch
}

// Sleep blocks until the fake clock has advanced by d.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// NewTicker returns a Ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  ch,
		interval: d,
	}
	c.waiters = append(c.waiters, w)
	c.waitersChanged.Broadcast()

	return &Ticker{
		C: ch,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has been reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked(d)
}

func (c *FakeClock) advanceLocked(d time.Duration) {
	target := c.current.Add(d)

	for {
		sort.SliceStable(c.waiters, func(i, j int) bool {
			return c.waiters[i].deadline.Before(c.waiters[j].deadline)
		})

		var next *fakeWaiter
		for _, w := range c.waiters {
			if w.stopped || w.fired {
				continue
			}
			if !w.deadline.After(target) {
				next = w
			}
			break
		}
		if next == nil {
			break
		}

		c.current = next.deadline
		if next.expire != nil {
			next.expire()
		} else {
			select {
			case next.channel <- c.current:
			default:
			}
		}
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.fired = true
		}
		c.compactLocked()
	}

	c.current = target
	c.compactLocked()
}

func (c *FakeClock) compactLocked() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	c.waiters = live
}

// timersLocked counts pending timers and tickers. Context deadlines are
// not counted: nothing parks on them through the clock.
func (c *FakeClock) timersLocked() int {
	c.compactLocked()
	n := 0
	for _, w := range c.waiters {
		if w.expire == nil {
			n++
		}
	}
	return n
}

// PendingCount returns the number of timers and tickers waiting to fire.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timersLocked()
}

// WaitForTimers blocks until at least n waiters are pending. Use it in
// manual mode to make sure the code under test is parked on the clock
// before calling Advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.timersLocked() >= n {
			return
		}
		c.waitersChanged.Wait()
	}
}

// WithDeadline returns a context that expires when the fake clock
// reaches d. Its Deadline method reports the parent's deadline only,
// since fake time means nothing to code that measures wall time.
func (c *FakeClock) WithDeadline(parent context.Context, d time.Time) (context.Context, context.CancelFunc) {
	ctx := &fakeDeadlineContext{parent: parent, done: make(chan struct{})}
	stop := context.AfterFunc(parent, func() { ctx.finish(parent.Err()) })

	w := &fakeWaiter{
		deadline: d,
		expire:   func() { ctx.finish(context.DeadlineExceeded) },
	}
	c.mu.Lock()
	expired := !d.After(c.current)
	if !expired {
		c.waiters = append(c.waiters, w)
	}
	c.mu.Unlock()
	if expired {
		ctx.finish(context.DeadlineExceeded)
	}

	return ctx, func() {
		stop()
		c.mu.Lock()
		w.stopped = true
		c.mu.Unlock()
		ctx.finish(context.Canceled)
	}
}

type fakeDeadlineContext struct {
	parent context.Context
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (c *fakeDeadlineContext) Deadline() (time.Time, bool) { return c.parent.Deadline() }

func (c *fakeDeadlineContext) Done() <-chan struct{} { return c.done }

func (c *fakeDeadlineContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeDeadlineContext) Value(key any) any { return c.parent.Value(key) }

// finish records the first cause and closes done.
func (c *fakeDeadlineContext) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}
