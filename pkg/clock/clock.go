// Package clock abstracts time so that retry waits, poll intervals and
// deadlines can be driven deterministically in tests.
//
// Production code receives Real(). Tests use Fake(), which either stands
// still until Advance is called or, when created with AutoAdvance, jumps
// forward by exactly the requested duration whenever something waits.
package clock

import (
	"context"
	"time"
)

// Clock is the subset of the time package used by the control layer.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)

	// NewTicker returns a Ticker delivering ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// WithDeadline returns a copy of parent that is done once the clock
	// reaches d. Err then reports context.DeadlineExceeded.
	WithDeadline(parent context.Context, d time.Time) (context.Context, context.CancelFunc)
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks are
// dropped if the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }

// Since returns the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
