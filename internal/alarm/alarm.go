// Package alarm provides cancelable delayed execution on a mockable clock.
package alarm

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Alarm runs a function after a delay on its own goroutine. A recurring
// alarm rearms itself after every firing until canceled.
type Alarm struct {
	clk       clock.Clock
	fn        func()
	delay     time.Duration
	recurring bool

	mu       sync.Mutex
	timer    *clock.Timer
	canceled bool
}

// New schedules fn to run once after delay.
func New(clk clock.Clock, fn func(), delay time.Duration) *Alarm {
	return schedule(clk, fn, delay, false)
}

// NewRecurring schedules fn to run every delay until canceled.
func NewRecurring(clk clock.Clock, fn func(), delay time.Duration) *Alarm {
	return schedule(clk, fn, delay, true)
}

func schedule(clk clock.Clock, fn func(), delay time.Duration, recurring bool) *Alarm {
	if clk == nil {
		clk = clock.New()
	}
	a := &Alarm{clk: clk, fn: fn, delay: delay, recurring: recurring}
	a.timer = clk.AfterFunc(delay, a.fire)
	return a
}

func (a *Alarm) fire() {
	a.mu.Lock()
	if a.canceled {
		a.mu.Unlock()
		return
	}
	if a.recurring {
		a.timer = a.clk.AfterFunc(a.delay, a.fire)
	}
	a.mu.Unlock()

	a.fn()
}

// Cancel stops the alarm. It reports false if the alarm already fired (and
// is not recurring) or was already canceled. A firing in flight may still
// complete; Cancel does not wait for it.
func (a *Alarm) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.canceled {
		return false
	}
	a.canceled = true
	return a.timer.Stop() || a.recurring
}
