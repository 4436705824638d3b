// Package cancellation provides the polled cancellation flag threaded
// through blocking connect calls. BLE connect APIs are poll or callback
// based, so cancellation is cooperative: the operation checks the flag at
// its own poll points rather than being interrupted.
package cancellation

import "sync"

// Flag is a one-way cancellation signal. The zero value is not usable; use
// NewFlag.
type Flag struct {
	once sync.Once
	done chan struct{}
}

// NewFlag returns an uncancelled flag.
func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Cancel marks the flag. Idempotent.
func (f *Flag) Cancel() {
	f.once.Do(func() { close(f.done) })
}

// Cancelled reports whether Cancel was called.
func (f *Flag) Cancelled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation, for use in select loops.
func (f *Flag) Done() <-chan struct{} { return f.done }
