package alarm

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func waitForCount(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("counter never reached %d, got %d", want, counter.Load())
}

func TestAlarm_FiresOnce(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32

	New(mock, func() { fired.Add(1) }, time.Second)
	assert.Equal(t, int32(0), fired.Load())

	mock.Add(time.Second)
	waitForCount(t, &fired, 1)

	mock.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestAlarm_CancelBeforeFiring(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32

	a := New(mock, func() { fired.Add(1) }, time.Second)
	assert.True(t, a.Cancel())
	assert.False(t, a.Cancel())

	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestAlarm_CancelAfterFiring(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32

	a := New(mock, func() { fired.Add(1) }, time.Second)
	mock.Add(time.Second)
	waitForCount(t, &fired, 1)

	assert.False(t, a.Cancel())
}

func TestRecurringAlarm_RearmsUntilCancelled(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32

	a := NewRecurring(mock, func() { fired.Add(1) }, time.Second)

	mock.Add(time.Second)
	waitForCount(t, &fired, 1)
	mock.Add(time.Second)
	waitForCount(t, &fired, 2)
	mock.Add(time.Second)
	waitForCount(t, &fired, 3)

	assert.True(t, a.Cancel())
	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(3), fired.Load())
}
