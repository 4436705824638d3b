package cancellation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlag_Cancel(t *testing.T) {
	flag := NewFlag()
	assert.False(t, flag.Cancelled())

	select {
	case <-flag.Done():
		t.Fatal("done channel closed before cancel")
	default:
	}

	flag.Cancel()
	assert.True(t, flag.Cancelled())

	select {
	case <-flag.Done():
	default:
		t.Fatal("done channel still open after cancel")
	}
}

func TestFlag_CancelIsIdempotent(t *testing.T) {
	flag := NewFlag()
	flag.Cancel()
	flag.Cancel()
	assert.True(t, flag.Cancelled())
}

func TestFlag_ConcurrentCancel(t *testing.T) {
	flag := NewFlag()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flag.Cancel()
		}()
	}
	wg.Wait()
	assert.True(t, flag.Cancelled())
}
