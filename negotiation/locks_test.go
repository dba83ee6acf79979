package negotiation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThreadLocks_Serializes_Same_Key(t *testing.T) {
	req := require.New(t)
	locks := newThreadLocks()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.acquire("thread")
			defer release()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	req.Equal(int32(1), maxInside.Load())
	req.Zero(locks.size())
}

func TestThreadLocks_Independent_Keys(t *testing.T) {
	req := require.New(t)
	locks := newThreadLocks()

	// Given one thread held
	release := locks.acquire("a")

	// Then another thread is not blocked by it
	done := make(chan struct{})
	go func() {
		releaseB := locks.acquire("b")
		releaseB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("independent key was blocked")
	}
	release()
	req.Zero(locks.size())
}
