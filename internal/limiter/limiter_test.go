package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterNeverExceedsBound(t *testing.T) {
	t.Parallel()

	const bound = 4
	const calls = 64

	l := New(bound)
	var inflight, peak int32
	var wg sync.WaitGroup

	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func() error {
				cur := atomic.AddInt32(&inflight, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inflight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(bound))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
}

func TestLimiterReleasesSlotOnFailure(t *testing.T) {
	t.Parallel()

	l := New(1)
	boom := errors.New("boom")

	err := l.Do(context.Background(), func() error { return boom })
	require.ErrorIs(t, err, boom)

	// The failing call must have released its slot.
	done := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slot was not released after failure")
	}
}

func TestLimiterCancelledWhileQueued(t *testing.T) {
	t.Parallel()

	l := New(1)
	release := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func() error {
			<-release
			return nil
		})
	}()
	// Let the holder take the only slot.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Do(ctx, func() error {
		t.Error("fn must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}
