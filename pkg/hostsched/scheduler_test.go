package hostsched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadhost/testbridge/pkg/hostloop"
)

func newTestScheduler(t *testing.T, poolSize int) (*hostloop.Loop, *Scheduler) {
	t.Helper()
	loop := hostloop.New()
	loop.Start()
	t.Cleanup(func() { loop.Stop(context.Background()) })

	s, err := New(loop, poolSize)
	require.NoError(t, err)
	return loop, s
}

// TestScheduler_SubmitReturnsResult transfers a value through the future
func TestScheduler_SubmitReturnsResult(t *testing.T) {
	_, s := newTestScheduler(t, 2)

	fut, err := s.Submit(func() (any, error) { return 42, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

// TestScheduler_SubmitSurfacesError transfers a work error into the future
func TestScheduler_SubmitSurfacesError(t *testing.T) {
	_, s := newTestScheduler(t, 2)

	boom := errors.New("document locked")
	fut, err := s.Submit(func() (any, error) { return nil, boom })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, boom)
}

// TestScheduler_PanicBecomesFailedFuture contains panics inside host work
func TestScheduler_PanicBecomesFailedFuture(t *testing.T) {
	_, s := newTestScheduler(t, 2)

	fut, err := s.Submit(func() (any, error) { panic("host object gone") })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host object gone")

	// The loop survived; the slot was returned.
	fut, err = s.Submit(func() (any, error) { return "alive", nil })
	require.NoError(t, err)
	val, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alive", val)
}

// TestScheduler_PoolExhaustionIsRetriable fills the pool and retries
func TestScheduler_PoolExhaustionIsRetriable(t *testing.T) {
	_, s := newTestScheduler(t, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	fut, err := s.Submit(func() (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	// Single slot is occupied.
	_, err = s.Submit(func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrPoolExhausted)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	require.NoError(t, err)

	// Retry succeeds once the slot is back.
	assert.Eventually(t, func() bool {
		fut, err := s.Submit(func() (any, error) { return nil, nil })
		if err != nil {
			return false
		}
		_, err = fut.Wait(ctx)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

// TestScheduler_ConcurrentSubmitters hammers the pool from many goroutines
func TestScheduler_ConcurrentSubmitters(t *testing.T) {
	_, s := newTestScheduler(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				fut, err := s.Submit(func() (any, error) { return nil, nil })
				if errors.Is(err, ErrPoolExhausted) {
					time.Sleep(time.Millisecond)
					continue
				}
				require.NoError(t, err)
				_, err = fut.Wait(ctx)
				require.NoError(t, err)
				mu.Lock()
				completed++
				mu.Unlock()
				return
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 16, completed)
}
