package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconpoint/engine/pkg/logger"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestPoolKeepsMinWorkersWarm(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 3, MaxWorkers: 5, IdleTimeout: 20 * time.Millisecond})

	assert.Eventually(t, func() bool {
		return p.Stats().Workers == 3
	}, time.Second, 10*time.Millisecond)

	// No work for several idle periods: the floor must hold.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, p.Stats().Workers)
}

func TestPoolConcurrencyNeverExceedsMax(t *testing.T) {
	const maxWorkers = 4
	p := newTestPool(t, Config{MinWorkers: 2, MaxWorkers: maxWorkers, IdleTimeout: time.Second})

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		err := p.Submit(Task{
			Run: func() error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				return nil
			},
			Done: func(error) { wg.Done() },
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(maxWorkers))
	assert.Positive(t, peak.Load())
}

func TestPoolFIFOOrder(t *testing.T) {
	// One worker total forces strictly serial execution in queue order.
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1, IdleTimeout: time.Second})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Occupy the worker so all later submissions queue up.
	gate := make(chan struct{})
	wg.Add(1)
	require.NoError(t, p.Submit(Task{
		Run:  func() error { <-gate; return nil },
		Done: func(error) { wg.Done() },
	}))

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, p.Submit(Task{
			Run: func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
			Done: func(error) { wg.Done() },
		}))
	}
	close(gate)
	wg.Wait()

	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v, "task %d ran out of order", i)
	}
}

func TestPoolSubmitDoesNotBlockWhenSaturated(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1, IdleTimeout: time.Second})

	gate := make(chan struct{})
	defer close(gate)
	require.NoError(t, p.Submit(Task{Run: func() error { <-gate; return nil }}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = p.Submit(Task{Run: func() error { return nil }})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a saturated pool")
	}
	assert.GreaterOrEqual(t, p.Stats().Queued, 1)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 2, IdleTimeout: time.Second})

	errCh := make(chan error, 1)
	require.NoError(t, p.Submit(Task{
		Run:  func() error { panic("tool exploded") },
		Done: func(err error) { errCh <- err },
	}))

	select {
	case err := <-errCh:
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Contains(t, pe.Error(), "tool exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("Done was never called after a panic")
	}

	// The pool must still execute work afterwards.
	ok := make(chan struct{})
	require.NoError(t, p.Submit(Task{Run: func() error { close(ok); return nil }}))
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("pool dead after panic")
	}
}

func TestPoolGrowsAndRetires(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 4, IdleTimeout: 30 * time.Millisecond})

	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(Task{
			Run:  func() error { <-gate; return nil },
			Done: func(error) { wg.Done() },
		}))
	}

	assert.Eventually(t, func() bool {
		return p.Stats().Workers == 4
	}, time.Second, 5*time.Millisecond, "pool should grow to max under load")

	close(gate)
	wg.Wait()

	assert.Eventually(t, func() bool {
		return p.Stats().Workers == 1
	}, 2*time.Second, 10*time.Millisecond, "idle workers above the floor should retire")
}

func TestPoolShutdown(t *testing.T) {
	p := New(Config{MinWorkers: 2, MaxWorkers: 2, IdleTimeout: time.Second}, logger.NewNop())

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(Task{
			Run:  func() error { ran.Add(1); return nil },
			Done: func(error) { wg.Done() },
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	wg.Wait()
	assert.Equal(t, int64(10), ran.Load(), "queued tasks drain before shutdown")

	err := p.Submit(Task{Run: func() error { return nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)
}
