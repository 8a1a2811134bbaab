package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkflow/chunkflow/models"
)

type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// countingFactory tracks how many connections were dialed.
func countingFactory(dials *atomic.Int32) Factory {
	return func(ctx context.Context) (Conn, error) {
		dials.Add(1)
		return &fakeConn{}, nil
	}
}

func TestAcquireReleaseInvariant(t *testing.T) {
	var dials atomic.Int32
	p := New(Config{MaxConnections: 2}, countingFactory(&dials))
	defer p.Close()

	h1, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	s := p.Stats()
	assert.Equal(t, 2, s.InUse)
	assert.Equal(t, 0, s.Idle)
	assert.Equal(t, 2, s.TotalCreated)

	p.Release(h1)
	p.Release(h2)

	s = p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 2, s.Idle)
	assert.Equal(t, 2, s.TotalCreated)
	assert.Equal(t, int32(2), dials.Load())
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	var dials atomic.Int32
	p := New(Config{MaxConnections: 4}, countingFactory(&dials))
	defer p.Close()

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(h)

	h2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(h2)

	assert.Equal(t, int32(1), dials.Load(), "idle handle should be reused, not redialed")
	assert.Same(t, h, h2)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	var dials atomic.Int32
	p := New(Config{MaxConnections: 1}, countingFactory(&dials))
	defer p.Close()

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer p.Release(h)

	start := time.Now()
	_, err = p.Acquire(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, models.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int32(1), dials.Load(), "no connection beyond the bound")
}

func TestWaitersServedFIFO(t *testing.T) {
	var dials atomic.Int32
	p := New(Config{MaxConnections: 1}, countingFactory(&dials))
	defer p.Close()

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := p.Acquire(context.Background(), 5*time.Second)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			p.Release(got)
		}(i)
		// Stagger so the waiter queue order is deterministic.
		time.Sleep(30 * time.Millisecond)
	}

	p.Release(h)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestAcquireAfterClose(t *testing.T) {
	p := New(Config{MaxConnections: 1}, countingFactory(new(atomic.Int32)))
	p.Close()

	_, err := p.Acquire(context.Background(), time.Second)
	assert.ErrorIs(t, err, models.ErrPoolClosed)
}

func TestCloseFailsPendingWaiters(t *testing.T) {
	p := New(Config{MaxConnections: 1}, countingFactory(new(atomic.Int32)))

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), 5*time.Second)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	p.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, models.ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}

	// Releasing after close closes the connection instead of pooling it.
	conn := h.Conn().(*fakeConn)
	p.Release(h)
	assert.True(t, conn.closed.Load())
}

func TestWithConnReleasesOnError(t *testing.T) {
	p := New(Config{MaxConnections: 1}, countingFactory(new(atomic.Int32)))
	defer p.Close()

	err := p.WithConn(context.Background(), func(Conn) error {
		return models.Transient("boom")
	})
	require.Error(t, err)

	s := p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 1, s.Idle)
}

func TestDiscardFreesCapacity(t *testing.T) {
	var dials atomic.Int32
	p := New(Config{MaxConnections: 1}, countingFactory(&dials))
	defer p.Close()

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	broken := h.Conn().(*fakeConn)
	p.Discard(h)
	assert.True(t, broken.closed.Load())

	h2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(h2)
	assert.Equal(t, int32(2), dials.Load(), "discard should force a fresh dial")
}

func TestIdleEviction(t *testing.T) {
	var dials atomic.Int32
	p := New(Config{
		MaxConnections: 2,
		IdleTimeout:    30 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	}, countingFactory(&dials))
	defer p.Close()

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	conn := h.Conn().(*fakeConn)
	p.Release(h)

	require.Eventually(t, func() bool {
		return p.Stats().Idle == 0
	}, time.Second, 10*time.Millisecond, "idle handle should be evicted")
	assert.True(t, conn.closed.Load())
	assert.Equal(t, 0, p.Stats().TotalCreated)

	// Next acquire dials fresh.
	h2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(h2)
	assert.Equal(t, int32(2), dials.Load())
}

func TestConcurrentAcquireNeverOvershoots(t *testing.T) {
	var dials atomic.Int32
	var inUse, maxInUse atomic.Int32
	p := New(Config{MaxConnections: 3}, countingFactory(&dials))
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.WithConn(context.Background(), func(Conn) error {
				cur := inUse.Add(1)
				for {
					prev := maxInUse.Load()
					if cur <= prev || maxInUse.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inUse.Add(-1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxInUse.Load(), int32(3))
	assert.LessOrEqual(t, dials.Load(), int32(3))
}
