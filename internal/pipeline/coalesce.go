package pipeline

import (
	"context"
	"sync"
)

// coalescer deduplicates concurrent builds of the same key. A full catalog
// traversal is around a hundred rate-limited page fetches, so two callers
// missing the cache at the same time must share one traversal instead of
// doubling the load on the open-data API.
type coalescer[V any] struct {
	mu       sync.Mutex
	inflight map[string]*flight[V]
}

type flight[V any] struct {
	done  chan struct{}
	value V
	err   error
}

func newCoalescer[V any]() *coalescer[V] {
	return &coalescer[V]{inflight: make(map[string]*flight[V])}
}

// Do runs fn for key, or waits for an already-running fn with the same key
// and returns its result. A waiter whose context dies stops waiting; the
// running build is not cancelled on its behalf.
func (c *coalescer[V]) Do(ctx context.Context, key string, fn func() (V, error)) (V, error) {
	c.mu.Lock()
	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.value, f.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	f := &flight[V]{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	f.value, f.err = fn()

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(f.done)

	return f.value, f.err
}
