package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// outcome pairs a per-key value with the error that produced it, so one
// failed fetch never poisons the batch.
type outcome[V any] struct {
	value V
	err   error
}

// gather runs fn once per key with at most limit concurrent calls and
// returns every key's result or error. Failures are isolated per key; the
// batch itself only stops early when ctx is cancelled.
func gather[K comparable, V any](ctx context.Context, keys []K, limit int, fn func(context.Context, K) (V, error)) map[K]outcome[V] {
	results := make(map[K]outcome[V], len(keys))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				results[key] = outcome[V]{err: err}
				mu.Unlock()
				return nil
			}
			v, err := fn(ctx, key)
			mu.Lock()
			results[key] = outcome[V]{value: v, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // tasks never return errors; Wait only synchronizes
	return results
}
