package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTTL is how long aggregated tree data stays fresh. The catalog
// changes on the city's schedule, not ours; a day is plenty.
const DefaultTTL = 24 * time.Hour

// Backend stores opaque JSON payloads with a fixed per-backend TTL.
// Get returns ok=false on miss or expiry; expired entries are deleted lazily
// on read. Set errors (e.g. storage quota) are returned for the caller to
// ignore; a failed cache write never fails the operation that produced the
// value.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Get fetches and decodes a cached value of type T.
func Get[T any](ctx context.Context, b Backend, key string) (T, bool, error) {
	var zero T
	raw, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		// A corrupt entry is treated as a miss so it gets rewritten.
		_ = b.Delete(ctx, key)
		return zero, false, nil
	}
	return v, true, nil
}

// Set encodes and stores a value of type T.
func Set[T any](ctx context.Context, b Backend, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return b.Set(ctx, key, raw)
}

// InMemory implements Backend using a mutex-guarded map. Entries expire TTL
// after they were written and are removed on the first read that finds them
// expired. No eviction beyond TTL; key count is unbounded.
type InMemory struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu   sync.Mutex
	data map[string]memoryEntry
}

type memoryEntry struct {
	raw      []byte
	storedAt time.Time
}

// NewInMemory creates an in-memory backend with the given TTL (DefaultTTL if
// zero or negative).
func NewInMemory(ttl time.Duration) *InMemory {
	return NewInMemoryWithClock(ttl, clockwork.NewRealClock())
}

// NewInMemoryWithClock is NewInMemory with an injectable clock for tests.
func NewInMemoryWithClock(ttl time.Duration, clock clockwork.Clock) *InMemory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InMemory{
		ttl:   ttl,
		clock: clock,
		data:  make(map[string]memoryEntry),
	}
}

func (c *InMemory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if c.clock.Since(entry.storedAt) > c.ttl {
		delete(c.data, key)
		return nil, false, nil
	}
	return entry.raw, true, nil
}

func (c *InMemory) Set(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = memoryEntry{raw: value, storedAt: c.clock.Now()}
	return nil
}

func (c *InMemory) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Clear removes every entry.
func (c *InMemory) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]memoryEntry)
	return nil
}
