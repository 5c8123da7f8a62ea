package syncx

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Memo caches values per key for a fixed TTL. Concurrent misses on the same
// key share one call to the loader.
type Memo[V any] struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]memoEntry[V]
}

type memoEntry[V any] struct {
	value   V
	expires time.Time
}

func NewMemo[V any](ttl time.Duration) *Memo[V] {
	return &Memo[V]{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]memoEntry[V]{},
	}
}

func (m *Memo[V]) Get(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := m.lookup(key); ok {
		return v, nil
	}
	ch := m.group.DoChan(key, func() (any, error) {
		if v, ok := m.lookup(key); ok {
			return v, nil
		}
		// The load outlives any single caller that gives up waiting.
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}
		m.mu.Lock()
		m.entries[key] = memoEntry[V]{value: v, expires: m.now().Add(m.ttl)}
		m.mu.Unlock()
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (m *Memo[V]) Invalidate(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	m.group.Forget(key)
}

func (m *Memo[V]) lookup(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if m.ttl > 0 && !m.now().Before(entry.expires) {
		delete(m.entries, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}
