// Package cache is the in-memory projection of the ledger: the latest
// snapshot of every live entity, arranged as activity > iteration > block.
package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/agentworkforce/tablerelay/internal/ledger"
	"github.com/agentworkforce/tablerelay/internal/metrics"
	"github.com/agentworkforce/tablerelay/internal/model"
)

var ErrOrphan = errors.New("record has no parent")

type entry[T any] struct {
	value T
	rec   ledger.Record
}

type blockNode struct {
	block   entry[model.Block]
	urls    map[string]entry[model.BlobURL]
	extents map[string]entry[model.Extent]
	batches map[string]entry[model.IngestionBatch]
}

func (b *blockNode) clearChildren() {
	b.urls = map[string]entry[model.BlobURL]{}
	b.extents = map[string]entry[model.Extent]{}
	b.batches = map[string]entry[model.IngestionBatch]{}
}

type iterationNode struct {
	iteration entry[model.Iteration]
	tempTable *entry[model.TempTable]
	blocks    map[int64]*blockNode
}

type activityNode struct {
	activity   entry[model.Activity]
	iterations map[int64]*iterationNode
}

type Cache struct {
	mu         sync.RWMutex
	activities map[string]*activityNode
	version    uint64
	changed    chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan ledger.Record
	nextSub int
}

func New() *Cache {
	return &Cache{
		activities: map[string]*activityNode{},
		changed:    make(chan struct{}),
		subs:       map[int]chan ledger.Record{},
	}
}

// Apply folds one durable record into the projection. Applying the same
// record twice leaves the cache unchanged.
func (c *Cache) Apply(rec ledger.Record) error {
	e, err := rec.Entity()
	if err != nil {
		return err
	}
	c.mu.Lock()
	err = c.applyLocked(rec, e)
	if err == nil {
		c.version++
		close(c.changed)
		c.changed = make(chan struct{})
	}
	c.mu.Unlock()
	if err == nil {
		c.publish(rec)
	}
	return err
}

func (c *Cache) applyLocked(rec ledger.Record, e model.Entity) error {
	switch v := e.(type) {
	case model.Activity:
		if a, ok := c.activities[v.Name]; ok {
			a.activity = entry[model.Activity]{v, rec}
			return nil
		}
		c.activities[v.Name] = &activityNode{
			activity:   entry[model.Activity]{v, rec},
			iterations: map[int64]*iterationNode{},
		}
	case model.Iteration:
		a, ok := c.activities[v.ActivityName]
		if !ok {
			return fmt.Errorf("%w: iteration %s", ErrOrphan, v.Key())
		}
		it, ok := a.iterations[v.IterationID]
		if !ok {
			it = &iterationNode{blocks: map[int64]*blockNode{}}
			a.iterations[v.IterationID] = it
		}
		it.iteration = entry[model.Iteration]{v, rec}
		if v.State == model.IterationCompleted {
			it.blocks = map[int64]*blockNode{}
			it.tempTable = nil
		}
	case model.TempTable:
		it, err := c.iterationLocked(v.ActivityName, v.IterationID)
		if err != nil {
			return err
		}
		it.tempTable = &entry[model.TempTable]{v, rec}
	case model.Block:
		it, err := c.iterationLocked(v.ActivityName, v.IterationID)
		if err != nil {
			return err
		}
		b, ok := it.blocks[v.BlockID]
		if !ok {
			b = &blockNode{}
			b.clearChildren()
			it.blocks[v.BlockID] = b
		}
		b.block = entry[model.Block]{v, rec}
		if v.State == model.BlockPlanned || v.State == model.BlockExtentMoved {
			b.clearChildren()
		}
	case model.BlobURL:
		b, err := c.blockLocked(v.Key())
		if err != nil {
			return err
		}
		b.urls[v.URL] = entry[model.BlobURL]{v, rec}
	case model.Extent:
		b, err := c.blockLocked(v.Key())
		if err != nil {
			return err
		}
		b.extents[v.ExtentID] = entry[model.Extent]{v, rec}
	case model.IngestionBatch:
		b, err := c.blockLocked(v.Key())
		if err != nil {
			return err
		}
		b.batches[v.OperationID] = entry[model.IngestionBatch]{v, rec}
	default:
		return fmt.Errorf("cache: unsupported entity %T", e)
	}
	return nil
}

func (c *Cache) iterationLocked(activity string, id int64) (*iterationNode, error) {
	a, ok := c.activities[activity]
	if !ok {
		return nil, fmt.Errorf("%w: activity %q", ErrOrphan, activity)
	}
	it, ok := a.iterations[id]
	if !ok {
		return nil, fmt.Errorf("%w: iteration %s/%d", ErrOrphan, activity, id)
	}
	return it, nil
}

func (c *Cache) blockLocked(k model.Key) (*blockNode, error) {
	it, err := c.iterationLocked(k.Activity, k.Iteration)
	if err != nil {
		return nil, err
	}
	b, ok := it.blocks[k.Block]
	if !ok {
		return nil, fmt.Errorf("%w: block %s", ErrOrphan, model.BlockKey(k))
	}
	return b, nil
}

// Snapshot lists the record behind every live entity, parents before
// children. Replaying it into an empty cache reproduces this one.
func (c *Cache) Snapshot() []ledger.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ledger.Record
	for _, name := range slices.Sorted(maps.Keys(c.activities)) {
		a := c.activities[name]
		out = append(out, a.activity.rec)
		for _, id := range slices.Sorted(maps.Keys(a.iterations)) {
			it := a.iterations[id]
			out = append(out, it.iteration.rec)
			if it.tempTable != nil {
				out = append(out, it.tempTable.rec)
			}
			for _, bid := range slices.Sorted(maps.Keys(it.blocks)) {
				b := it.blocks[bid]
				out = append(out, b.block.rec)
				out = appendRecords(out, b.urls)
				out = appendRecords(out, b.extents)
				out = appendRecords(out, b.batches)
			}
		}
	}
	return out
}

func appendRecords[T any](out []ledger.Record, m map[string]entry[T]) []ledger.Record {
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[k].rec)
	}
	return out
}

func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Wait blocks until the version moves past since, the timeout passes or ctx
// ends, and returns the version it observed.
func (c *Cache) Wait(ctx context.Context, since uint64, timeout time.Duration) (uint64, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		c.mu.RLock()
		v, ch := c.version, c.changed
		c.mu.RUnlock()
		if v > since {
			return v, nil
		}
		select {
		case <-ch:
		case <-timer:
			return v, nil
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// Subscribe delivers every applied record. A subscriber that falls more
// than buffer records behind loses records; losses are counted.
func (c *Cache) Subscribe(buffer int) (<-chan ledger.Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ledger.Record, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

func (c *Cache) publish(rec ledger.Record) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- rec:
		default:
			metrics.SubscriberDrops.Inc()
		}
	}
}

func sortedValues[K cmp.Ordered, T any](m map[K]entry[T]) []T {
	out := make([]T, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[k].value)
	}
	return out
}
