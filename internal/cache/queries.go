package cache

import (
	"maps"
	"slices"

	"github.com/agentworkforce/tablerelay/internal/model"
)

func (c *Cache) Activities() []model.Activity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Activity, 0, len(c.activities))
	for _, name := range slices.Sorted(maps.Keys(c.activities)) {
		out = append(out, c.activities[name].activity.value)
	}
	return out
}

func (c *Cache) Activity(name string) (model.Activity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.activities[name]
	if !ok {
		return model.Activity{}, false
	}
	return a.activity.value, true
}

func (c *Cache) ActivitiesBySource(table model.TableID) []model.Activity {
	return c.activitiesWhere(func(a model.Activity) bool { return a.Source.Same(table) })
}

func (c *Cache) ActivitiesByDestination(table model.TableID) []model.Activity {
	return c.activitiesWhere(func(a model.Activity) bool { return a.Destination.Same(table) })
}

func (c *Cache) activitiesWhere(match func(model.Activity) bool) []model.Activity {
	var out []model.Activity
	for _, a := range c.Activities() {
		if match(a) {
			out = append(out, a)
		}
	}
	return out
}

func (c *Cache) Iterations(activity string) []model.Iteration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.activities[activity]
	if !ok {
		return nil
	}
	out := make([]model.Iteration, 0, len(a.iterations))
	for _, id := range slices.Sorted(maps.Keys(a.iterations)) {
		out = append(out, a.iterations[id].iteration.value)
	}
	return out
}

func (c *Cache) Iteration(activity string, id int64) (model.Iteration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, err := c.iterationLocked(activity, id)
	if err != nil {
		return model.Iteration{}, false
	}
	return it.iteration.value, true
}

// LatestIteration is the iteration with the highest id, completed or not.
func (c *Cache) LatestIteration(activity string) (model.Iteration, bool) {
	its := c.Iterations(activity)
	if len(its) == 0 {
		return model.Iteration{}, false
	}
	return its[len(its)-1], true
}

// OpenIterations lists every non-completed iteration of active activities.
func (c *Cache) OpenIterations() []model.Iteration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.Iteration
	for _, name := range slices.Sorted(maps.Keys(c.activities)) {
		a := c.activities[name]
		if a.activity.value.State != model.ActivityActive {
			continue
		}
		for _, id := range slices.Sorted(maps.Keys(a.iterations)) {
			if it := a.iterations[id].iteration.value; it.State != model.IterationCompleted {
				out = append(out, it)
			}
		}
	}
	return out
}

func (c *Cache) TempTable(activity string, id int64) (model.TempTable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, err := c.iterationLocked(activity, id)
	if err != nil || it.tempTable == nil {
		return model.TempTable{}, false
	}
	return it.tempTable.value, true
}

func (c *Cache) Blocks(activity string, id int64) []model.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, err := c.iterationLocked(activity, id)
	if err != nil {
		return nil
	}
	out := make([]model.Block, 0, len(it.blocks))
	for _, bid := range slices.Sorted(maps.Keys(it.blocks)) {
		out = append(out, it.blocks[bid].block.value)
	}
	return out
}

// BlocksInState scans the open iterations of active activities for blocks
// in any of the given states, in activity, iteration, block order.
func (c *Cache) BlocksInState(states ...model.BlockState) []model.Block {
	var out []model.Block
	for _, it := range c.OpenIterations() {
		for _, b := range c.Blocks(it.ActivityName, it.IterationID) {
			if slices.Contains(states, b.State) {
				out = append(out, b)
			}
		}
	}
	return out
}

func (c *Cache) Block(k model.Key) (model.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, err := c.blockLocked(k)
	if err != nil {
		return model.Block{}, false
	}
	return b.block.value, true
}

func (c *Cache) BlobURLs(k model.Key) []model.BlobURL {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, err := c.blockLocked(k)
	if err != nil {
		return nil
	}
	return sortedValues(b.urls)
}

func (c *Cache) Extents(k model.Key) []model.Extent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, err := c.blockLocked(k)
	if err != nil {
		return nil
	}
	return sortedValues(b.extents)
}

func (c *Cache) Batches(k model.Key) []model.IngestionBatch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, err := c.blockLocked(k)
	if err != nil {
		return nil
	}
	return sortedValues(b.batches)
}

// Stats counts blocks per state across open iterations.
func (c *Cache) Stats() map[model.BlockState]int {
	out := map[model.BlockState]int{}
	for _, it := range c.OpenIterations() {
		for _, b := range c.Blocks(it.ActivityName, it.IterationID) {
			out[b.State]++
		}
	}
	return out
}
