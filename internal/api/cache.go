package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// InstanceCache holds the most recent instance list fetched by a Client.
// Writes replace the whole list; reads return copies. Concurrent refreshes
// share one underlying request.
type InstanceCache struct {
	mu      sync.RWMutex
	byID    map[int64]Instance
	order   []int64
	updated time.Time

	group singleflight.Group
}

// NewInstanceCache creates an empty cache.
func NewInstanceCache() *InstanceCache {
	return &InstanceCache{byID: make(map[int64]Instance)}
}

// Replace swaps the cached list for list.
func (c *InstanceCache) Replace(list []Instance) {
	byID := make(map[int64]Instance, len(list))
	order := make([]int64, 0, len(list))
	for _, in := range list {
		if _, dup := byID[in.ID]; !dup {
			order = append(order, in.ID)
		}
		byID[in.ID] = in
	}

	c.mu.Lock()
	c.byID = byID
	c.order = order
	c.updated = time.Now()
	c.mu.Unlock()
}

// Get returns the cached instance with the given id.
func (c *InstanceCache) Get(id int64) (Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	in, ok := c.byID[id]
	return in, ok
}

// List returns the cached instances in the order the API returned them.
func (c *InstanceCache) List() []Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Instance, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Remove evicts one instance.
func (c *InstanceCache) Remove(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; !ok {
		return
	}
	delete(c.byID, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
}

// Updated returns when the cache was last replaced.
func (c *InstanceCache) Updated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}

// Refresh loads a fresh list and stores it. Callers arriving while a load is
// in flight wait for and share its result.
func (c *InstanceCache) Refresh(ctx context.Context, load func(context.Context) ([]Instance, error)) ([]Instance, error) {
	v, err, _ := c.group.Do("instances", func() (any, error) {
		list, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Replace(list)
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	list := v.([]Instance)
	return append([]Instance(nil), list...), nil
}
