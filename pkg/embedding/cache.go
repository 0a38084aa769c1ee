package embedding

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"
)

// vectorCache is a bounded LRU of vectors keyed by "<model>:<content hash>"
type vectorCache struct {
	mu  sync.Mutex
	lru *lru.Cache
}

func newVectorCache(size int) *vectorCache {
	if size <= 0 {
		size = 4096
	}
	return &vectorCache{lru: lru.New(size)}
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]float32), true
}

func (c *vectorCache) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, vec)
}

// tracker counts in-flight background jobs per entity type
type tracker struct {
	mu      sync.Mutex
	pending map[string]int
	idle    map[string]chan struct{} // closed when pending drops to zero
	all     sync.WaitGroup
}

func newTracker() *tracker {
	return &tracker{pending: map[string]int{}, idle: map[string]chan struct{}{}}
}

func (t *tracker) begin(typeName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[typeName] == 0 {
		t.idle[typeName] = make(chan struct{})
	}
	t.pending[typeName]++
	t.all.Add(1)
}

func (t *tracker) end(typeName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[typeName]--
	if t.pending[typeName] == 0 {
		close(t.idle[typeName])
		delete(t.idle, typeName)
		delete(t.pending, typeName)
	}
	t.all.Done()
}

func (t *tracker) wait(ctx context.Context, typeName string) error {
	t.mu.Lock()
	ch, busy := t.idle[typeName]
	t.mu.Unlock()
	if !busy {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tracker) waitAll() {
	t.all.Wait()
}
