package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

const memShards = 16

// Memory keeps every cache in process memory.
type Memory struct {
	mu     sync.Mutex
	caches map[string]*memCache
	closed bool
}

func NewMemory() *Memory {
	return &Memory{caches: map[string]*memCache{}}
}

func (m *Memory) Open(name string) (Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.caches[name]
	if !ok {
		c = newMemCache()
		m.caches[name] = c
	}
	return c, nil
}

func (m *Memory) Names() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.caches))
	for k := range m.caches {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Delete(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	c.deleted.Store(true)
	delete(m.caches, name)
	return true, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, c := range m.caches {
		c.deleted.Store(true)
	}
	m.caches = map[string]*memCache{}
	return nil
}

type memShard struct {
	mu    sync.RWMutex
	items map[string]Record
}

type memCache struct {
	shards  [memShards]memShard
	deleted atomic.Bool
}

func newMemCache() *memCache {
	c := &memCache{}
	for i := range c.shards {
		c.shards[i].items = map[string]Record{}
	}
	return c
}

func (c *memCache) shard(key string) *memShard {
	return &c.shards[xxh3.HashString(key)%memShards]
}

func (c *memCache) Match(key string, ignoreSearch bool) (Record, bool, error) {
	sh := c.shard(key)
	sh.mu.RLock()
	rec, ok := sh.items[key]
	sh.mu.RUnlock()
	if ok {
		return rec.Clone(), true, nil
	}
	if !ignoreSearch {
		return Record{}, false, nil
	}

	want := StripSearch(key)
	var (
		bestKey string
		best    Record
		found   bool
	)
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for k, v := range sh.items {
			if StripSearch(k) != want {
				continue
			}
			if !found || k < bestKey {
				bestKey, best, found = k, v, true
			}
		}
		sh.mu.RUnlock()
	}
	if !found {
		return Record{}, false, nil
	}
	return best.Clone(), true, nil
}

func (c *memCache) Put(key string, rec Record) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if c.deleted.Load() {
		return ErrCacheDeleted
	}
	sh := c.shard(key)
	sh.mu.Lock()
	sh.items[key] = rec.Clone()
	sh.mu.Unlock()
	return nil
}

func (c *memCache) Delete(key string) (bool, error) {
	sh := c.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.items[key]; !ok {
		return false, nil
	}
	delete(sh.items, key)
	return true, nil
}

func (c *memCache) Keys() ([]string, error) {
	var out []string
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for k := range sh.items {
			out = append(out, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out, nil
}
