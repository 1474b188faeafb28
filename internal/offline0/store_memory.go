package offline0

import (
	"context"
	"sort"
	"sync"
)

type memoryStorage struct {
	maxBytes int64

	mu     sync.Mutex
	caches map[string]map[string]CacheEntry
	total  int64
}

// NewMemoryStorage returns process-local cache storage. It does not survive
// restarts and is meant for tests and ephemeral deployments.
func NewMemoryStorage(maxBytes int64) CacheStorage {
	return &memoryStorage{maxBytes: maxBytes, caches: map[string]map[string]CacheEntry{}}
}

func (m *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, ok := m.caches[name]; !ok {
		m.caches[name] = map[string]CacheEntry{}
	}
	m.mu.Unlock()
	return &memoryCache{m: m, name: name}, nil
}

func (m *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	for _, ent := range entries {
		m.total -= int64(len(ent.Body))
	}
	delete(m.caches, name)
	return true, nil
}

func (m *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]string, 0, len(m.caches))
	for name := range m.caches {
		out = append(out, name)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (m *memoryStorage) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *memoryStorage) Close() error { return nil }

type memoryCache struct {
	m    *memoryStorage
	name string
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.m.mu.Lock()
	ent, ok := c.m.caches[c.name][key]
	c.m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return responseFromEntry(ent), true, nil
}

func (c *memoryCache) Put(ctx context.Context, key string, resp *Response) error {
	return c.PutAll(ctx, []CacheRecord{{Key: key, Response: resp}})
}

func (c *memoryCache) PutAll(ctx context.Context, records []CacheRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	entries, ok := c.m.caches[c.name]
	if !ok {
		entries = map[string]CacheEntry{}
		c.m.caches[c.name] = entries
	}

	staged := make(map[string]CacheEntry, len(records))
	for _, rec := range records {
		staged[rec.Key] = rec.Response.entry()
	}
	var delta int64
	for k, ent := range staged {
		delta += int64(len(ent.Body))
		if old, ok := entries[k]; ok {
			delta -= int64(len(old.Body))
		}
	}
	if c.m.maxBytes > 0 && delta > 0 && c.m.total+delta > c.m.maxBytes {
		return ErrQuotaExceeded
	}
	for k, ent := range staged {
		entries[k] = ent
	}
	c.m.total += delta
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	entries := c.m.caches[c.name]
	ent, ok := entries[key]
	if !ok {
		return false, nil
	}
	c.m.total -= int64(len(ent.Body))
	delete(entries, key)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.m.mu.Lock()
	entries := c.m.caches[c.name]
	out := make([]string, 0, len(entries))
	for k := range entries {
		out = append(out, k)
	}
	c.m.mu.Unlock()
	sort.Strings(out)
	return out, nil
}
