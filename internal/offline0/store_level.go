package offline0

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the shared database:
//
//	g:<generation>              -> generationMeta
//	e:<generation>\x00<request> -> CacheEntry
//	q:<seq>                     -> queued analytics event (see queue.go)
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
	keySep           = "\x00"
)

type generationMeta struct {
	CreatedAt int64
}

// OpenLevelDB opens (or creates) the database shared by the leveldb cache
// storage and the leveldb queue.
func OpenLevelDB(path string) (*leveldb.DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return db, nil
}

type levelStorage struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]map[string]int64 // generation -> key -> size
	totalSize int64
}

// NewLevelStorage builds cache storage on db. maxBytes <= 0 disables the quota.
// The caller owns db; Close does not close it.
func NewLevelStorage(db *leveldb.DB, maxBytes int64) (CacheStorage, error) {
	s := &levelStorage{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *levelStorage) loadIndex() error {
	idx := map[string]map[string]int64{}

	git := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	for git.Next() {
		name := string(bytes.TrimPrefix(git.Key(), []byte(generationPrefix)))
		idx[name] = map[string]int64{}
	}
	git.Release()
	if err := git.Error(); err != nil {
		return err
	}

	var total int64
	eit := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer eit.Release()
	for eit.Next() {
		rest := string(bytes.TrimPrefix(eit.Key(), []byte(entryPrefix)))
		name, key, ok := strings.Cut(rest, keySep)
		if !ok {
			continue
		}
		keys, exists := idx[name]
		if !exists {
			// orphaned entry of a deleted generation
			continue
		}
		size := int64(len(eit.Value()))
		keys[key] = size
		total += size
	}
	if err := eit.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func (s *levelStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, ok := s.index[name]
	s.mu.Unlock()
	if !ok {
		mb, err := encodeGob(generationMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put([]byte(generationPrefix+name), mb, nil); err != nil {
			return nil, fmt.Errorf("create generation %q: %w", name, err)
		}
		s.mu.Lock()
		if _, ok := s.index[name]; !ok {
			s.index[name] = map[string]int64{}
		}
		s.mu.Unlock()
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[name]
	return ok, nil
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	keys, ok := s.index[name]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(generationPrefix + name))
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete generation %q: %w", name, err)
	}

	s.mu.Lock()
	for _, size := range keys {
		s.totalSize -= size
	}
	delete(s.index, name)
	s.mu.Unlock()
	return true, nil
}

func (s *levelStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]string, 0, len(s.index))
	for name := range s.index {
		out = append(out, name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (s *levelStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *levelStorage) Close() error { return nil }

// reserve checks the quota for replacing sizes[key] in generation name and
// records the new sizes. It returns a rollback func.
func (s *levelStorage) reserve(name string, sizes map[string]int64) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.index[name]
	if !ok {
		keys = map[string]int64{}
		s.index[name] = keys
	}
	var delta int64
	for k, sz := range sizes {
		delta += sz - keys[k]
	}
	if s.maxBytes > 0 && delta > 0 && s.totalSize+delta > s.maxBytes {
		return nil, ErrQuotaExceeded
	}
	prev := make(map[string]int64, len(sizes))
	for k, sz := range sizes {
		if old, ok := keys[k]; ok {
			prev[k] = old
		} else {
			prev[k] = -1
		}
		keys[k] = sz
	}
	s.totalSize += delta
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for k, old := range prev {
			if old < 0 {
				delete(keys, k)
			} else {
				keys[k] = old
			}
		}
		s.totalSize -= delta
	}, nil
}

type levelCache struct {
	s    *levelStorage
	name string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) dbKey(key string) []byte {
	return []byte(entryPrefix + c.name + keySep + key)
}

func (c *levelCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b, err := c.s.db.Get(c.dbKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return responseFromEntry(ent), true, nil
}

func (c *levelCache) Put(ctx context.Context, key string, resp *Response) error {
	return c.PutAll(ctx, []CacheRecord{{Key: key, Response: resp}})
}

func (c *levelCache) PutAll(ctx context.Context, records []CacheRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	sizes := make(map[string]int64, len(records))
	for _, rec := range records {
		b, err := encodeGob(rec.Response.entry())
		if err != nil {
			return fmt.Errorf("encode %q: %w", rec.Key, err)
		}
		batch.Put(c.dbKey(rec.Key), b)
		sizes[rec.Key] = int64(len(b))
	}
	mb, err := encodeGob(generationMeta{CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	if ok, _ := c.s.Has(ctx, c.name); !ok {
		batch.Put([]byte(generationPrefix+c.name), mb)
	}

	rollback, err := c.s.reserve(c.name, sizes)
	if err != nil {
		return fmt.Errorf("cache %q: %w", c.name, err)
	}
	if err := c.s.db.Write(batch, nil); err != nil {
		rollback()
		return fmt.Errorf("cache %q: write: %w", c.name, err)
	}
	return nil
}

func (c *levelCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.s.mu.Lock()
	size, ok := c.s.index[c.name][key]
	c.s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := c.s.db.Delete(c.dbKey(key), nil); err != nil {
		return false, err
	}
	c.s.mu.Lock()
	if cur, ok := c.s.index[c.name]; ok {
		if _, still := cur[key]; still {
			delete(cur, key)
			c.s.totalSize -= size
		}
	}
	c.s.mu.Unlock()
	return true, nil
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	keys := c.s.index[c.name]
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	c.s.mu.Unlock()
	sort.Strings(out)
	return out, nil
}
