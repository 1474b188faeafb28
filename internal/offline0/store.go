package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
)

// CacheStorage is the set of named cache generations.
type CacheStorage interface {
	// Open returns the named generation, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the generation and every entry it owns.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists generation names in sorted order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Cache is one generation: request identity -> captured response.
type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (*Response, bool, error)
	Put(ctx context.Context, key string, resp *Response) error
	// PutAll stores every record or none of them.
	PutAll(ctx context.Context, records []CacheRecord) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

type CacheRecord struct {
	Key      string
	Response *Response
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
