package offline0

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// QueueStore is the durable FIFO of pending analytics events. It is the only
// authority for queued events: every backend persists across restarts.
type QueueStore interface {
	Append(ctx context.Context, event json.RawMessage) error
	// ReadAll returns the events in append order without mutating the queue.
	ReadAll(ctx context.Context) ([]json.RawMessage, error)
	// Clear empties the queue atomically.
	Clear(ctx context.Context) error
	// Trim atomically removes the n oldest events.
	Trim(ctx context.Context, n int) error
	Close() error
}

var errInvalidEvent = errors.New("offline0: event is not valid JSON")

func validateEvent(event json.RawMessage) error {
	if len(event) == 0 || !json.Valid(event) {
		return errInvalidEvent
	}
	return nil
}

const queuePrefix = "q:"

type levelQueue struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

// NewLevelQueue stores events under q:<seq> in db. The caller owns db.
func NewLevelQueue(db *leveldb.DB) (QueueStore, error) {
	q := &levelQueue{db: db}
	it := db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	if it.Last() {
		q.seq = binary.BigEndian.Uint64(it.Key()[len(queuePrefix):])
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	return q, nil
}

func queueKey(seq uint64) []byte {
	k := make([]byte, len(queuePrefix)+8)
	copy(k, queuePrefix)
	binary.BigEndian.PutUint64(k[len(queuePrefix):], seq)
	return k
}

func (q *levelQueue) Append(ctx context.Context, event json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEvent(event); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	next := q.seq + 1
	if err := q.db.Put(queueKey(next), event, nil); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	q.seq = next
	return nil
}

func (q *levelQueue) ReadAll(ctx context.Context) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := q.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	defer it.Release()
	var out []json.RawMessage
	for it.Next() {
		out = append(out, append(json.RawMessage(nil), it.Value()...))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	return out, nil
}

func (q *levelQueue) Clear(ctx context.Context) error {
	return q.Trim(ctx, -1)
}

// Trim with n < 0 removes everything.
func (q *levelQueue) Trim(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := new(leveldb.Batch)
	it := q.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	for it.Next() && (n < 0 || batch.Len() < n) {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("trim queue: %w", err)
	}
	if err := q.db.Write(batch, nil); err != nil {
		return fmt.Errorf("trim queue: %w", err)
	}
	return nil
}

func (q *levelQueue) Close() error { return nil }
