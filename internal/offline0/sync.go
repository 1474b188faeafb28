package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"resty.dev/v3"
)

const (
	DefaultSyncTag      = "sync-analytics"
	DefaultSyncEndpoint = "/analytics"
)

var ErrDrainInProgress = errors.New("offline0: drain already in progress")

type SyncState int32

const (
	SyncIdle SyncState = iota
	SyncDraining
)

func (s SyncState) String() string {
	if s == SyncDraining {
		return "draining"
	}
	return "idle"
}

type SyncOptions struct {
	// Tag is the only reconnect signal tag acted upon.
	Tag string
	// Endpoint is the analytics URL, absolute or relative to the client's base URL.
	Endpoint string
}

// Syncer drains the analytics queue when the host reports restored
// connectivity. It never retries on its own.
type Syncer struct {
	queue  QueueStore
	client *resty.Client
	opts   SyncOptions
	log    *zap.Logger

	state atomic.Int32
}

// NewSyncer posts through client, which should carry the origin as base URL.
func NewSyncer(queue QueueStore, client *resty.Client, opts SyncOptions, log *zap.Logger) *Syncer {
	if opts.Tag == "" {
		opts.Tag = DefaultSyncTag
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultSyncEndpoint
	}
	return &Syncer{queue: queue, client: client, opts: opts, log: orNop(log)}
}

func (s *Syncer) State() SyncState {
	return SyncState(s.state.Load())
}

// OnSync handles a reconnect signal. It reports whether the tag was
// recognised; drain failures are logged, and the queue is left for the next
// signal.
func (s *Syncer) OnSync(ctx context.Context, tag string) bool {
	if tag != s.opts.Tag {
		s.log.Debug("ignoring sync signal", zap.String("tag", tag))
		return false
	}
	n, err := s.Drain(ctx)
	switch {
	case errors.Is(err, ErrDrainInProgress):
		s.log.Debug("sync signal while draining")
	case err != nil:
		s.log.Error("failed to sync analytics", zap.Error(err))
	case n > 0:
		s.log.Info("synced analytics", zap.Int("events", n))
	}
	return true
}

// Drain posts the whole queue as one JSON array. On a 2xx answer exactly the
// posted events are removed and their count returned; otherwise the queue is
// untouched.
func (s *Syncer) Drain(ctx context.Context) (int, error) {
	if !s.state.CompareAndSwap(int32(SyncIdle), int32(SyncDraining)) {
		return 0, ErrDrainInProgress
	}
	defer s.state.Store(int32(SyncIdle))

	events, err := s.queue.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	body, err := json.Marshal(events)
	if err != nil {
		return 0, fmt.Errorf("encode batch: %w", err)
	}

	batchID := uuid.NewString()
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Offline0-Batch", batchID).
		SetBody(body).
		Post(s.opts.Endpoint)
	if err != nil {
		return 0, fmt.Errorf("post batch %s: %w", batchID, err)
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("post batch %s: status %d", batchID, resp.StatusCode())
	}

	// Delivered: drop only what was sent so events appended meanwhile survive.
	if err := s.queue.Trim(context.WithoutCancel(ctx), len(events)); err != nil {
		return 0, fmt.Errorf("trim after batch %s: %w", batchID, err)
	}
	return len(events), nil
}
