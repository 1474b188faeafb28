package offline0

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Host receives lifecycle signals.
type Host interface {
	// SkipWaiting asks the host to activate the installed generation without
	// waiting for old clients to go away.
	SkipWaiting(ctx context.Context)
	// Claim asks the host to take control of already-open clients.
	Claim(ctx context.Context)
}

type LifecycleOptions struct {
	Origin   *url.URL
	Version  string
	Manifest Manifest
	// Parallelism bounds concurrent precache fetches; <= 0 means 8.
	Parallelism int
}

type Lifecycle struct {
	storage CacheStorage
	fetcher Fetcher
	host    Host
	opts    LifecycleOptions
	log     *zap.Logger
}

func NewLifecycle(storage CacheStorage, fetcher Fetcher, host Host, opts LifecycleOptions, log *zap.Logger) *Lifecycle {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	return &Lifecycle{
		storage: storage,
		fetcher: fetcher,
		host:    host,
		opts:    opts,
		log:     orNop(log),
	}
}

// Install primes the current generation with the whole manifest. If any entry
// cannot be fetched with a 2xx status nothing is stored, and a generation
// created by this call is removed again.
func (l *Lifecycle) Install(ctx context.Context) error {
	version := l.opts.Version
	existed, err := l.storage.Has(ctx, version)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	cache, err := l.storage.Open(ctx, version)
	if err != nil {
		return fmt.Errorf("%w: open %q: %w", ErrInstallFailed, version, err)
	}

	fail := func(cause error) error {
		if !existed {
			if _, err := l.storage.Delete(context.WithoutCancel(ctx), version); err != nil {
				l.log.Error("discard partial generation", zap.String("version", version), zap.Error(err))
			}
		}
		return fmt.Errorf("%w: %w", ErrInstallFailed, cause)
	}

	urls, err := l.opts.Manifest.Resolve(ctx, l.fetcher, l.opts.Origin)
	if err != nil {
		return fail(err)
	}

	records := make([]CacheRecord, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Parallelism)
	for i, u := range urls {
		g.Go(func() error {
			req, err := NewRequest(http.MethodGet, u)
			if err != nil {
				return err
			}
			resp, err := l.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			if !resp.OK() {
				return fmt.Errorf("precache %s: status %d", u, resp.Status)
			}
			records[i] = CacheRecord{Key: req.Key(), Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}
	if err := cache.PutAll(ctx, records); err != nil {
		return fail(fmt.Errorf("store precache: %w", err))
	}

	l.log.Info("installed", zap.String("version", version), zap.Int("precached", len(records)))
	if l.host != nil {
		l.host.SkipWaiting(ctx)
	}
	return nil
}

// Activate deletes every generation except the current one and then claims
// open clients.
func (l *Lifecycle) Activate(ctx context.Context) error {
	names, err := l.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("activate: list caches: %w", err)
	}
	for _, name := range names {
		if name == l.opts.Version {
			continue
		}
		if _, err := l.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("activate: delete %q: %w", name, err)
		}
		l.log.Info("deleted stale generation", zap.String("version", name))
	}
	if l.host != nil {
		l.host.Claim(ctx)
	}
	return nil
}
