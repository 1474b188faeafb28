package offline0

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultFallbackDocument = "/index.html"
	defaultMaxRevalidations = 32
	revalidateTimeout       = 30 * time.Second
)

type ExecutorOptions struct {
	// Origin is the application's own origin.
	Origin *url.URL
	// Version names the cache generation read and written by the executor.
	Version string
	// FallbackDocument is served for documents when network and cache both miss.
	FallbackDocument string
	// Rules force matching same-origin paths to bypass the cache.
	Rules []Rule
	// MaxRevalidations bounds concurrent background revalidations.
	MaxRevalidations int
}

// Executor applies a fetch strategy per request class.
type Executor struct {
	storage CacheStorage
	fetcher Fetcher
	opts    ExecutorOptions

	log     *zap.Logger
	warnLog *rateLimitedLogger
	tracer  trace.Tracer

	bgSem chan struct{}
	wg    sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewExecutor(storage CacheStorage, fetcher Fetcher, opts ExecutorOptions, log *zap.Logger) *Executor {
	if opts.FallbackDocument == "" {
		opts.FallbackDocument = defaultFallbackDocument
	}
	if opts.MaxRevalidations <= 0 {
		opts.MaxRevalidations = defaultMaxRevalidations
	}
	log = orNop(log)
	return &Executor{
		storage:  storage,
		fetcher:  fetcher,
		opts:     opts,
		log:      log,
		warnLog:  newRateLimitedLogger(log, time.Minute),
		tracer:   otel.Tracer("offline0"),
		bgSem:    make(chan struct{}, opts.MaxRevalidations),
		inflight: map[string]struct{}{},
	}
}

// Wait blocks until all background revalidations have finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Handle serves req with the strategy selected by its class.
func (e *Executor) Handle(ctx context.Context, req *Request) (resp *Response, outcome Outcome, err error) {
	class := Classify(req, e.opts.Origin)

	ctx, span := e.tracer.Start(ctx, "offline0.handle", trace.WithAttributes(
		attribute.String("offline0.class", class.String()),
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.URL.Path),
	))
	defer func() {
		span.SetAttributes(attribute.String("offline0.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if class == ClassCrossOrigin {
		resp, err = e.fetcher.Fetch(ctx, req)
		return resp, OutcomeCrossOrigin, err
	}
	if rule := e.pickRule(req.URL.Path); rule != nil {
		if rule.Bypass {
			resp, err = e.fetcher.Fetch(ctx, req)
			return resp, OutcomeBypass, err
		}
		if hasAnyCookie(req.Header, rule.BypassWhenCookies) {
			resp, err = e.fetcher.Fetch(ctx, req)
			return resp, OutcomeIgnoreByCookie, err
		}
	}
	if req.Method != http.MethodGet {
		resp, err = e.fetcher.Fetch(ctx, req)
		return resp, OutcomeBypass, err
	}

	switch class {
	case ClassImage:
		return e.cacheFirst(ctx, req)
	case ClassStyleOrScript:
		return e.staleWhileRevalidate(ctx, req)
	case ClassDocument:
		return e.networkFirst(ctx, req)
	default:
		return e.networkWithCacheFallback(ctx, req)
	}
}

func (e *Executor) cacheFirst(ctx context.Context, req *Request) (*Response, Outcome, error) {
	cache := e.open(ctx)
	if cached, ok := e.match(ctx, cache, req.Key()); ok {
		return cached, OutcomeHit, nil
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, "", err
	}
	e.store(ctx, cache, req.Key(), resp)
	return resp, OutcomeMiss, nil
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, req *Request) (*Response, Outcome, error) {
	cache := e.open(ctx)
	if cached, ok := e.match(ctx, cache, req.Key()); ok {
		e.revalidateAsync(cache, req)
		return cached, OutcomeHit, nil
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, "", err
	}
	e.store(ctx, cache, req.Key(), resp)
	return resp, OutcomeMiss, nil
}

func (e *Executor) networkFirst(ctx context.Context, req *Request) (*Response, Outcome, error) {
	resp, fetchErr := e.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		e.store(ctx, e.open(ctx), req.Key(), resp)
		return resp, OutcomeNetwork, nil
	}

	// The page's own request may be gone; lookups still get a live context.
	lookupCtx := context.WithoutCancel(ctx)
	cache := e.open(lookupCtx)
	if cached, ok := e.match(lookupCtx, cache, req.Key()); ok {
		return cached, OutcomeCacheFallback, nil
	}
	fallbackKey := requestKey(http.MethodGet, resolvePath(e.opts.Origin, e.opts.FallbackDocument))
	if cached, ok := e.match(lookupCtx, cache, fallbackKey); ok {
		return cached, OutcomeDocumentFallback, nil
	}
	return nil, "", fetchErr
}

func (e *Executor) networkWithCacheFallback(ctx context.Context, req *Request) (*Response, Outcome, error) {
	resp, fetchErr := e.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		return resp, OutcomeNetwork, nil
	}
	lookupCtx := context.WithoutCancel(ctx)
	if cached, ok := e.match(lookupCtx, e.open(lookupCtx), req.Key()); ok {
		return cached, OutcomeCacheFallback, nil
	}
	return nil, "", fetchErr
}

// revalidateAsync refreshes key in the background. A hit on a key whose
// refresh is already in flight joins that refresh; otherwise the refresh
// waits for a free slot.
func (e *Executor) revalidateAsync(cache Cache, req *Request) {
	key := req.Key()
	e.inflightMu.Lock()
	if _, ok := e.inflight[key]; ok {
		e.inflightMu.Unlock()
		return
	}
	e.inflight[key] = struct{}{}
	e.inflightMu.Unlock()

	bgReq := &Request{
		Method: req.Method,
		URL:    req.URL,
		Header: cloneHeader(req.Header),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.inflightMu.Lock()
			delete(e.inflight, key)
			e.inflightMu.Unlock()
		}()
		e.bgSem <- struct{}{}
		defer func() { <-e.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
		defer cancel()

		resp, err := e.fetcher.Fetch(ctx, bgReq)
		if err != nil {
			e.warnLog.Warn("revalidate failed", zap.String("key", bgReq.Key()), zap.Error(err))
			return
		}
		e.store(ctx, cache, bgReq.Key(), resp)
	}()
}

// open returns nil when the generation cannot be opened; match and store
// treat a nil cache as a miss and a no-op.
func (e *Executor) open(ctx context.Context) Cache {
	cache, err := e.storage.Open(ctx, e.opts.Version)
	if err != nil {
		e.log.Warn("cache open failed", zap.String("version", e.opts.Version), zap.Error(err))
		return nil
	}
	return cache
}

// match treats a failed read as a miss.
func (e *Executor) match(ctx context.Context, cache Cache, key string) (*Response, bool) {
	if cache == nil {
		return nil, false
	}
	resp, ok, err := cache.Match(ctx, key)
	if err != nil {
		e.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return resp, ok
}

// store writes a clone of resp when it is eligible. Failures never reach the
// caller.
func (e *Executor) store(ctx context.Context, cache Cache, key string, resp *Response) {
	if cache == nil || !resp.Cacheable() {
		return
	}
	err := cache.Put(context.WithoutCancel(ctx), key, resp.Clone())
	switch {
	case err == nil:
	case errors.Is(err, ErrQuotaExceeded):
		e.warnLog.Warn("cache quota exceeded, response not stored", zap.String("key", key))
	default:
		e.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *Executor) pickRule(path string) *Rule {
	for i := range e.opts.Rules {
		r := &e.opts.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func hasAnyCookie(h http.Header, names []string) bool {
	if len(names) == 0 || h == nil {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	r := http.Request{Header: h}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}
