package offline0

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"
	"resty.dev/v3"
)

var errForeignTarget = errors.New("offline0: request target is not the origin")

// WorkerState follows the service-worker lifecycle of the current generation.
type WorkerState string

const (
	StateParsed     WorkerState = "parsed"
	StateInstalling WorkerState = "installing"
	StateInstalled  WorkerState = "installed"
	StateActivating WorkerState = "activating"
	StateActivated  WorkerState = "activated"
)

// Service is the host: it owns storage, runs the lifecycle, intercepts
// requests and delivers reconnect signals.
type Service struct {
	cfg Config
	log *zap.Logger

	db      *leveldb.DB
	storage CacheStorage
	queue   QueueStore
	fetcher Fetcher

	executor   *Executor
	lifecycle  *Lifecycle
	syncer     *Syncer
	syncClient *resty.Client

	lifecycleMu sync.Mutex
	stateMu     sync.Mutex
	state       WorkerState
	skipWaiting bool
	controlling atomic.Bool

	stats *statsCollector
	echo  *echo.Echo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(ctx context.Context, cfg Config, log *zap.Logger) (*Service, error) {
	log = orNop(log)
	origin := cfg.OriginURL()
	if origin == nil {
		if err := cfg.finalize(); err != nil {
			return nil, err
		}
		origin = cfg.OriginURL()
	}

	s := &Service{
		cfg:   cfg,
		log:   log,
		state: StateParsed,
		stats: newStatsCollector(),
	}

	if cfg.Storage.Backend == "leveldb" || cfg.Queue.Backend == "leveldb" {
		db, err := OpenLevelDB(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		s.db = db
	}

	var err error
	switch cfg.Storage.Backend {
	case "memory":
		s.storage = NewMemoryStorage(cfg.Storage.maxBytes)
	default:
		s.storage, err = NewLevelStorage(s.db, cfg.Storage.maxBytes)
	}
	if err != nil {
		s.closeStores()
		return nil, err
	}

	switch cfg.Queue.Backend {
	case "redis":
		s.queue, err = NewRedisQueue(ctx, cfg.Queue.RedisURL, cfg.Queue.RedisKey)
	case "sqlite":
		s.queue, err = NewSQLiteQueue(cfg.Queue.SQLitePath)
	default:
		s.queue, err = NewLevelQueue(s.db)
	}
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.fetcher = NewHTTPFetcher(origin, cfg.Server.fetchTimeoutDur)
	s.executor = NewExecutor(s.storage, s.fetcher, ExecutorOptions{
		Origin:           origin,
		Version:          cfg.Cache.Version,
		FallbackDocument: cfg.Cache.FallbackDocument,
		Rules:            cfg.Rules,
		MaxRevalidations: cfg.Cache.MaxRevalidations,
	}, log.Named("executor"))
	s.lifecycle = NewLifecycle(s.storage, s.fetcher, s, LifecycleOptions{
		Origin:      origin,
		Version:     cfg.Cache.Version,
		Manifest:    Manifest{Paths: cfg.Cache.Precache, Sitemaps: cfg.Cache.PrecacheSitemaps},
		Parallelism: cfg.Lifecycle.Parallelism,
	}, log.Named("lifecycle"))

	s.syncClient = resty.New().SetBaseURL(cfg.Server.Origin)
	if cfg.Server.fetchTimeoutDur > 0 {
		s.syncClient.SetTimeout(cfg.Server.fetchTimeoutDur)
	}
	s.syncer = NewSyncer(s.queue, s.syncClient, SyncOptions{
		Tag:      cfg.Sync.Tag,
		Endpoint: cfg.Sync.Endpoint,
	}, log.Named("sync"))

	s.echo = s.newRouter()
	return s, nil
}

// Start runs install/activate in the background, retrying a failed install,
// and starts the periodic loops.
func (s *Service) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.lifecycleLoop(s.cfg.Lifecycle.installRetryDur)
	}()

	if every := s.cfg.Sync.everyDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncLoop(every)
		}()
	}

	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
}

func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.executor.Wait()
	if s.syncClient != nil {
		_ = s.syncClient.Close()
	}
	s.closeStores()
}

func (s *Service) closeStores() {
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.storage != nil {
		_ = s.storage.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Service) State() WorkerState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Service) setState(st WorkerState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Controlling reports whether the current generation intercepts requests.
func (s *Service) Controlling() bool { return s.controlling.Load() }

// SkipWaiting implements Host.
func (s *Service) SkipWaiting(context.Context) {
	s.stateMu.Lock()
	s.skipWaiting = true
	s.stateMu.Unlock()
}

// Claim implements Host.
func (s *Service) Claim(context.Context) {
	s.controlling.Store(true)
	s.log.Info("controlling clients", zap.String("version", s.cfg.Cache.Version))
}

// RunLifecycle installs the current generation and, when the install asked to
// skip waiting, activates it.
func (s *Service) RunLifecycle(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	prev := s.State()
	s.setState(StateInstalling)
	if err := s.lifecycle.Install(ctx); err != nil {
		s.setState(prev)
		return err
	}
	s.setState(StateInstalled)

	s.stateMu.Lock()
	skip := s.skipWaiting
	s.stateMu.Unlock()
	if !skip {
		return nil
	}
	return s.activateLocked(ctx)
}

// Activate re-runs activation for the installed generation.
func (s *Service) Activate(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if st := s.State(); st != StateInstalled && st != StateActivated {
		return ErrNoController
	}
	return s.activateLocked(ctx)
}

func (s *Service) activateLocked(ctx context.Context) error {
	s.setState(StateActivating)
	if err := s.lifecycle.Activate(ctx); err != nil {
		s.setState(StateInstalled)
		return err
	}
	s.setState(StateActivated)
	return nil
}

func (s *Service) lifecycleLoop(retry time.Duration) {
	if retry <= 0 {
		retry = 30 * time.Second
	}
	for {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
		err := s.RunLifecycle(ctx)
		cancel()
		if err == nil {
			return
		}
		s.log.Error("lifecycle failed, will retry", zap.Duration("retry", retry), zap.Error(err))
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (s *Service) syncLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.syncer.OnSync(s.ctx, s.cfg.Sync.Tag)
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.Uint64("responses", ss.TotalResponses),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
			}
			for outcome, n := range ss.Outcomes {
				fields = append(fields, zap.Uint64("outcome."+string(outcome), n))
			}
			if n, err := s.cachedEntries(s.ctx); err == nil {
				fields = append(fields, zap.Int("cachedEntries", n))
			}
			if sized, ok := s.storage.(interface{ TotalSize() int64 }); ok {
				fields = append(fields, zap.String("storage", formatBytes(uint64(sized.TotalSize()))))
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.log.Info("stats", fields...)
		}
	}
}

func (s *Service) cachedEntries(ctx context.Context) (int, error) {
	names, err := s.storage.Keys(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, name := range names {
		cache, err := s.storage.Open(ctx, name)
		if err != nil {
			return 0, err
		}
		keys, err := cache.Keys(ctx)
		if err != nil {
			return 0, err
		}
		total += len(keys)
	}
	return total, nil
}

// handle is the interception boundary for every non-control request.
func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := s.requestFrom(r)
	if err != nil {
		var he *echo.HTTPError
		switch {
		case errors.Is(err, errForeignTarget):
			http.Error(w, "forbidden", http.StatusForbidden)
		case errors.As(err, &he):
			http.Error(w, http.StatusText(he.Code), he.Code)
		default:
			http.Error(w, "bad request", http.StatusBadRequest)
		}
		return
	}

	var (
		resp    *Response
		outcome Outcome
	)
	if s.controlling.Load() {
		resp, outcome, err = s.executor.Handle(r.Context(), req)
	} else {
		resp, err = s.fetcher.Fetch(r.Context(), req)
		outcome = OutcomeNoController
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Debug("fetch failed", zap.String("key", req.Key()), zap.Error(err))
		}
		setOutcomeHeaders(w.Header(), OutcomeBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, resp, outcome)
	s.stats.Observe(outcome, len(resp.Body))
}

// requestFrom rebuilds the intercepted request against the origin. An
// absolute-form target naming any other host is refused.
func (s *Service) requestFrom(r *http.Request) (*Request, error) {
	origin := s.cfg.OriginURL()
	if r.URL.IsAbs() && !sameOrigin(r.URL, origin) {
		return nil, errForeignTarget
	}
	target := *origin
	target.Path, target.RawPath, target.RawQuery = r.URL.Path, r.URL.RawPath, r.URL.RawQuery
	if target.Path == "" {
		target.Path = "/"
	}
	req, err := NewRequest(r.Method, target.String())
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	return req, nil
}

func writeResponse(w http.ResponseWriter, resp *Response, outcome Outcome) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "x-offline0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOutcomeHeaders(h http.Header, outcome Outcome) {
	if outcome != "" {
		h.Set("X-Offline0", string(outcome))
	}
	// Custom headers are invisible to page scripts in a CORS context unless
	// exposed.
	ensureExposedHeader(h, "X-Offline0")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
