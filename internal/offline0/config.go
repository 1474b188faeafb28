package offline0

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port         int    `yaml:"port" env:"OFFLINE0_PORT" validate:"gte=0,lte=65535"`
		Origin       string `yaml:"origin" env:"OFFLINE0_ORIGIN" validate:"required,url"`
		FetchTimeout string `yaml:"fetchTimeout" env:"OFFLINE0_FETCH_TIMEOUT"`
		MaxBodySize  string `yaml:"maxBodySize" env:"OFFLINE0_MAX_BODY_SIZE"`

		originURL       *url.URL
		fetchTimeoutDur time.Duration
		maxBodyBytes    int64
	} `yaml:"server"`

	Cache struct {
		Version          string   `yaml:"version" env:"OFFLINE0_CACHE_VERSION" validate:"required"`
		FallbackDocument string   `yaml:"fallbackDocument" env:"OFFLINE0_FALLBACK_DOCUMENT" validate:"startswith=/"`
		Precache         []string `yaml:"precache" env:"OFFLINE0_PRECACHE" envSeparator:","`
		PrecacheSitemaps []string `yaml:"precacheSitemaps" env:"OFFLINE0_PRECACHE_SITEMAPS" envSeparator:","`
		MaxRevalidations int      `yaml:"maxRevalidations" validate:"gte=0"`
	} `yaml:"cache"`

	Storage struct {
		Backend string `yaml:"backend" env:"OFFLINE0_STORAGE_BACKEND" validate:"oneof=leveldb memory"`
		Path    string `yaml:"path" env:"OFFLINE0_STORAGE_PATH"`
		Max     string `yaml:"max" env:"OFFLINE0_STORAGE_MAX"`

		maxBytes int64
	} `yaml:"storage"`

	Queue struct {
		Backend    string `yaml:"backend" env:"OFFLINE0_QUEUE_BACKEND" validate:"oneof=leveldb redis sqlite"`
		RedisURL   string `yaml:"redisURL" env:"OFFLINE0_QUEUE_REDIS_URL"`
		RedisKey   string `yaml:"redisKey" env:"OFFLINE0_QUEUE_REDIS_KEY"`
		SQLitePath string `yaml:"sqlitePath" env:"OFFLINE0_QUEUE_SQLITE_PATH"`
	} `yaml:"queue"`

	Sync struct {
		Tag      string `yaml:"tag" env:"OFFLINE0_SYNC_TAG"`
		Endpoint string `yaml:"endpoint" env:"OFFLINE0_SYNC_ENDPOINT"`
		// Every, when set, makes the host redeliver the sync signal periodically.
		Every string `yaml:"every" env:"OFFLINE0_SYNC_EVERY"`

		everyDur time.Duration
	} `yaml:"sync"`

	Lifecycle struct {
		InstallRetry string `yaml:"installRetry" env:"OFFLINE0_INSTALL_RETRY"`
		Parallelism  int    `yaml:"parallelism" validate:"gte=0"`

		installRetryDur time.Duration
	} `yaml:"lifecycle"`

	Logging struct {
		Level         string `yaml:"level" env:"OFFLINE0_LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
		Format        string `yaml:"format" env:"OFFLINE0_LOG_FORMAT" validate:"omitempty,oneof=json console"`
		LogStatsEvery string `yaml:"logStatsEvery" env:"OFFLINE0_LOG_STATS_EVERY"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Telemetry struct {
		OTLPEndpoint string `yaml:"otlpEndpoint" env:"OFFLINE0_OTEL_ENDPOINT"`
		ServiceName  string `yaml:"serviceName" env:"OFFLINE0_OTEL_SERVICE_NAME"`
	} `yaml:"telemetry"`

	Rules []Rule `yaml:"rules"`
}

// Rule forces same-origin paths to go straight to the network.
type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// LoadConfig reads the YAML file at path, applies OFFLINE0_* environment
// overrides and defaults, and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) finalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.MaxBodySize == "" {
		cfg.Server.MaxBodySize = "10mb"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = DefaultCacheVersion
	}
	if cfg.Cache.FallbackDocument == "" {
		cfg.Cache.FallbackDocument = defaultFallbackDocument
	}
	if cfg.Cache.Precache == nil {
		cfg.Cache.Precache = append([]string(nil), DefaultPrecache...)
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "leveldb"
	}
	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = DefaultSyncTag
	}
	if cfg.Sync.Endpoint == "" {
		cfg.Sync.Endpoint = DefaultSyncEndpoint
	}
	if cfg.Lifecycle.InstallRetry == "" {
		cfg.Lifecycle.InstallRetry = "30s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "offline0"
	}

	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.origin: unsupported scheme %q", u.Scheme)
	}
	cfg.Server.originURL = u

	if cfg.Queue.Backend == "redis" && cfg.Queue.RedisURL == "" {
		return fmt.Errorf("queue.redisURL is required for the redis backend")
	}
	if cfg.Queue.Backend == "sqlite" && cfg.Queue.SQLitePath == "" {
		return fmt.Errorf("queue.sqlitePath is required for the sqlite backend")
	}

	maxBody, err := parseBytes(cfg.Server.MaxBodySize)
	if err != nil {
		return fmt.Errorf("server.maxBodySize: %w", err)
	}
	if maxBody <= 0 {
		return fmt.Errorf("server.maxBodySize must be positive")
	}
	cfg.Server.maxBodyBytes = maxBody

	if cfg.Storage.Max != "" {
		n, err := parseBytes(cfg.Storage.Max)
		if err != nil {
			return fmt.Errorf("storage.max: %w", err)
		}
		cfg.Storage.maxBytes = n
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.fetchTimeout", cfg.Server.FetchTimeout, &cfg.Server.fetchTimeoutDur},
		{"sync.every", cfg.Sync.Every, &cfg.Sync.everyDur},
		{"lifecycle.installRetry", cfg.Lifecycle.InstallRetry, &cfg.Lifecycle.installRetryDur},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, &cfg.Logging.logStatsEveryDur},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

// OriginURL is the parsed server.origin.
func (cfg *Config) OriginURL() *url.URL { return cfg.Server.originURL }

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}
