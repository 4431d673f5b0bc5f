// Package config loads the rpcguard configuration from an optional YAML file
// and the environment, and derives the per-component configurations.
//
// Precedence, lowest first: built-in defaults (the env tag defaults), the
// YAML file, then environment variables that are explicitly set.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/rpcguard-go/batch"
	"github.com/ggoodman/rpcguard-go/connpool"
	"github.com/ggoodman/rpcguard-go/metrics"
	"github.com/ggoodman/rpcguard-go/retry"
	"github.com/ggoodman/rpcguard-go/session"
	"github.com/ggoodman/rpcguard-go/storage"
	"github.com/ggoodman/rpcguard-go/storage/file"
	"github.com/ggoodman/rpcguard-go/storage/memory"
	"github.com/ggoodman/rpcguard-go/storage/redis"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Transports.
const (
	TransportMulticall = "multicall"
	TransportJSONRPC   = "jsonrpc"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete configuration surface.
type Config struct {
	Retry     Retry     `yaml:"retry"`
	Circuit   Circuit   `yaml:"circuit"`
	Batch     Batch     `yaml:"batch"`
	Session   Session   `yaml:"session"`
	Storage   Storage   `yaml:"storage"`
	RateLimit RateLimit `yaml:"rateLimit"`
	Metrics   Metrics   `yaml:"metrics"`

	// Networks maps network ids to RPC endpoint URLs.
	// ENV: RPCGUARD_NETWORKS="1=https://...;137=https://..."
	Networks       Networks `yaml:"networks" env:"RPCGUARD_NETWORKS"`
	DefaultNetwork uint64   `yaml:"defaultNetwork" env:"RPCGUARD_DEFAULT_NETWORK,default=1"`
	// VerifyChainID makes the dialer confirm each endpoint's chain id.
	VerifyChainID bool   `yaml:"verifyChainId" env:"RPCGUARD_VERIFY_CHAIN_ID,default=true"`
	Transport     string `yaml:"transport" env:"RPCGUARD_TRANSPORT,default=multicall"`
	LogLevel      string `yaml:"logLevel" env:"RPCGUARD_LOG_LEVEL,default=info"`
}

type Retry struct {
	MaxRetries         int           `yaml:"maxRetries" env:"RPCGUARD_MAX_RETRIES,default=3"`
	RetryDelay         time.Duration `yaml:"retryDelay" env:"RPCGUARD_RETRY_DELAY,default=1s"`
	ExponentialBackoff bool          `yaml:"exponentialBackoff" env:"RPCGUARD_EXPONENTIAL_BACKOFF,default=true"`
	MaxRetryDelay      time.Duration `yaml:"maxRetryDelay" env:"RPCGUARD_MAX_RETRY_DELAY,default=10s"`
	Timeout            time.Duration `yaml:"attemptTimeout" env:"RPCGUARD_ATTEMPT_TIMEOUT,default=30s"`
	Parallelism        int           `yaml:"parallelism" env:"RPCGUARD_PARALLELISM,default=8"`
}

type Circuit struct {
	FailureThreshold int           `yaml:"failureThreshold" env:"RPCGUARD_CIRCUIT_FAILURE_THRESHOLD,default=5"`
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout" env:"RPCGUARD_CIRCUIT_RECOVERY_TIMEOUT,default=60s"`
}

type Batch struct {
	Size   int           `yaml:"size" env:"RPCGUARD_BATCH_SIZE,default=100"`
	Pacing time.Duration `yaml:"pacing" env:"RPCGUARD_BATCH_PACING,default=16ms"`
}

type Session struct {
	MaxAge      time.Duration `yaml:"maxAge" env:"RPCGUARD_SESSION_MAX_AGE,default=168h"`
	Inactivity  time.Duration `yaml:"inactivity" env:"RPCGUARD_SESSION_INACTIVITY,default=24h"`
	StatsMaxAge time.Duration `yaml:"statsMaxAge" env:"RPCGUARD_STATS_MAX_AGE,default=720h"`
}

type Storage struct {
	Backend   string `yaml:"backend" env:"RPCGUARD_STORAGE,default=file"`
	Dir       string `yaml:"dir" env:"RPCGUARD_STORAGE_DIR,default=.rpcguard"`
	MaxItems  int    `yaml:"maxItems" env:"RPCGUARD_STORAGE_MAX_ITEMS,default=1024"`
	RedisAddr string `yaml:"redisAddr" env:"REDIS_ADDR,default=localhost:6379"`
	KeyPrefix string `yaml:"keyPrefix" env:"RPCGUARD_KEY_PREFIX,default=rpcguard:"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps" env:"RPCGUARD_RATE_LIMIT_RPS,default=0"`
	Burst int     `yaml:"burst" env:"RPCGUARD_RATE_LIMIT_BURST,default=1"`
}

type Metrics struct {
	Enabled       bool          `yaml:"enabled" env:"RPCGUARD_METRICS_ENABLED,default=true"`
	SampleRate    float64       `yaml:"sampleRate" env:"RPCGUARD_METRICS_SAMPLE_RATE,default=1"`
	MaxSamples    int           `yaml:"maxSamples" env:"RPCGUARD_METRICS_MAX_SAMPLES,default=1000"`
	FlushInterval time.Duration `yaml:"flushInterval" env:"RPCGUARD_METRICS_FLUSH_INTERVAL,default=30s"`
}

// Networks maps network ids to endpoint URLs.
type Networks map[uint64]string

// Decode implements envdecode.Decoder for "id=url;id=url".
func (n *Networks) Decode(raw string) error {
	out := Networks{}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, u, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("network entry %q: expected id=url", entry)
		}
		parsed, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return fmt.Errorf("network entry %q: %w", entry, err)
		}
		out[parsed] = strings.TrimSpace(u)
	}
	*n = out
	return nil
}

// IDs returns the configured network ids in ascending order.
func (n Networks) IDs() []uint64 {
	ids := make([]uint64, 0, len(n))
	for id := range n {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Default returns the configuration with no file and no environment.
func Default() Config {
	return Config{
		Retry: Retry{
			MaxRetries:         3,
			RetryDelay:         time.Second,
			ExponentialBackoff: true,
			MaxRetryDelay:      10 * time.Second,
			Timeout:            30 * time.Second,
			Parallelism:        8,
		},
		Circuit: Circuit{FailureThreshold: retry.DefaultFailureThreshold, RecoveryTimeout: retry.DefaultRecoveryTimeout},
		Batch:   Batch{Size: 100, Pacing: 16 * time.Millisecond},
		Session: Session{MaxAge: 168 * time.Hour, Inactivity: 24 * time.Hour, StatsMaxAge: 720 * time.Hour},
		Storage: Storage{
			Backend:   BackendFile,
			Dir:       ".rpcguard",
			MaxItems:  1024,
			RedisAddr: "localhost:6379",
			KeyPrefix: "rpcguard:",
		},
		RateLimit:      RateLimit{Burst: 1},
		Metrics:        Metrics{Enabled: true, SampleRate: 1, MaxSamples: 1000, FlushInterval: 30 * time.Second},
		Networks:       Networks{},
		DefaultNetwork: 1,
		VerifyChainID:  true,
		Transport:      TransportMulticall,
		LogLevel:       "info",
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	var env Config
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if env.Networks == nil {
		env.Networks = Networks{}
	}

	cfg := env
	cfg.Networks = maps.Clone(env.Networks)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		overrideFromEnv(reflect.ValueOf(&cfg).Elem(), reflect.ValueOf(&env).Elem())
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// overrideFromEnv copies every env-tagged field whose variable is set from
// src into dst, recursing into nested sections.
func overrideFromEnv(dst, src reflect.Value) {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if tag, ok := f.Tag.Lookup("env"); ok {
			name, _, _ := strings.Cut(tag, ",")
			if _, set := os.LookupEnv(name); set {
				dst.Field(i).Set(src.Field(i))
			}
			continue
		}
		if f.Type.Kind() == reflect.Struct {
			overrideFromEnv(dst.Field(i), src.Field(i))
		}
	}
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Retry.MaxRetries >= 0, "retry.maxRetries must not be negative")
	check(c.Retry.RetryDelay > 0, "retry.retryDelay must be positive")
	check(c.Retry.MaxRetryDelay >= c.Retry.RetryDelay, "retry.maxRetryDelay must be at least retry.retryDelay")
	check(c.Retry.Timeout > 0, "retry.attemptTimeout must be positive")
	check(c.Retry.Parallelism > 0, "retry.parallelism must be positive")
	check(c.Circuit.FailureThreshold > 0, "circuit.failureThreshold must be positive")
	check(c.Circuit.RecoveryTimeout > 0, "circuit.recoveryTimeout must be positive")
	check(c.Batch.Size > 0, "batch.size must be positive")
	check(c.Batch.Pacing >= 0, "batch.pacing must not be negative")
	check(c.Session.MaxAge > 0, "session.maxAge must be positive")
	check(c.Session.Inactivity > 0 && c.Session.Inactivity <= c.Session.MaxAge, "session.inactivity must be positive and at most session.maxAge")
	check(c.Session.StatsMaxAge > 0, "session.statsMaxAge must be positive")
	check(c.RateLimit.RPS >= 0, "rateLimit.rps must not be negative")
	check(c.Metrics.SampleRate >= 0 && c.Metrics.SampleRate <= 1, "metrics.sampleRate must be within [0,1]")
	check(c.Metrics.MaxSamples > 0, "metrics.maxSamples must be positive")
	check(c.DefaultNetwork > 0, "defaultNetwork must be set")

	switch c.Storage.Backend {
	case BackendMemory:
		check(c.Storage.MaxItems > 0, "storage.maxItems must be positive")
	case BackendFile:
		check(c.Storage.Dir != "", "storage.dir is required for the file backend")
	case BackendRedis:
		check(c.Storage.RedisAddr != "", "storage.redisAddr is required for the redis backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, file, redis", c.Storage.Backend))
	}

	switch c.Transport {
	case TransportMulticall, TransportJSONRPC:
	default:
		errs = append(errs, fmt.Errorf("transport %q is not one of multicall, jsonrpc", c.Transport))
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	for _, id := range c.Networks.IDs() {
		u, err := url.Parse(c.Networks[id])
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("networks[%d]: invalid endpoint URL %q", id, c.Networks[id]))
			continue
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("networks[%d]: unsupported scheme %q", id, u.Scheme))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// RetryConfig derives the retry engine configuration.
func (c Config) RetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = c.Retry.MaxRetries
	cfg.RetryDelay = c.Retry.RetryDelay
	cfg.ExponentialBackoff = c.Retry.ExponentialBackoff
	cfg.MaxRetryDelay = c.Retry.MaxRetryDelay
	cfg.Timeout = c.Retry.Timeout
	cfg.Parallelism = c.Retry.Parallelism
	return cfg
}

// BatchConfig derives the batcher configuration.
func (c Config) BatchConfig() batch.Config {
	return batch.Config{BatchSize: c.Batch.Size, Pacing: c.Batch.Pacing}
}

// SessionConfig derives the session store configuration.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		MaxAge:         c.Session.MaxAge,
		Inactivity:     c.Session.Inactivity,
		StatsMaxAge:    c.Session.StatsMaxAge,
		DefaultNetwork: c.DefaultNetwork,
	}
}

// MetricsConfig derives the monitor configuration.
func (c Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:       c.Metrics.Enabled,
		SampleRate:    c.Metrics.SampleRate,
		MaxSamples:    c.Metrics.MaxSamples,
		FlushInterval: c.Metrics.FlushInterval,
	}
}

// RateLimitConfig derives the per-handle rate limit.
func (c Config) RateLimitConfig() connpool.RateLimit {
	return connpool.RateLimit{RPS: c.RateLimit.RPS, Burst: c.RateLimit.Burst}
}

// Dialer returns a dialer over the configured networks.
func (c Config) Dialer() connpool.EthDialer {
	urls := make(map[uint64]string, len(c.Networks))
	for id, u := range c.Networks {
		urls[id] = u
	}
	return connpool.EthDialer{URLs: urls, VerifyChainID: c.VerifyChainID}
}

// Level returns the slog level for LogLevel.
func (c Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logLevel %q: %w", s, err)
	}
	return l, nil
}

// OpenStorage opens the configured backend. Redis connectivity is checked
// before returning.
func (c Config) OpenStorage(ctx context.Context, log *slog.Logger) (storage.Storage, error) {
	switch c.Storage.Backend {
	case BackendMemory:
		s, err := memory.New(c.Storage.MaxItems)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendFile:
		s, err := file.New(c.Storage.Dir, file.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		s, err := redis.New(redis.Config{Addr: c.Storage.RedisAddr, KeyPrefix: c.Storage.KeyPrefix})
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend)
	}
}
