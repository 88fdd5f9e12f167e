// Package redis provides a Redis-backed ratelimit.WindowStore so that daily
// budgets are shared between gateway replicas.
//
// Each window is a sorted set scored by event time in microseconds. Pruning,
// counting and recording happen in one Lua script, so concurrent replicas
// cannot both take the last slot of a window.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/admission-gateway/ratelimit"
)

// KEYS[1] window key; ARGV: cutoff, now, limit, member, ttl ms.
var windowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local n = redis.call("ZCARD", KEYS[1])
if n >= tonumber(ARGV[3]) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

// Config for the Redis window store. Zero KeyPrefix and Timeout take the
// package defaults.
type Config struct {
	RedisAddr string
	KeyPrefix string
	// Timeout bounds each script call.
	Timeout time.Duration
}

const (
	defaultPrefix  = "gw:rl:"
	defaultTimeout = 2 * time.Second
)

// Store implements ratelimit.WindowStore. When Redis is unreachable it falls
// back to a process-local window store.
type Store struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
	fallback  *ratelimit.MemoryWindows
	log       *slog.Logger
	seq       atomic.Uint64
	degraded  atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithoutFallback makes Add return Redis errors to the caller instead of
// falling back to local windows.
func WithoutFallback() Option {
	return func(s *Store) { s.fallback = nil }
}

// New connects to cfg.RedisAddr and verifies the connection.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis: address is required")
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg, opts...), nil
}

// NewWithClient wraps an existing client. The store takes ownership of it.
func NewWithClient(client *redis.Client, cfg Config, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		timeout:   cfg.Timeout,
		fallback:  ratelimit.NewMemoryWindows(),
		log:       slog.Default(),
	}
	if s.keyPrefix == "" {
		s.keyPrefix = defaultPrefix
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) windowKey(key string) string { return s.keyPrefix + "win:" + key }

// member is unique per call so that two events in the same microsecond are
// both recorded.
func (s *Store) member(now time.Time) string {
	return strconv.FormatInt(now.UnixMicro(), 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)
}

func (s *Store) Add(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := now.Add(-window).UnixMicro()
	res, err := windowScript.Run(ctx, s.client, []string{s.windowKey(key)},
		cutoff, now.UnixMicro(), limit, s.member(now), window.Milliseconds(),
	).Int64()
	if err != nil {
		if s.fallback == nil {
			return false, fmt.Errorf("redis window %s: %w", key, err)
		}
		if !s.degraded.Swap(true) {
			s.log.WarnContext(ctx, "ratelimit.redis.fallback", slog.String("err", err.Error()))
		}
		return s.fallback.Add(ctx, key, now, window, limit)
	}
	if s.degraded.Swap(false) {
		s.log.InfoContext(ctx, "ratelimit.redis.recovered")
	}
	return res == 1, nil
}

// Count returns the number of events currently stored for key, ignoring the
// local fallback.
func (s *Store) Count(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, s.windowKey(key)).Result()
}

// Sweep garbage-collects the local fallback windows. Redis keys expire on
// their own.
func (s *Store) Sweep(now time.Time, idle time.Duration) int {
	if s.fallback == nil {
		return 0
	}
	return s.fallback.Sweep(now, idle)
}

// Degraded reports whether the last call fell back to local windows.
func (s *Store) Degraded() bool { return s.degraded.Load() }

var (
	_ ratelimit.WindowStore = (*Store)(nil)
	_ ratelimit.Sweeper     = (*Store)(nil)
)
