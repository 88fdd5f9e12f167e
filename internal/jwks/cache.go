// Package jwks keeps the set of keys used to verify token signatures.
//
// A Cache is backed by one of three sources: a remote JWKS URL refreshed on a
// TTL, static key material that never expires, or a key file that is reloaded
// when it changes on disk. The current set is published through an atomic
// pointer, so readers never observe a partially updated set and never wait
// on a refresh once a set exists.
package jwks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/admission-gateway/metrics"
)

const (
	// MinTTL bounds how often a remote set may be refetched.
	MinTTL = 60 * time.Second
	// DefaultTTL is used when no TTL is configured.
	DefaultTTL = 15 * time.Minute
	// RetryBackoff is how long lookups wait after a failed fetch before
	// starting another. It doubles per consecutive failure, up to MinTTL.
	// Refresh ignores it.
	RetryBackoff = 5 * time.Second

	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
	flightKey      = "jwks"
)

// Cache resolves verification keys by kid.
type Cache struct {
	url  string
	path string

	client  *http.Client
	ttl     time.Duration
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	set   atomic.Pointer[keySet]
	group singleflight.Group
	load  func(ctx context.Context) (*keySet, error)

	retryMu  sync.Mutex
	retryAt  time.Time
	failures int
	lastErr  error
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient sets the client used to fetch remote key sets.
func WithHTTPClient(c *http.Client) Option {
	return func(k *Cache) {
		if c != nil {
			k.client = c
		}
	}
}

// WithTimeout sets the remote fetch timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(k *Cache) {
		if d > 0 {
			k.client = &http.Client{Timeout: d}
		}
	}
}

// WithTTL sets how long a fetched set is considered fresh. Values below
// MinTTL are raised to MinTTL.
func WithTTL(d time.Duration) Option {
	return func(k *Cache) {
		if d <= 0 {
			return
		}
		k.ttl = max(d, MinTTL)
	}
}

func WithClock(c clock.Clock) Option {
	return func(k *Cache) {
		if c != nil {
			k.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(k *Cache) {
		if l != nil {
			k.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(k *Cache) { k.metrics = m }
}

func newCache(opts []Option) *Cache {
	c := &Cache{
		client: &http.Client{Timeout: defaultTimeout},
		ttl:    DefaultTTL,
		clock:  clock.New(),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewRemote returns a Cache that fetches keys from a JWKS URL. Nothing is
// fetched until the first lookup or an explicit Refresh.
func NewRemote(url string, opts ...Option) (*Cache, error) {
	if url == "" {
		return nil, ErrNoSource
	}
	c := newCache(opts)
	c.url = url
	c.load = c.fetch
	return c, nil
}

// NewStatic returns a Cache holding the given key material forever.
func NewStatic(data []byte, opts ...Option) (*Cache, error) {
	c := newCache(opts)
	keys, err := ParseSet(data, SourceStatic, c.log)
	if err != nil {
		return nil, fmt.Errorf("static keys: %w", err)
	}
	c.set.Store(&keySet{keys: keys, fetchedAt: c.clock.Now(), static: true})
	return c, nil
}

// NewFile returns a Cache holding the keys read from path. The keys never
// expire; call Watch to pick up changes to the file.
func NewFile(path string, opts ...Option) (*Cache, error) {
	if path == "" {
		return nil, ErrNoSource
	}
	c := newCache(opts)
	c.path = path
	c.load = c.readFile
	set, err := c.readFile(context.Background())
	if err != nil {
		return nil, err
	}
	c.set.Store(set)
	return c, nil
}

// GetKey returns the key for kid. When no set has been loaded yet the caller
// waits for the first fetch; a stale set is served while a background
// refresh runs.
func (c *Cache) GetKey(ctx context.Context, kid string) (Key, error) {
	set, err := c.current(ctx)
	if err != nil {
		return Key{}, err
	}
	return set.lookup(kid)
}

// Keys returns a snapshot of the currently published keys without
// triggering a fetch.
func (c *Cache) Keys() []Key {
	s := c.set.Load()
	if s == nil {
		return nil
	}
	return append([]Key(nil), s.keys...)
}

// Refresh reloads the set synchronously. Concurrent refreshes share a single
// fetch. On failure the previous set stays published.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.load == nil {
		return nil
	}
	_, err, _ := c.group.Do(flightKey, func() (any, error) {
		return c.reload(ctx)
	})
	return err
}

func (c *Cache) current(ctx context.Context) (*keySet, error) {
	if s := c.set.Load(); s != nil {
		if s.static || c.clock.Since(s.fetchedAt) < c.ttl {
			c.metrics.JWKSLookup(metrics.CacheHit)
			return s, nil
		}
		c.metrics.JWKSLookup(metrics.CacheStale)
		if _, err := c.backingOff(); err != nil {
			return s, nil
		}
		// The result is dropped; the refresh publishes on success and logs on
		// failure.
		c.group.DoChan(flightKey, func() (any, error) {
			return c.reload(context.WithoutCancel(ctx))
		})
		return s, nil
	}

	if c.load == nil {
		return nil, ErrNoSource
	}
	c.metrics.JWKSLookup(metrics.CacheMiss)
	if wait, err := c.backingOff(); err != nil {
		return nil, fmt.Errorf("%w: %v (retry in %s)", ErrKeyFetchFailed, err, wait)
	}
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.reload(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, res.Err)
		}
		return res.Val.(*keySet), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, ctx.Err())
	}
}

func (c *Cache) reload(ctx context.Context) (*keySet, error) {
	set, err := c.load(ctx)
	if err != nil {
		wait := c.noteFailure(err)
		c.metrics.JWKSLookup(metrics.CacheError)
		c.log.WarnContext(ctx, "jwks.refresh.fail",
			slog.String("source", c.source()),
			slog.Bool("stale_available", c.set.Load() != nil),
			slog.Duration("retry_in", wait),
			slog.String("err", err.Error()),
		)
		return nil, err
	}
	c.noteSuccess()
	c.set.Store(set)
	c.log.InfoContext(ctx, "jwks.refresh.ok",
		slog.String("source", c.source()),
		slog.Int("keys", len(set.keys)),
	)
	return set, nil
}

// backingOff returns the remaining wait and the last fetch error while a
// failed fetch is still cooling off.
func (c *Cache) backingOff() (time.Duration, error) {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	if c.lastErr == nil {
		return 0, nil
	}
	wait := c.retryAt.Sub(c.clock.Now())
	if wait <= 0 {
		return 0, nil
	}
	return wait, c.lastErr
}

func (c *Cache) noteFailure(err error) time.Duration {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	c.failures++
	wait := MinTTL
	if c.failures < 5 {
		wait = min(RetryBackoff<<(c.failures-1), MinTTL)
	}
	c.retryAt = c.clock.Now().Add(wait)
	c.lastErr = err
	return wait
}

func (c *Cache) noteSuccess() {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	c.failures = 0
	c.lastErr = nil
	c.retryAt = time.Time{}
}

func (c *Cache) source() string {
	if c.path != "" {
		return c.path
	}
	return c.url
}

func (c *Cache) fetch(ctx context.Context) (*keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}

	// A remote document must be a key set; single keys and arrays are only
	// accepted for static material.
	if !hasKeysField(body) {
		return nil, errors.New("jwks response missing keys")
	}
	keys, err := ParseSet(body, SourceJWKS, c.log)
	if err != nil {
		return nil, err
	}
	return &keySet{keys: keys, fetchedAt: c.clock.Now()}, nil
}

func (c *Cache) readFile(context.Context) (*keySet, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	keys, err := ParseSet(data, SourceStatic, c.log)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", c.path, err)
	}
	return &keySet{keys: keys, fetchedAt: c.clock.Now(), static: true}, nil
}
