// Package ratelimit decides whether a request may proceed based on per-IP
// and per-user budgets.
//
// Each caller is checked, in order, against an IP cooldown, an IP token
// bucket (QPS), an IP sliding window (daily), and then, when a user is
// known, a user token bucket and a user sliding window. The first check that
// fails denies the request. Anonymous callers and callers whose User-Agent
// looks automated get the tighter anonymous budgets.
//
// Failed requests reported through RecordOutcome push an IP toward a
// cooldown during which every request from it is denied.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/ggoodman/admission-gateway/metrics"
)

// Reason identifies which check denied a request.
type Reason string

const (
	ReasonIPCooldown Reason = "ip_cooldown"
	ReasonIPQPS      Reason = "ip_qps"
	ReasonIPDaily    Reason = "ip_daily"
	ReasonUserQPS    Reason = "user_qps"
	ReasonUserDaily  Reason = "user_daily"
)

var reasons = []Reason{ReasonIPCooldown, ReasonIPQPS, ReasonIPDaily, ReasonUserQPS, ReasonUserDaily}

var messages = map[Reason]string{
	ReasonIPCooldown: "IP in cooldown period",
	ReasonIPQPS:      "IP QPS limit exceeded",
	ReasonIPDaily:    "IP daily limit exceeded",
	ReasonUserQPS:    "User QPS limit exceeded",
	ReasonUserDaily:  "User daily limit exceeded",
}

const (
	qpsRetryAfter   = 60 * time.Second
	dailyRetryAfter = time.Hour
)

// DefaultSuspiciousUserAgents are matched case-insensitively as substrings.
var DefaultSuspiciousUserAgents = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget", "python-requests",
	"postman", "insomnia", "httpie", "test", "monitor",
}

// Config holds the budgets. A QPS or daily value of zero or less disables
// that check.
type Config struct {
	UserQPS   int
	UserDaily int
	IPQPS     int
	IPDaily   int
	AnonQPS   int
	AnonDaily int

	CooldownDuration time.Duration
	FailureThreshold int

	SuspiciousUserAgents []string

	// DailyWindow is the span of the daily sliding windows.
	DailyWindow time.Duration
	// IdleTTL is how long an untouched entry survives a sweep.
	IdleTTL time.Duration
	// SweepInterval is the period of Run.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		UserQPS:              10,
		UserDaily:            1000,
		IPQPS:                20,
		IPDaily:              5000,
		AnonQPS:              5,
		AnonDaily:            100,
		CooldownDuration:     5 * time.Minute,
		FailureThreshold:     10,
		SuspiciousUserAgents: DefaultSuspiciousUserAgents,
		DailyWindow:          24 * time.Hour,
		IdleTTL:              time.Hour,
		SweepInterval:        5 * time.Minute,
	}
}

// Request describes the caller being admitted. UserID is empty when the
// caller has no verified identity.
type Request struct {
	UserID      string
	ClientIP    string
	UserAgent   string
	IsAnonymous bool
}

// Decision is the outcome of CheckAndConsume. RetryAfter is zero when the
// request is allowed.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Message    string
	RetryAfter time.Duration
}

func deny(r Reason, retry time.Duration) Decision {
	return Decision{Reason: r, Message: messages[r], RetryAfter: retry}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// take refills by elapsed time and consumes one token. A bucket created for
// one budget is resized in place when the caller's class changes.
func (b *bucket) take(now time.Time, qps int) bool {
	if b.lim.Burst() != qps {
		b.lim.SetLimitAt(now, rate.Limit(qps))
		b.lim.SetBurstAt(now, qps)
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

type cooldown struct {
	failures      int
	lastFailureAt time.Time
	cooldownUntil time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	ipBuckets   *table[*bucket]
	userBuckets *table[*bucket]
	cooldowns   *table[*cooldown]
	windows     WindowStore
	suspicious  []string

	allowed atomic.Int64
	blocked map[Reason]*atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithWindowStore replaces the in-memory daily window store, e.g. with a
// Redis store shared between replicas.
func WithWindowStore(s WindowStore) Option {
	return func(l *Limiter) {
		if s != nil {
			l.windows = s
		}
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.DailyWindow <= 0 {
		cfg.DailyWindow = def.DailyWindow
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SuspiciousUserAgents == nil {
		cfg.SuspiciousUserAgents = def.SuspiciousUserAgents
	}

	l := &Limiter{
		cfg:         cfg,
		clock:       clock.New(),
		log:         slog.Default(),
		ipBuckets:   newTable[*bucket](),
		userBuckets: newTable[*bucket](),
		cooldowns:   newTable[*cooldown](),
		windows:     NewMemoryWindows(),
		blocked:     make(map[Reason]*atomic.Int64, len(reasons)),
	}
	for _, r := range reasons {
		l.blocked[r] = new(atomic.Int64)
	}
	for _, p := range cfg.SuspiciousUserAgents {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			l.suspicious = append(l.suspicious, p)
		}
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// IsSuspicious reports whether ua is empty or contains a denylisted
// substring.
func (l *Limiter) IsSuspicious(ua string) bool {
	if strings.TrimSpace(ua) == "" {
		return true
	}
	ua = strings.ToLower(ua)
	for _, p := range l.suspicious {
		if strings.Contains(ua, p) {
			return true
		}
	}
	return false
}

// CheckAndConsume runs the admission checks for req and, when allowed,
// consumes one unit from every budget it passed.
func (l *Limiter) CheckAndConsume(ctx context.Context, req Request) Decision {
	now := l.clock.Now()
	suspicious := l.IsSuspicious(req.UserAgent)
	d := l.check(ctx, req, now, suspicious)

	l.metrics.RateLimitCheck(d.Allowed)
	if d.Allowed {
		l.allowed.Add(1)
		return d
	}
	l.blocked[d.Reason].Add(1)
	l.metrics.RateLimitBlock(string(d.Reason), req.IsAnonymous)
	l.log.WarnContext(ctx, "ratelimit.block",
		slog.String("reason", string(d.Reason)),
		slog.String("client_ip", req.ClientIP),
		slog.String("user_id", req.UserID),
		slog.Bool("anonymous", req.IsAnonymous),
		slog.Bool("suspicious", suspicious),
		slog.Duration("retry_after", d.RetryAfter),
	)
	return d
}

func (l *Limiter) check(ctx context.Context, req Request, now time.Time, suspicious bool) Decision {
	var until time.Time
	l.cooldowns.peek(req.ClientIP, func(c *cooldown) { until = c.cooldownUntil })
	if until.After(now) {
		return deny(ReasonIPCooldown, ceilSeconds(until.Sub(now)))
	}

	ipQPS := l.cfg.IPQPS
	if req.IsAnonymous || suspicious {
		ipQPS = l.cfg.AnonQPS
	}
	if !l.take(l.ipBuckets, req.ClientIP, now, ipQPS) {
		return deny(ReasonIPQPS, qpsRetryAfter)
	}
	if !l.addEvent(ctx, "ip:"+req.ClientIP, now, l.cfg.IPDaily) {
		return deny(ReasonIPDaily, dailyRetryAfter)
	}

	if req.UserID == "" {
		return Decision{Allowed: true}
	}
	userQPS, userDaily := l.cfg.UserQPS, l.cfg.UserDaily
	if req.IsAnonymous {
		userQPS, userDaily = l.cfg.AnonQPS, l.cfg.AnonDaily
	}
	if !l.take(l.userBuckets, req.UserID, now, userQPS) {
		return deny(ReasonUserQPS, qpsRetryAfter)
	}
	if !l.addEvent(ctx, "user:"+req.UserID, now, userDaily) {
		return deny(ReasonUserDaily, dailyRetryAfter)
	}
	return Decision{Allowed: true}
}

func (l *Limiter) take(t *table[*bucket], key string, now time.Time, qps int) bool {
	if qps <= 0 {
		return true
	}
	var ok bool
	t.do(key,
		func() *bucket { return &bucket{lim: rate.NewLimiter(rate.Limit(qps), qps)} },
		func(b *bucket) { ok = b.take(now, qps) },
	)
	return ok
}

func (l *Limiter) addEvent(ctx context.Context, key string, now time.Time, limit int) bool {
	if limit <= 0 {
		return true
	}
	ok, err := l.windows.Add(ctx, key, now, l.cfg.DailyWindow, limit)
	if err != nil {
		// Fail open: a broken shared store must not take the gateway down.
		l.log.ErrorContext(ctx, "ratelimit.window.error", slog.String("key", key), slog.String("err", err.Error()))
		return true
	}
	return ok
}

// RecordOutcome feeds the cooldown tracker for clientIP. A failure counts
// toward the threshold and, once it is reached, starts or extends the
// cooldown. A success clears both the count and any cooldown.
func (l *Limiter) RecordOutcome(ctx context.Context, clientIP string, success bool) {
	now := l.clock.Now()
	if success {
		l.cooldowns.peek(clientIP, func(c *cooldown) {
			c.failures = 0
			c.cooldownUntil = time.Time{}
		})
		return
	}

	var (
		started  bool
		failures int
		until    time.Time
	)
	l.cooldowns.do(clientIP, func() *cooldown { return &cooldown{} }, func(c *cooldown) {
		c.failures++
		c.lastFailureAt = now
		failures = c.failures
		if l.cfg.FailureThreshold > 0 && c.failures >= l.cfg.FailureThreshold {
			started = !c.cooldownUntil.After(now)
			c.cooldownUntil = now.Add(l.cfg.CooldownDuration)
			until = c.cooldownUntil
		}
	})
	if started {
		l.log.WarnContext(ctx, "ratelimit.cooldown.start",
			slog.String("client_ip", clientIP),
			slog.Int("failures", failures),
			slog.Time("until", until),
		)
	}
}

// CooldownRemaining reports how long clientIP stays in cooldown.
func (l *Limiter) CooldownRemaining(clientIP string) time.Duration {
	now := l.clock.Now()
	var d time.Duration
	l.cooldowns.peek(clientIP, func(c *cooldown) {
		if c.cooldownUntil.After(now) {
			d = c.cooldownUntil.Sub(now)
		}
	})
	return d
}

func ceilSeconds(d time.Duration) time.Duration {
	s := math.Ceil(d.Seconds())
	if s < 1 {
		s = 1
	}
	return time.Duration(s) * time.Second
}
