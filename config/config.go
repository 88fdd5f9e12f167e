// Package config loads gateway settings from the environment and builds the
// per-component configurations from them.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/admission-gateway/auth"
	"github.com/ggoodman/admission-gateway/ratelimit"
	rlredis "github.com/ggoodman/admission-gateway/ratelimit/redis"
	"github.com/ggoodman/admission-gateway/streamguard"
)

// Config is decoded with envdecode. List values are separated by ';'.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR,default=:9999"`
	AdminAddr   string `env:"ADMIN_ADDR,default=127.0.0.1:9998"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	TraceHeader string `env:"TRACE_HEADER_NAME,default=X-Trace-Id"`
	AnonEnabled bool   `env:"ANON_ENABLED,default=true"`

	// TrustedProxies gates X-Forwarded-For. Empty trusts the header from any peer.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	Auth      Auth
	RateLimit RateLimit
	SSE       SSE
	Redis     Redis
}

type Auth struct {
	JWKSURL   string `env:"SUPABASE_JWKS_URL"`
	StaticJWK string `env:"SUPABASE_JWK"`
	KeyFile   string `env:"SUPABASE_JWK_FILE"`
	Discovery bool   `env:"OIDC_DISCOVERY,default=false"`

	Issuer           string   `env:"SUPABASE_ISSUER"`
	AllowedIssuers   []string `env:"JWT_ALLOWED_ISSUERS"`
	AudienceOverride string   `env:"JWT_AUDIENCE"`
	Audience         string   `env:"SUPABASE_AUDIENCE"`
	ProjectID        string   `env:"SUPABASE_PROJECT_ID"`

	AllowedAlgorithms []string `env:"JWT_ALLOWED_ALGORITHMS,default=ES256;RS256;HS256"`
	ClockSkewSeconds  int      `env:"JWT_CLOCK_SKEW_SECONDS,default=120"`
	MaxFutureIatSecs  int      `env:"JWT_MAX_FUTURE_IAT_SECONDS,default=120"`
	RequireNbf        bool     `env:"JWT_REQUIRE_NBF,default=false"`

	CacheTTLSeconds    int `env:"JWKS_CACHE_TTL_SECONDS,default=900"`
	HTTPTimeoutSeconds int `env:"HTTP_TIMEOUT_SECONDS,default=10"`
}

type RateLimit struct {
	UserQPS          int      `env:"RATE_LIMIT_PER_USER_QPS,default=10"`
	UserDaily        int      `env:"RATE_LIMIT_PER_USER_DAILY,default=1000"`
	IPQPS            int      `env:"RATE_LIMIT_PER_IP_QPS,default=20"`
	IPDaily          int      `env:"RATE_LIMIT_PER_IP_DAILY,default=5000"`
	AnonQPS          int      `env:"RATE_LIMIT_ANONYMOUS_QPS,default=5"`
	AnonDaily        int      `env:"RATE_LIMIT_ANONYMOUS_DAILY,default=100"`
	CooldownSeconds  int      `env:"RATE_LIMIT_COOLDOWN_SECONDS,default=300"`
	FailureThreshold int      `env:"RATE_LIMIT_FAILURE_THRESHOLD,default=10"`
	SuspiciousUA     []string `env:"RATE_LIMIT_SUSPICIOUS_UA"`
}

type SSE struct {
	MaxPerUser          int `env:"SSE_MAX_CONCURRENT_PER_USER,default=2"`
	MaxPerAnonymousUser int `env:"SSE_MAX_CONCURRENT_PER_ANONYMOUS_USER,default=1"`
	MaxPerConversation  int `env:"SSE_MAX_CONCURRENT_PER_CONVERSATION,default=1"`
	MaxAgeSeconds       int `env:"SSE_MAX_CONNECTION_AGE_SECONDS,default=3600"`
}

// Redis enables shared daily windows when Addr is set.
type Redis struct {
	Addr      string        `env:"REDIS_ADDR"`
	KeyPrefix string        `env:"RATE_LIMIT_KEY_PREFIX,default=gw:rl:"`
	Timeout   time.Duration `env:"RATE_LIMIT_REDIS_TIMEOUT,default=2s"`
}

// Load decodes the process environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Auth.AllowedIssuers = trimList(cfg.Auth.AllowedIssuers)
	cfg.Auth.AllowedAlgorithms = trimList(cfg.Auth.AllowedAlgorithms)
	cfg.RateLimit.SuspiciousUA = trimList(cfg.RateLimit.SuspiciousUA)
	cfg.TrustedProxies = trimList(cfg.TrustedProxies)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]int{
		"JWT_CLOCK_SKEW_SECONDS":         c.Auth.ClockSkewSeconds,
		"JWT_MAX_FUTURE_IAT_SECONDS":     c.Auth.MaxFutureIatSecs,
		"RATE_LIMIT_COOLDOWN_SECONDS":    c.RateLimit.CooldownSeconds,
		"SSE_MAX_CONNECTION_AGE_SECONDS": c.SSE.MaxAgeSeconds,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("config: %s must not be negative", name))
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Security builds the token verification settings.
func (c *Config) Security() auth.SecurityConfig {
	a := c.Auth
	sec := auth.SecurityConfig{
		JWKSURL:          a.JWKSURL,
		StaticJWK:        a.StaticJWK,
		KeyFile:          a.KeyFile,
		Discovery:        a.Discovery,
		Issuer:           a.Issuer,
		AllowedIssuers:   a.AllowedIssuers,
		AudienceOverride: a.AudienceOverride,
		Audience:         a.Audience,
		ProjectID:        a.ProjectID,
		AllowedAlgs:      a.AllowedAlgorithms,
		Leeway:           seconds(a.ClockSkewSeconds),
		MaxFutureIat:     seconds(a.MaxFutureIatSecs),
		RequireNbf:       a.RequireNbf,
		CacheTTL:         seconds(a.CacheTTLSeconds),
		HTTPTimeout:      seconds(a.HTTPTimeoutSeconds),
	}
	sec.Normalize()
	return sec
}

// Limiter builds the admission limiter settings.
func (c *Config) Limiter() ratelimit.Config {
	r := c.RateLimit
	cfg := ratelimit.DefaultConfig()
	cfg.UserQPS = r.UserQPS
	cfg.UserDaily = r.UserDaily
	cfg.IPQPS = r.IPQPS
	cfg.IPDaily = r.IPDaily
	cfg.AnonQPS = r.AnonQPS
	cfg.AnonDaily = r.AnonDaily
	cfg.CooldownDuration = seconds(r.CooldownSeconds)
	cfg.FailureThreshold = r.FailureThreshold
	if len(r.SuspiciousUA) > 0 {
		cfg.SuspiciousUserAgents = r.SuspiciousUA
	}
	return cfg
}

// StreamGuard builds the SSE concurrency settings.
func (c *Config) StreamGuard() streamguard.Config {
	cfg := streamguard.DefaultConfig()
	cfg.MaxPerUser = c.SSE.MaxPerUser
	cfg.MaxPerAnonymousUser = c.SSE.MaxPerAnonymousUser
	cfg.MaxPerConversation = c.SSE.MaxPerConversation
	if c.SSE.MaxAgeSeconds > 0 {
		cfg.MaxConnectionAge = seconds(c.SSE.MaxAgeSeconds)
	}
	return cfg
}

// RedisWindows returns the shared window store settings and whether Redis is
// configured at all.
func (c *Config) RedisWindows() (rlredis.Config, bool) {
	rc := rlredis.Config{RedisAddr: c.Redis.Addr, KeyPrefix: c.Redis.KeyPrefix, Timeout: c.Redis.Timeout}
	return rc, c.Redis.Addr != ""
}

// Level returns the slog level named by LOG_LEVEL.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return l, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func trimList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
