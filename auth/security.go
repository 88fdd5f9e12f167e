package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ggoodman/admission-gateway/internal/jwks"
	"github.com/ggoodman/admission-gateway/internal/jwtauth"
	"github.com/ggoodman/admission-gateway/metrics"
)

// SecurityConfig describes where verification keys come from and which
// tokens are acceptable. Exactly one key source is used, in this order of
// precedence: StaticJWK, KeyFile, JWKSURL, then discovery from Issuer when
// Discovery is set.
type SecurityConfig struct {
	JWKSURL   string
	StaticJWK string
	KeyFile   string
	Discovery bool

	Issuer           string
	AllowedIssuers   []string
	AudienceOverride string
	Audience         string
	ProjectID        string

	AllowedAlgs  []string      // default: ES256, RS256, HS256
	Leeway       time.Duration // default 120s
	MaxFutureIat time.Duration // default 120s
	RequireNbf   bool

	CacheTTL    time.Duration // remote key set freshness, floored at 60s
	HTTPTimeout time.Duration // remote key fetch timeout
}

// Normalize fills defaults.
func (c *SecurityConfig) Normalize() {
	def := jwtauth.DefaultConfig()
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = def.AllowedAlgs
	}
	if c.Leeway == 0 {
		c.Leeway = def.Leeway
	}
	if c.MaxFutureIat == 0 {
		c.MaxFutureIat = def.MaxFutureIat
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = jwks.DefaultTTL
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
}

// Validate returns an error if no key source is configured.
func (c SecurityConfig) Validate() error {
	if c.StaticJWK == "" && c.KeyFile == "" && c.JWKSURL == "" && !(c.Discovery && c.Issuer != "") {
		return errors.New("security: a JWKS URL, static JWK, key file or discoverable issuer is required")
	}
	if c.Leeway < 0 || c.MaxFutureIat < 0 {
		return errors.New("security: leeway and max future iat must not be negative")
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.AllowedIssuers = append([]string(nil), c.AllowedIssuers...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	return dup
}

// Option configures the collaborators of an authenticator.
type Option func(*options)

type options struct {
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	client  *http.Client
}

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// NewAuthenticator builds a JWT authenticator for this configuration. With
// Discovery set and no explicit source, the issuer's OpenID configuration is
// fetched to find its jwks_uri.
func (c SecurityConfig) NewAuthenticator(ctx context.Context, opts ...Option) (*JWTAuthenticator, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	cacheOpts := []jwks.Option{
		jwks.WithTTL(cc.CacheTTL),
		jwks.WithTimeout(cc.HTTPTimeout),
		jwks.WithClock(o.clock),
		jwks.WithLogger(o.log),
		jwks.WithMetrics(o.metrics),
	}
	if o.client != nil {
		cacheOpts = append(cacheOpts, jwks.WithHTTPClient(o.client))
	}

	var (
		keys *jwks.Cache
		err  error
	)
	switch {
	case cc.StaticJWK != "":
		keys, err = jwks.NewStatic([]byte(cc.StaticJWK), cacheOpts...)
	case cc.KeyFile != "":
		keys, err = jwks.NewFile(cc.KeyFile, cacheOpts...)
	case cc.JWKSURL != "":
		keys, err = jwks.NewRemote(cc.JWKSURL, cacheOpts...)
	default:
		keys, err = jwks.Discover(ctx, cc.Issuer, cacheOpts...)
	}
	if err != nil {
		return nil, err
	}

	v, err := jwtauth.New(&jwtauth.Config{
		Issuer:           cc.Issuer,
		AllowedIssuers:   cc.AllowedIssuers,
		AudienceOverride: cc.AudienceOverride,
		Audience:         cc.Audience,
		ProjectID:        cc.ProjectID,
		AllowedAlgs:      cc.AllowedAlgs,
		Leeway:           cc.Leeway,
		MaxFutureIat:     cc.MaxFutureIat,
		RequireNbf:       cc.RequireNbf,
	}, keys, o.clock, o.log, o.metrics)
	if err != nil {
		return nil, err
	}
	return &JWTAuthenticator{v: v, keys: keys, sec: cc}, nil
}
