package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/admission-gateway/internal/jwks"
	"github.com/ggoodman/admission-gateway/metrics"
)

// Code is a stable, machine readable verification failure kind.
type Code string

const (
	CodeTokenMissing         Code = "token_missing"
	CodeInvalidHeader        Code = "invalid_token_header"
	CodeAlgorithmMissing     Code = "algorithm_missing"
	CodeUnsupportedAlgorithm Code = "unsupported_alg"
	CodeKeyNotFound          Code = "jwks_key_not_found"
	CodeTokenExpired         Code = "token_expired"
	CodeTokenNotYetValid     Code = "token_not_yet_valid"
	CodeInvalidAudience      Code = "invalid_audience"
	CodeInvalidIssuer        Code = "invalid_issuer"
	CodeIssuerNotAllowed     Code = "issuer_not_allowed"
	CodeSubjectMissing       Code = "subject_missing"
	CodeIatTooFarInFuture    Code = "iat_too_future"
	CodeTokenNotYetActive    Code = "token_not_yet_active"
	CodeInvalidSignature     Code = "invalid_signature"
	CodeInvalidToken         Code = "invalid_token"
)

// ErrUnauthorized is matched by every verification failure.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Error describes why a token was rejected. Message is safe to show to
// clients; the wrapped cause is for logs only.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("jwtauth: %s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("jwtauth: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrUnauthorized}
	}
	return []error{ErrUnauthorized, e.cause}
}

func fail(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// Config controls validation behavior for bearer tokens.
type Config struct {
	// Issuer is the primary expected issuer. When it is the only expected
	// issuer a mismatch is reported as CodeInvalidIssuer.
	Issuer string
	// AllowedIssuers extends the set of accepted issuers.
	AllowedIssuers []string

	// The expected audience is the first non-empty value of AudienceOverride,
	// Audience and ProjectID. When none is set aud is not checked.
	AudienceOverride string
	Audience         string
	ProjectID        string

	AllowedAlgs []string
	Leeway      time.Duration
	// MaxFutureIat bounds how far ahead of now an iat claim may be.
	MaxFutureIat time.Duration
	// RequireNbf makes nbf a required claim validated like exp. Otherwise a
	// missing nbf is accepted and a present one is still checked.
	RequireNbf bool
}

// DefaultConfig returns a Config with the default algorithm list and clock
// tolerances.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:  []string{"ES256", "RS256", "HS256"},
		Leeway:       120 * time.Second,
		MaxFutureIat: 120 * time.Second,
	}
}

// ExpectedAudience returns the audience tokens must carry, or "".
func (c *Config) ExpectedAudience() string {
	for _, a := range []string{c.AudienceOverride, c.Audience, c.ProjectID} {
		if a != "" {
			return a
		}
	}
	return ""
}

// ExpectedIssuers returns the configured issuer followed by the allow-list,
// without duplicates.
func (c *Config) ExpectedIssuers() []string {
	var out []string
	for _, iss := range append([]string{c.Issuer}, c.AllowedIssuers...) {
		iss = strings.TrimSpace(iss)
		if iss != "" && !slices.Contains(out, iss) {
			out = append(out, iss)
		}
	}
	return out
}

// KeySource resolves verification keys by kid.
type KeySource interface {
	GetKey(ctx context.Context, kid string) (jwks.Key, error)
}

// Result is the verified content of a token.
type Result struct {
	Subject   string
	Issuer    string
	Audience  []string
	Email     string
	Anonymous bool
	ExpiresAt time.Time
	IssuedAt  time.Time
	NotBefore *time.Time
	Claims    map[string]any
}

// Verifier checks signatures and claims of bearer tokens. It is safe for
// concurrent use; the only shared state is the key source.
type Verifier struct {
	cfg     Config
	keys    KeySource
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	audience string
	issuers  []string
}

// New returns a Verifier. clk, log and m may be nil.
func New(cfg *Config, keys KeySource, clk clock.Clock, log *slog.Logger, m *metrics.Metrics) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = DefaultConfig().AllowedAlgs
	}
	for _, alg := range c.AllowedAlgs {
		if strings.EqualFold(alg, "none") {
			return nil, errors.New(`algorithm "none" cannot be allowed`)
		}
		if jwt.GetSigningMethod(alg) == nil {
			return nil, fmt.Errorf("unknown algorithm %q", alg)
		}
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		cfg:      c,
		keys:     keys,
		clock:    clk,
		log:      log,
		metrics:  m,
		audience: c.ExpectedAudience(),
		issuers:  c.ExpectedIssuers(),
	}, nil
}

// verification carries what is known about a token for logging.
type verification struct {
	kid     string
	alg     string
	issuer  string
	subject string
}

// Verify validates tok and returns its claims. Failures are *Error values.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Result, error) {
	start := time.Now()
	var info verification
	res, err := v.verify(ctx, tok, &info)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		var verr *Error
		if !errors.As(err, &verr) {
			verr = fail(CodeInvalidToken, "JWT validation failed", err)
		}
		v.metrics.ObserveAuth("failure", false, elapsed)
		v.metrics.JWTError(string(verr.Code))
		attrs := []any{
			slog.String("code", string(verr.Code)),
			slog.String("reason", verr.Message),
			slog.String("kid", info.kid),
			slog.String("alg", info.alg),
			slog.String("issuer", info.issuer),
			slog.String("subject", info.subject),
		}
		if verr.cause != nil {
			attrs = append(attrs, slog.String("err", verr.cause.Error()))
		}
		v.log.WarnContext(ctx, "jwt.verify.fail", attrs...)
		return nil, verr
	}

	v.metrics.ObserveAuth("success", res.Anonymous, elapsed)
	v.log.InfoContext(ctx, "jwt.verify.ok",
		slog.String("subject", res.Subject),
		slog.String("issuer", res.Issuer),
		slog.String("kid", info.kid),
		slog.String("alg", info.alg),
		slog.String("user_type", metrics.UserType(res.Anonymous)),
	)
	return res, nil
}

func (v *Verifier) verify(ctx context.Context, tok string, info *verification) (*Result, error) {
	if tok == "" {
		return nil, fail(CodeTokenMissing, "Authorization token is required", nil)
	}

	header, err := decodeHeader(tok)
	if err != nil {
		return nil, fail(CodeInvalidHeader, "Invalid JWT header", err)
	}
	info.kid, _ = header["kid"].(string)
	info.alg, _ = header["alg"].(string)

	alg := info.alg
	if alg == "" {
		return nil, fail(CodeAlgorithmMissing, "JWT header missing alg field", nil)
	}
	if !slices.Contains(v.cfg.AllowedAlgs, alg) {
		return nil, fail(CodeUnsupportedAlgorithm, "Unsupported algorithm: "+alg, nil)
	}

	key, err := v.keys.GetKey(ctx, info.kid)
	if err != nil {
		return nil, fail(CodeKeyNotFound, "Signing key not found", err)
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, fail(CodeInvalidSignature, "Signature verification failed",
			fmt.Errorf("key %q is for %s, token uses %s", key.KID, key.Algorithm, alg))
	}

	// Claims are validated below so that each failure maps to its own code.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.Parse(tok, func(*jwt.Token) (any, error) { return key.Material, nil })
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fail(CodeInvalidSignature, "Signature verification failed", err)
		default:
			return nil, fail(CodeInvalidToken, "JWT validation failed", err)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fail(CodeInvalidToken, "JWT validation failed", errors.New("unexpected claims type"))
	}

	return v.checkClaims(claims, info)
}

func (v *Verifier) checkClaims(claims jwt.MapClaims, info *verification) (*Result, error) {
	required := []string{"iss", "sub", "exp", "iat"}
	if v.audience != "" {
		required = append(required, "aud")
	}
	if v.cfg.RequireNbf {
		required = append(required, "nbf")
	}
	for _, name := range required {
		if _, ok := claims[name]; ok {
			continue
		}
		if name == "sub" {
			return nil, fail(CodeSubjectMissing, "Token missing subject claim", nil)
		}
		return nil, fail(CodeInvalidToken, "JWT validation failed",
			fmt.Errorf("token is missing required claim: %s", name))
	}

	iss, err := claims.GetIssuer()
	if err != nil {
		return nil, fail(CodeInvalidToken, "JWT validation failed", err)
	}
	info.issuer = iss
	sub, err := claims.GetSubject()
	if err != nil {
		return nil, fail(CodeInvalidToken, "JWT validation failed", err)
	}
	info.subject = sub
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fail(CodeInvalidToken, "JWT validation failed", err)
	}
	iat, err := claims.GetIssuedAt()
	if err != nil {
		return nil, fail(CodeInvalidToken, "JWT validation failed", err)
	}
	nbf, err := claims.GetNotBefore()
	if err != nil {
		return nil, fail(CodeInvalidToken, "JWT validation failed", err)
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return nil, fail(CodeInvalidToken, "JWT validation failed", err)
	}

	// A zero NumericDate decodes as nil and counts as absent.
	if exp == nil {
		return nil, fail(CodeInvalidToken, "JWT validation failed", errors.New("token is missing required claim: exp"))
	}
	if v.cfg.RequireNbf && nbf == nil {
		return nil, fail(CodeInvalidToken, "JWT validation failed", errors.New("token is missing required claim: nbf"))
	}

	now := v.clock.Now()
	leeway := v.cfg.Leeway

	if exp.Before(now.Add(-leeway)) {
		return nil, fail(CodeTokenExpired, "Token has expired", nil)
	}
	if v.cfg.RequireNbf && nbf.After(now.Add(leeway)) {
		return nil, fail(CodeTokenNotYetValid, "Token not active yet", nil)
	}
	if v.audience != "" && !slices.Contains(aud, v.audience) {
		return nil, fail(CodeInvalidAudience, "Audience validation failed", nil)
	}
	if len(v.issuers) == 1 && iss != v.issuers[0] {
		return nil, fail(CodeInvalidIssuer, "Issuer validation failed", nil)
	}
	if iat != nil && iat.After(now.Add(v.cfg.MaxFutureIat)) {
		return nil, fail(CodeIatTooFarInFuture, "Token issued too far in the future", nil)
	}
	if !v.cfg.RequireNbf && nbf != nil && nbf.After(now.Add(leeway)) {
		return nil, fail(CodeTokenNotYetActive, "Token not yet valid", nil)
	}
	if len(v.issuers) > 0 && !slices.Contains(v.issuers, iss) {
		return nil, fail(CodeIssuerNotAllowed, "Issuer is not in allow list", nil)
	}
	if sub == "" {
		return nil, fail(CodeSubjectMissing, "Token missing subject claim", nil)
	}

	res := &Result{
		Subject:   sub,
		Issuer:    iss,
		Audience:  []string(aud),
		ExpiresAt: exp.Time,
		Claims:    map[string]any(claims),
	}
	if iat != nil {
		res.IssuedAt = iat.Time
	}
	if nbf != nil {
		t := nbf.Time
		res.NotBefore = &t
	}
	res.Email, _ = claims["email"].(string)
	res.Anonymous, _ = claims["is_anonymous"].(bool)
	return res, nil
}

// decodeHeader reads the JOSE header without touching the payload or
// signature.
func decodeHeader(tok string) (map[string]any, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("token contains %d segments, want 3", len(parts))
	}
	raw, err := jwt.NewParser().DecodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("could not base64 decode header: %w", err)
	}
	var header map[string]any
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("could not JSON decode header: %w", err)
	}
	if header == nil {
		return nil, errors.New("header is not a JSON object")
	}
	return header, nil
}
