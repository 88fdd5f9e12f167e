package jwtauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/admission-gateway/internal/jwks"
)

const testIssuer = "https://project.supabase.co/auth/v1"

type fixture struct {
	pk    *ecdsa.PrivateKey
	kid   string
	keys  *jwks.Cache
	clock *clock.Mock
	logs  *bytes.Buffer
}

func newFixture(t *testing.T, withKID bool) *fixture {
	t.Helper()
	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, Algorithm: "ES256", Use: "sig"}
	kid := ""
	if withKID {
		kid = "es-key"
		jwk.KeyID = kid
	}
	b, err := json.Marshal(jwk)
	if err != nil {
		t.Fatalf("marshal jwk: %v", err)
	}
	keys, err := jwks.NewStatic(b)
	if err != nil {
		t.Fatalf("static keys: %v", err)
	}
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return &fixture{pk: pk, kid: kid, keys: keys, clock: mock, logs: &bytes.Buffer{}}
}

func (f *fixture) verifier(t *testing.T, mutate func(*Config)) *Verifier {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Issuer = testIssuer
	cfg.Audience = "authenticated"
	if mutate != nil {
		mutate(cfg)
	}
	log := slog.New(slog.NewJSONHandler(f.logs, nil))
	v, err := New(cfg, f.keys, f.clock, log, nil)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func (f *fixture) claims() jwt.MapClaims {
	now := f.clock.Now()
	return jwt.MapClaims{
		"iss":          testIssuer,
		"sub":          "user-123",
		"aud":          "authenticated",
		"exp":          now.Add(time.Hour).Unix(),
		"iat":          now.Unix(),
		"email":        "user@example.com",
		"is_anonymous": false,
	}
}

func (f *fixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if f.kid != "" {
		tok.Header["kid"] = f.kid
	}
	s, err := tok.SignedString(f.pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func wantCode(t *testing.T, err error, code Code) {
	t.Helper()
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("want *Error with code %s, got %v", code, err)
	}
	if verr.Code != code {
		t.Fatalf("want code %s, got %s (%v)", code, verr.Code, err)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected error to match ErrUnauthorized")
	}
}

func TestVerify_HappyPath(t *testing.T) {
	f := newFixture(t, true)
	v := f.verifier(t, nil)

	res, err := v.Verify(context.Background(), f.sign(t, f.claims()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Subject != "user-123" || res.Email != "user@example.com" || res.Anonymous {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Claims["email"] != "user@example.com" {
		t.Fatalf("claims not passed through: %v", res.Claims)
	}
	if !strings.Contains(f.logs.String(), "jwt.verify.ok") {
		t.Fatalf("expected success log, got %s", f.logs.String())
	}
}

func TestVerify_StaticES256KeyWithAndWithoutKID(t *testing.T) {
	for _, withKID := range []bool{true, false} {
		f := newFixture(t, withKID)
		v := f.verifier(t, nil)
		if _, err := v.Verify(context.Background(), f.sign(t, f.claims())); err != nil {
			t.Fatalf("withKID=%v: verify: %v", withKID, err)
		}

		// A token whose kid matches nothing still resolves to the only key.
		tok := jwt.NewWithClaims(jwt.SigningMethodES256, f.claims())
		tok.Header["kid"] = "rotated-away"
		s, err := tok.SignedString(f.pk)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := v.Verify(context.Background(), s); err != nil {
			t.Fatalf("withKID=%v: verify mismatched kid: %v", withKID, err)
		}
	}
}

func TestVerify_AnonymousClaim(t *testing.T) {
	f := newFixture(t, true)
	v := f.verifier(t, nil)
	c := f.claims()
	c["is_anonymous"] = true
	res, err := v.Verify(context.Background(), f.sign(t, c))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Anonymous {
		t.Fatalf("expected anonymous identity")
	}
}

func TestVerify_ClaimFailures(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(*Config)
		mutate func(f *fixture, c jwt.MapClaims)
		want   Code
	}{
		{
			name:   "expired beyond leeway",
			mutate: func(f *fixture, c jwt.MapClaims) { c["exp"] = f.clock.Now().Add(-3 * time.Minute).Unix() },
			want:   CodeTokenExpired,
		},
		{
			name:   "missing exp",
			mutate: func(f *fixture, c jwt.MapClaims) { delete(c, "exp") },
			want:   CodeInvalidToken,
		},
		{
			name:   "missing sub",
			mutate: func(f *fixture, c jwt.MapClaims) { delete(c, "sub") },
			want:   CodeSubjectMissing,
		},
		{
			name:   "empty sub",
			mutate: func(f *fixture, c jwt.MapClaims) { c["sub"] = "" },
			want:   CodeSubjectMissing,
		},
		{
			name:   "wrong audience",
			mutate: func(f *fixture, c jwt.MapClaims) { c["aud"] = []string{"other"} },
			want:   CodeInvalidAudience,
		},
		{
			name:   "missing audience when expected",
			mutate: func(f *fixture, c jwt.MapClaims) { delete(c, "aud") },
			want:   CodeInvalidToken,
		},
		{
			name:   "single issuer mismatch",
			mutate: func(f *fixture, c jwt.MapClaims) { c["iss"] = "https://evil.example" },
			want:   CodeInvalidIssuer,
		},
		{
			name:   "issuer outside allow-list",
			cfg:    func(c *Config) { c.AllowedIssuers = []string{"https://other.example"} },
			mutate: func(f *fixture, c jwt.MapClaims) { c["iss"] = "https://evil.example" },
			want:   CodeIssuerNotAllowed,
		},
		{
			name:   "iat too far in the future",
			mutate: func(f *fixture, c jwt.MapClaims) { c["iat"] = f.clock.Now().Add(10 * time.Minute).Unix() },
			want:   CodeIatTooFarInFuture,
		},
		{
			name:   "nbf in the future, lenient",
			mutate: func(f *fixture, c jwt.MapClaims) { c["nbf"] = f.clock.Now().Add(10 * time.Minute).Unix() },
			want:   CodeTokenNotYetActive,
		},
		{
			name:   "nbf in the future, strict",
			cfg:    func(c *Config) { c.RequireNbf = true },
			mutate: func(f *fixture, c jwt.MapClaims) { c["nbf"] = f.clock.Now().Add(10 * time.Minute).Unix() },
			want:   CodeTokenNotYetValid,
		},
		{
			name:   "nbf missing, strict",
			cfg:    func(c *Config) { c.RequireNbf = true },
			mutate: func(f *fixture, c jwt.MapClaims) {},
			want:   CodeInvalidToken,
		},
		{
			name:   "zero exp",
			mutate: func(f *fixture, c jwt.MapClaims) { c["exp"] = 0 },
			want:   CodeInvalidToken,
		},
		{
			name:   "zero nbf, strict",
			cfg:    func(c *Config) { c.RequireNbf = true },
			mutate: func(f *fixture, c jwt.MapClaims) { c["nbf"] = 0 },
			want:   CodeInvalidToken,
		},
		{
			name:   "zero nbf, lenient",
			mutate: func(f *fixture, c jwt.MapClaims) { c["nbf"] = 0; c["sub"] = "" },
			want:   CodeSubjectMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			v := f.verifier(t, tt.cfg)
			c := f.claims()
			tt.mutate(f, c)
			_, err := v.Verify(context.Background(), f.sign(t, c))
			wantCode(t, err, tt.want)
		})
	}
}

func TestVerify_TimeClaimsWithinLeeway(t *testing.T) {
	f := newFixture(t, true)
	v := f.verifier(t, nil)
	c := f.claims()
	c["exp"] = f.clock.Now().Add(-time.Minute).Unix()
	c["nbf"] = f.clock.Now().Add(time.Minute).Unix()
	c["iat"] = f.clock.Now().Add(time.Minute).Unix()
	if _, err := v.Verify(context.Background(), f.sign(t, c)); err != nil {
		t.Fatalf("expected leeway to absorb skew, got %v", err)
	}
}

func TestVerify_MissingNbfLenient(t *testing.T) {
	f := newFixture(t, true)
	v := f.verifier(t, nil)
	c := f.claims()
	delete(c, "nbf")
	if _, err := v.Verify(context.Background(), f.sign(t, c)); err != nil {
		t.Fatalf("tokens without nbf must verify when nbf is optional: %v", err)
	}
}

func TestVerify_NoAudienceConfigured(t *testing.T) {
	f := newFixture(t, true)
	v := f.verifier(t, func(c *Config) { c.Audience = "" })
	c := f.claims()
	c["aud"] = "anything"
	if _, err := v.Verify(context.Background(), f.sign(t, c)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerify_AudienceFallsBackToProjectID(t *testing.T) {
	f := newFixture(t, true)
	v := f.verifier(t, func(c *Config) {
		c.Audience = ""
		c.ProjectID = "proj-1"
	})
	c := f.claims()
	c["aud"] = []string{"proj-1", "other"}
	if _, err := v.Verify(context.Background(), f.sign(t, c)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func segment(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func TestVerify_HeaderFailures(t *testing.T) {
	f := newFixture(t, true)
	v := f.verifier(t, nil)
	payload := segment(t, f.claims())

	tests := []struct {
		name string
		tok  string
		want Code
	}{
		{"empty", "", CodeTokenMissing},
		{"not a jwt", "abc", CodeInvalidHeader},
		{"header not json", "bm90LWpzb24." + payload + ".c2ln", CodeInvalidHeader},
		{"alg missing", segment(t, map[string]any{"typ": "JWT"}) + "." + payload + ".c2ln", CodeAlgorithmMissing},
		{"alg outside allow-list", segment(t, map[string]any{"alg": "HS512"}) + "." + payload + ".c2ln", CodeUnsupportedAlgorithm},
		{"alg none", segment(t, map[string]any{"alg": "none"}) + "." + payload + ".", CodeUnsupportedAlgorithm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.tok)
			wantCode(t, err, tt.want)
		})
	}
}

func TestVerify_UnsupportedAlgIgnoresSignature(t *testing.T) {
	f := newFixture(t, true)
	v := f.verifier(t, func(c *Config) { c.AllowedAlgs = []string{"RS256"} })
	// Validly signed, but ES256 is not allowed.
	_, err := v.Verify(context.Background(), f.sign(t, f.claims()))
	wantCode(t, err, CodeUnsupportedAlgorithm)
}

func TestVerify_InvalidSignature(t *testing.T) {
	f := newFixture(t, true)
	v := f.verifier(t, nil)

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, f.claims())
	tok.Header["kid"] = f.kid
	s, err := tok.SignedString(other)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = v.Verify(context.Background(), s)
	wantCode(t, err, CodeInvalidSignature)
}

func TestVerify_KeyNotFound(t *testing.T) {
	mk := func(kid string) jose.JSONWebKey {
		pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("gen key: %v", err)
		}
		return jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "ES256", Use: "sig"}
	}
	b, _ := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{mk("a"), mk("b")}})
	keys, err := jwks.NewStatic(b)
	if err != nil {
		t.Fatalf("static keys: %v", err)
	}

	f := newFixture(t, true)
	f.keys = keys
	v := f.verifier(t, nil)
	_, err = v.Verify(context.Background(), f.sign(t, f.claims()))
	wantCode(t, err, CodeKeyNotFound)
	if !errors.Is(err, jwks.ErrKeyNotFound) {
		t.Fatalf("expected cause to be jwks.ErrKeyNotFound, got %v", err)
	}
}

func TestVerify_RS256FromRemoteJWKS(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set, _ := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &pk.PublicKey, KeyID: "rsa-1", Algorithm: "RS256", Use: "sig"},
	}})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(set)
	}))
	defer srv.Close()

	keys, err := jwks.NewRemote(srv.URL)
	if err != nil {
		t.Fatalf("remote keys: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Issuer = testIssuer
	v, err := New(cfg, keys, nil, slog.New(slog.DiscardHandler), nil)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": testIssuer,
		"sub": "user-rsa",
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})
	tok.Header["kid"] = "rsa-1"
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, err := v.Verify(context.Background(), s)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Subject != "user-rsa" {
		t.Fatalf("unexpected subject %q", res.Subject)
	}
}

func TestVerify_HS256WithOctKey(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	b, _ := json.Marshal(jose.JSONWebKey{Key: secret, KeyID: "hs", Algorithm: "HS256", Use: "sig"})
	keys, err := jwks.NewStatic(b)
	if err != nil {
		t.Fatalf("static keys: %v", err)
	}
	f := newFixture(t, true)
	f.keys = keys
	v := f.verifier(t, nil)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, f.claims())
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(context.Background(), s); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerify_NeverLogsToken(t *testing.T) {
	f := newFixture(t, true)
	v := f.verifier(t, nil)
	c := f.claims()
	c["exp"] = f.clock.Now().Add(-time.Hour).Unix()
	tok := f.sign(t, c)
	_, _ = v.Verify(context.Background(), tok)

	out := f.logs.String()
	if !strings.Contains(out, "jwt.verify.fail") || !strings.Contains(out, string(CodeTokenExpired)) {
		t.Fatalf("expected failure log with code, got %s", out)
	}
	if strings.Contains(out, tok) || strings.Contains(out, strings.Split(tok, ".")[2]) {
		t.Fatalf("token material leaked into logs")
	}
}

func TestNew_RejectsNoneAlgorithm(t *testing.T) {
	f := newFixture(t, true)
	cfg := DefaultConfig()
	cfg.AllowedAlgs = []string{"none"}
	if _, err := New(cfg, f.keys, nil, nil, nil); err == nil {
		t.Fatalf("expected error for alg none")
	}
}

func TestConfig_ExpectedIssuers(t *testing.T) {
	cfg := &Config{Issuer: "a", AllowedIssuers: []string{"b", "a", " ", "c"}}
	got := cfg.ExpectedIssuers()
	want := []string{"a", "b", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("want %v, got %v", want, got)
	}
}
