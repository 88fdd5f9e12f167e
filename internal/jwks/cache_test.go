package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	jose "github.com/go-jose/go-jose/v4"
)

type jwksServer struct {
	srv   *httptest.Server
	body  atomic.Value
	fail  atomic.Bool
	calls atomic.Int32
}

func newJWKSServer(t *testing.T, body []byte) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.body.Store(body)
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		if s.fail.Load() {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(s.body.Load().([]byte))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func rsaJWK(t *testing.T, kid string) jose.JSONWebKey {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	return jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
}

func ecJWK(t *testing.T, kid string) jose.JSONWebKey {
	t.Helper()
	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	return jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "ES256", Use: "sig"}
}

func keySetJSON(t *testing.T, keys ...jose.JSONWebKey) []byte {
	t.Helper()
	b, err := json.Marshal(jose.JSONWebKeySet{Keys: keys})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRemote_FetchesOnceWithinTTL(t *testing.T) {
	srv := newJWKSServer(t, keySetJSON(t, rsaJWK(t, "k1"), rsaJWK(t, "k2")))
	mock := clock.NewMock()
	c, err := NewRemote(srv.srv.URL, WithClock(mock), WithTTL(5*time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		k, err := c.GetKey(ctx, "k2")
		if err != nil {
			t.Fatalf("get key: %v", err)
		}
		if k.KID != "k2" || k.Source != SourceJWKS {
			t.Fatalf("unexpected key %+v", k)
		}
	}
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
}

func TestRemote_ServesStaleSetWhenRefreshFails(t *testing.T) {
	srv := newJWKSServer(t, keySetJSON(t, rsaJWK(t, "k1"), rsaJWK(t, "k2")))
	mock := clock.NewMock()
	c, err := NewRemote(srv.srv.URL, WithClock(mock), WithTTL(time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	srv.fail.Store(true)
	mock.Add(2 * time.Minute)

	if _, err := c.GetKey(ctx, "k1"); err != nil {
		t.Fatalf("expected stale key to be served, got %v", err)
	}
	if err := c.Refresh(ctx); err == nil {
		t.Fatalf("expected refresh against failing server to error")
	}
	if got := len(c.Keys()); got != 2 {
		t.Fatalf("expected previous set to survive a failed refresh, got %d keys", got)
	}
}

func TestRemote_NoSetAndFetchFails(t *testing.T) {
	srv := newJWKSServer(t, []byte(`{}`))
	srv.fail.Store(true)
	c, err := NewRemote(srv.srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.GetKey(context.Background(), "k1")
	if !errors.Is(err, ErrKeyFetchFailed) {
		t.Fatalf("expected ErrKeyFetchFailed, got %v", err)
	}
}

func TestRemote_BacksOffAfterFailedFetch(t *testing.T) {
	srv := newJWKSServer(t, keySetJSON(t, rsaJWK(t, "k1")))
	srv.fail.Store(true)
	mock := clock.NewMock()
	c, err := NewRemote(srv.srv.URL, WithClock(mock), WithTTL(time.Minute), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	steps := []struct {
		advance time.Duration
		calls   int32
	}{
		{0, 1},
		{0, 1},
		{RetryBackoff - time.Second, 1},
		{time.Second, 2},
		{RetryBackoff, 2},
		{RetryBackoff, 3},
	}
	for i, st := range steps {
		mock.Add(st.advance)
		if _, err := c.GetKey(ctx, "k1"); !errors.Is(err, ErrKeyFetchFailed) {
			t.Fatalf("step %d: expected ErrKeyFetchFailed, got %v", i, err)
		}
		if got := srv.calls.Load(); got != st.calls {
			t.Fatalf("step %d: want %d fetches, got %d", i, st.calls, got)
		}
	}

	// Refresh is not held back, and success clears the backoff.
	srv.fail.Store(false)
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := c.GetKey(ctx, "k1"); err != nil {
		t.Fatalf("get key after recovery: %v", err)
	}

	// A stale set under a failing source triggers one fetch per backoff.
	srv.fail.Store(true)
	mock.Add(2 * time.Minute)
	before := srv.calls.Load()
	if _, err := c.GetKey(ctx, "k1"); err != nil {
		t.Fatalf("expected the stale key, got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := c.backingOff(); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background refresh never failed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		if _, err := c.GetKey(ctx, "k1"); err != nil {
			t.Fatalf("expected the stale key, got %v", err)
		}
	}
	if got := srv.calls.Load() - before; got != 1 {
		t.Fatalf("want 1 fetch while backing off, got %d", got)
	}
}

func TestConcurrentReadersDuringRefresh(t *testing.T) {
	setA := keySetJSON(t, rsaJWK(t, "a1"), rsaJWK(t, "a2"))
	setB := keySetJSON(t, ecJWK(t, "b1"), ecJWK(t, "b2"))

	tests := []struct {
		name  string
		build func(t *testing.T) (c *Cache, swap func(b []byte))
	}{
		{
			name: "remote",
			build: func(t *testing.T) (*Cache, func([]byte)) {
				srv := newJWKSServer(t, setA)
				c, err := NewRemote(srv.srv.URL, WithLogger(discardLogger()))
				if err != nil {
					t.Fatalf("new: %v", err)
				}
				if err := c.Refresh(context.Background()); err != nil {
					t.Fatalf("refresh: %v", err)
				}
				return c, func(b []byte) { srv.body.Store(b) }
			},
		},
		{
			name: "key file",
			build: func(t *testing.T) (*Cache, func([]byte)) {
				dir := t.TempDir()
				path := filepath.Join(dir, "jwks.json")
				if err := os.WriteFile(path, setA, 0o600); err != nil {
					t.Fatalf("write: %v", err)
				}
				c, err := NewFile(path, WithLogger(discardLogger()))
				if err != nil {
					t.Fatalf("new: %v", err)
				}
				return c, func(b []byte) {
					tmp := filepath.Join(dir, "jwks.json.tmp")
					if err := os.WriteFile(tmp, b, 0o600); err == nil {
						_ = os.Rename(tmp, path)
					}
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, swap := tt.build(t)
			ctx := context.Background()
			stop := make(chan struct{})
			errs := make(chan error, 8)

			var readers sync.WaitGroup
			for i := 0; i < 4; i++ {
				readers.Add(1)
				go func() {
					defer readers.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						keys := c.Keys()
						if len(keys) != 2 || keys[0].KID[0] != keys[1].KID[0] {
							errs <- fmt.Errorf("observed a mixed or partial set: %+v", keys)
							return
						}
						for _, kid := range []string{"a1", "b2"} {
							k, err := c.GetKey(ctx, kid)
							if err == nil && k.KID != kid {
								errs <- fmt.Errorf("lookup of %s returned %s", kid, k.KID)
								return
							}
							if err != nil && !errors.Is(err, ErrKeyNotFound) {
								errs <- fmt.Errorf("lookup of %s: %v", kid, err)
								return
							}
						}
					}
				}()
			}

			for i := 0; i < 50; i++ {
				if i%2 == 0 {
					swap(setB)
				} else {
					swap(setA)
				}
				if err := c.Refresh(ctx); err != nil {
					t.Errorf("refresh %d: %v", i, err)
					break
				}
			}
			close(stop)
			readers.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
		})
	}
}

func TestRemote_RejectsDocumentWithoutKeys(t *testing.T) {
	srv := newJWKSServer(t, []byte(`{"keys":[]}`))
	c, err := NewRemote(srv.srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error for empty key set")
	}
}

func TestLookup(t *testing.T) {
	two := keySetJSON(t, rsaJWK(t, "k1"), rsaJWK(t, "k2"))
	one := keySetJSON(t, ecJWK(t, "only"))

	tests := []struct {
		name    string
		data    []byte
		kid     string
		wantKID string
		wantErr error
	}{
		{name: "match", data: two, kid: "k1", wantKID: "k1"},
		{name: "unknown kid", data: two, kid: "nope", wantErr: ErrKeyNotFound},
		{name: "no kid with many keys", data: two, kid: "", wantErr: ErrKeyNotFound},
		{name: "single key without kid", data: one, kid: "", wantKID: "only"},
		{name: "single key with wrong kid", data: one, kid: "other", wantKID: "only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewStatic(tt.data)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			k, err := c.GetKey(context.Background(), tt.kid)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("want %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("get key: %v", err)
			}
			if k.KID != tt.wantKID {
				t.Fatalf("want kid %q, got %q", tt.wantKID, k.KID)
			}
		})
	}
}

func TestParseSet_Shapes(t *testing.T) {
	k := ecJWK(t, "a")
	single, _ := json.Marshal(k)
	array, _ := json.Marshal([]jose.JSONWebKey{k, ecJWK(t, "b")})

	enc := rsaJWK(t, "enc")
	enc.Use = "enc"
	withEnc := keySetJSON(t, enc, k)

	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"single object", single, 1},
		{"array", array, 2},
		{"key set drops encryption keys", withEnc, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := ParseSet(tt.data, SourceStatic, discardLogger())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(keys) != tt.want {
				t.Fatalf("want %d keys, got %d", tt.want, len(keys))
			}
		})
	}

	if _, err := ParseSet([]byte(`"nope"`), SourceStatic, discardLogger()); err == nil {
		t.Fatalf("expected error for non-object key material")
	}
}

func TestParseSet_PrivateKeyReducedToPublic(t *testing.T) {
	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	b, _ := json.Marshal(jose.JSONWebKey{Key: pk, KeyID: "p", Algorithm: "ES256"})
	keys, err := ParseSet(b, SourceStatic, discardLogger())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := keys[0].Material.(*ecdsa.PublicKey); !ok {
		t.Fatalf("expected *ecdsa.PublicKey, got %T", keys[0].Material)
	}
}

func TestStatic_NeverExpires(t *testing.T) {
	mock := clock.NewMock()
	c, err := NewStatic(keySetJSON(t, ecJWK(t, "s")), WithClock(mock))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	mock.Add(365 * 24 * time.Hour)
	if _, err := c.GetKey(context.Background(), "s"); err != nil {
		t.Fatalf("get key: %v", err)
	}
}

func TestWithTTL_Floor(t *testing.T) {
	c, err := NewRemote("http://example.invalid/jwks", WithTTL(time.Second))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.ttl != MinTTL {
		t.Fatalf("want ttl %v, got %v", MinTTL, c.ttl)
	}
}

func TestDiscover(t *testing.T) {
	keys := keySetJSON(t, rsaJWK(t, "disc"))
	var issuer string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":   issuer,
			"jwks_uri": issuer + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keys)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	issuer = srv.URL

	c, err := Discover(context.Background(), issuer)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if c.url != issuer+"/keys" {
		t.Fatalf("unexpected jwks url %q", c.url)
	}
	if _, err := c.GetKey(context.Background(), "disc"); err != nil {
		t.Fatalf("get key: %v", err)
	}
}

func TestWatch_ReloadsKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jwk.json")
	if err := os.WriteFile(path, keySetJSON(t, ecJWK(t, "old")), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := NewFile(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(path, keySetJSON(t, ecJWK(t, "new")), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ks := c.Keys()
		if len(ks) == 1 && ks[0].KID == "new" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("key file change not picked up: %+v", ks)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}
