package gateway

import (
	"context"
	"errors"
	"log/slog"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/admission-gateway/auth"
	"github.com/ggoodman/admission-gateway/internal/logctx"
	"github.com/ggoodman/admission-gateway/ratelimit"
	"github.com/ggoodman/admission-gateway/streamguard"
)

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithTraceHeader sets the header a trace id is read from and echoed on.
func WithTraceHeader(name string) Option {
	return func(g *Gateway) {
		if name = strings.TrimSpace(name); name != "" {
			g.traceHeader = http.CanonicalHeaderKey(name)
		}
	}
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. Empty
// omits the attribute.
func WithRealm(realm string) Option {
	return func(g *Gateway) { g.realm = strings.TrimSpace(realm) }
}

// WithExemptPaths replaces the paths that skip verification and admission.
func WithExemptPaths(paths ...string) Option {
	return func(g *Gateway) {
		g.exempt = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			g.exempt[p] = struct{}{}
		}
	}
}

// WithPolicy replaces the anonymous access policy. A nil policy lets
// anonymous callers reach every path.
func WithPolicy(p *Policy) Option {
	return func(g *Gateway) { g.policy = p }
}

// WithAnonymousEnabled controls whether tokens of anonymous users are
// accepted. When disabled they are refused with 403 on every guarded path.
func WithAnonymousEnabled(enabled bool) Option {
	return func(g *Gateway) { g.anonEnabled = enabled }
}

// WithTrustedProxies limits forwarding headers to requests whose peer is one
// of the given addresses or CIDR prefixes. X-Forwarded-For is then walked
// from the right and the first untrusted hop is the client. Without this
// option the first X-Forwarded-For entry is believed from any peer, which is
// only safe behind a proxy that overwrites the header.
func WithTrustedProxies(proxies ...string) Option {
	return func(g *Gateway) {
		for _, p := range proxies {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			pfx, err := parsePrefix(p)
			if err != nil {
				g.optErr = errors.Join(g.optErr, err)
				continue
			}
			g.proxies = append(g.proxies, pfx)
		}
	}
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("gateway: trusted proxy %q: %w", s, err)
		}
		return pfx.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("gateway: trusted proxy %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Gateway decides, per request, who is calling and whether the request may
// proceed.
type Gateway struct {
	authn   auth.Authenticator
	limiter *ratelimit.Limiter
	guard   *streamguard.Guard
	log     *slog.Logger

	traceHeader string
	realm       string
	exempt      map[string]struct{}
	policy      *Policy
	anonEnabled bool
	proxies     []netip.Prefix
	optErr      error
}

// New builds a Gateway. The stream guard may be nil when no SSE routes are
// wrapped with Stream.
func New(authn auth.Authenticator, limiter *ratelimit.Limiter, guard *streamguard.Guard, opts ...Option) (*Gateway, error) {
	if authn == nil {
		return nil, errors.New("gateway: authenticator is required")
	}
	if limiter == nil {
		return nil, errors.New("gateway: limiter is required")
	}
	g := &Gateway{
		authn:       authn,
		limiter:     limiter,
		guard:       guard,
		log:         slog.Default(),
		traceHeader: "X-Trace-Id",
		policy:      DefaultPolicy(),
		anonEnabled: true,
	}
	WithExemptPaths(DefaultExemptPaths...)(g)
	for _, o := range opts {
		o(g)
	}
	if g.optErr != nil {
		return nil, g.optErr
	}
	return g, nil
}

type identityKey struct{}

// IdentityFromContext returns the verified caller, if any.
func IdentityFromContext(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*auth.Identity)
	return id, ok && id != nil
}

// TraceIDFromContext returns the trace id assigned by the middleware.
func TraceIDFromContext(ctx context.Context) string { return logctx.TraceID(ctx) }

// Middleware assigns a trace id, verifies the bearer token when present,
// applies the anonymous access policy and the admission limiter, then calls
// next. The final status of next feeds the limiter's cooldown tracking.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := strings.TrimSpace(r.Header.Get(g.traceHeader))
		if traceID == "" {
			traceID = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		w.Header().Set(g.traceHeader, traceID)

		clientIP := g.clientIP(r)
		ua := r.Header.Get("User-Agent")
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			TraceID:   traceID,
			Method:    r.Method,
			UserAgent: ua,
			ClientIP:  clientIP,
			Path:      r.URL.Path,
		})

		if _, ok := g.exempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		id, ok := g.authenticate(ctx, w, r)
		if !ok {
			g.limiter.RecordOutcome(ctx, clientIP, false)
			return
		}
		anonymous := id == nil || id.IsAnonymous
		if id != nil {
			ctx = context.WithValue(ctx, identityKey{}, id)
			ctx = logctx.WithIdentityData(ctx, &logctx.IdentityData{Subject: id.Subject, Anonymous: id.IsAnonymous})
		}

		if anonymous && !g.allowAnonymous(id, r) {
			g.log.WarnContext(ctx, "gateway.policy.deny")
			writeError(w, http.StatusForbidden, CodeAnonymousAccessDenied, "Anonymous users cannot access this endpoint", traceID, 0)
			g.limiter.RecordOutcome(ctx, clientIP, false)
			return
		}

		lr := ratelimit.Request{ClientIP: clientIP, UserAgent: ua, IsAnonymous: anonymous}
		if id != nil {
			lr.UserID = id.UserID()
		}
		if d := g.limiter.CheckAndConsume(ctx, lr); !d.Allowed {
			writeError(w, http.StatusTooManyRequests, CodeRateLimitExceeded, "Rate limit exceeded: "+d.Message, traceID, d.RetryAfter)
			return
		}

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r.WithContext(ctx))
		g.limiter.RecordOutcome(ctx, clientIP, sw.Status() < http.StatusBadRequest)
		g.log.DebugContext(ctx, "gateway.request.done",
			slog.Int("status", sw.Status()),
			slog.Duration("dur", time.Since(start)),
		)
	})
}

func (g *Gateway) allowAnonymous(id *auth.Identity, r *http.Request) bool {
	if id != nil && id.IsAnonymous && !g.anonEnabled {
		return false
	}
	return g.policy == nil || g.policy.AllowsAnonymous(r.Method, r.URL.Path)
}

// authenticate returns the verified identity, or nil when no credentials were
// presented. It writes the rejection and returns false on failure.
func (g *Gateway) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	traceID := logctx.TraceID(ctx)
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		return nil, true
	}

	scheme, tok, _ := strings.Cut(authHeader, " ")
	tok = strings.TrimSpace(tok)
	if !strings.EqualFold(scheme, "Bearer") || tok == "" {
		g.log.InfoContext(ctx, "gateway.auth.invalid", slog.String("err", "malformed bearer authorization header"))
		g.writeAuthError(w, auth.NewError(auth.CodeInvalidHeader, "Malformed bearer authorization header", traceID))
		return nil, false
	}

	id, err := g.authn.Verify(ctx, tok)
	if err == nil {
		return id, true
	}

	var aerr *auth.Error
	switch {
	case errors.As(err, &aerr):
		if aerr.TraceID == "" {
			aerr.TraceID = traceID
		}
	case errors.Is(err, auth.ErrUnauthorized):
		aerr = auth.NewError(auth.CodeInvalidToken, "Token verification failed", traceID)
	default:
		g.log.ErrorContext(ctx, "gateway.auth.err", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", traceID, 0)
		return nil, false
	}
	g.log.InfoContext(ctx, "gateway.auth.fail", slog.String("code", string(aerr.Code)))
	g.writeAuthError(w, aerr)
	return nil, false
}

func (g *Gateway) writeAuthError(w http.ResponseWriter, e *auth.Error) {
	w.Header().Set(wwwAuthenticateHeader, e.Challenge(g.realm))
	writeError(w, http.StatusUnauthorized, string(e.Code), e.Message, e.TraceID, 0)
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then the
// host part of RemoteAddr, or "unknown". The forwarding headers are taken at
// face value; see WithTrustedProxies.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func (g *Gateway) clientIP(r *http.Request) string {
	if len(g.proxies) == 0 {
		return ClientIP(r)
	}
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !g.trusted(peer) {
		if peer == "" {
			return "unknown"
		}
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !g.trusted(hop) {
			return hop
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	return peer
}

func (g *Gateway) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range g.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// statusWriter records the status written by the wrapped handler. It keeps
// http.Flusher available for streaming handlers.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusWriter) Flush() {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Status returns the written status, or 200 when nothing was written.
func (s *statusWriter) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
