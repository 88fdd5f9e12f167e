// Package gateway admits HTTP and SSE requests for a chat backend. It mounts
// as standard net/http middleware in front of the host's own routes.
//
// # Responsibilities
//
//   - Trace ids: read from or assigned to every request, echoed on the
//     response and attached to every log record and error body
//   - Identity: bearer tokens verified through an auth.Authenticator
//   - Policy: anonymous callers kept away from restricted paths
//   - Admission: per-IP and per-user budgets and cooldowns (package ratelimit)
//   - Streams: bounded concurrent SSE connections (package streamguard)
//
// # Construction
//
//	authn, err := sec.NewAuthenticator(ctx)
//	limiter := ratelimit.New(ratelimit.DefaultConfig())
//	guard := streamguard.New(streamguard.DefaultConfig())
//	gw, err := gateway.New(authn, limiter, guard)
//
// # Ordering
//
// Identity is resolved before any decision that depends on it. A request
// without an Authorization header proceeds as an anonymous caller with no
// identity; a request with a malformed or invalid one is refused with 401.
// The anonymous access policy runs next, then the limiter. The status the
// downstream handler writes is reported back to the limiter so that repeated
// failures from one IP start a cooldown.
//
// # Client Addresses
//
// Per-IP budgets and cooldowns key on the client address. By default the
// first X-Forwarded-For entry is used as sent, which assumes a proxy in front
// that overwrites the header. Use WithTrustedProxies when clients can reach
// the gateway directly or through proxies that append.
//
// # Error Handling
//
// Every rejection is a JSON body of the form
//
//	{"status": 429, "code": "RATE_LIMIT_EXCEEDED", "message": "...", "trace_id": "..."}
//
// with a Retry-After header in seconds when the caller should back off.
// Identity failures also carry a WWW-Authenticate challenge.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("GET /api/v1/messages/{message_id}/events", gw.Stream(events))
//	mux.Handle("/", api)
//	http.ListenAndServe(":9999", gw.Middleware(mux))
package gateway
