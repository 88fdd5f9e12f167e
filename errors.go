package gateway

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
)

// Error codes for admission and capacity failures. Identity failures use the
// auth.Code values.
const (
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeSSEConcurrencyExceeded = "SSE_CONCURRENCY_LIMIT_EXCEEDED"
	CodeAnonymousAccessDenied  = "ANONYMOUS_ACCESS_DENIED"
	CodeNotAcceptable          = "NOT_ACCEPTABLE"
	CodeInternal               = "internal_server_error"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	retryAfterHeader      = "Retry-After"
)

// ErrorBody is the JSON envelope of every rejection produced by the gateway.
type ErrorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
}

// writeError emits the envelope. A positive retry is surfaced as a
// Retry-After header in whole seconds. Safe to call after some headers are
// set but before the status is written.
func writeError(w http.ResponseWriter, status int, code, msg, traceID string, retry time.Duration) {
	if retry > 0 {
		w.Header().Set(retryAfterHeader, strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Status: status, Code: code, Message: msg, TraceID: traceID})
}
