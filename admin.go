package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/admission-gateway/internal/logctx"
	"github.com/ggoodman/admission-gateway/ratelimit"
	"github.com/ggoodman/admission-gateway/streamguard"
)

// Stats is the body served by StatsHandler.
type Stats struct {
	RateLimit ratelimit.Stats    `json:"rate_limit"`
	SSE       *streamguard.Stats `json:"sse,omitempty"`
}

// StatsHandler serves limiter and stream guard statistics as JSON. Mount it
// behind whatever access control the host uses for operator endpoints.
func (g *Gateway) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := Stats{RateLimit: g.limiter.Stats()}
		if g.guard != nil {
			sse := g.guard.Stats()
			st.SSE = &sse
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		_ = json.NewEncoder(w).Encode(st)
	})
}

type disconnectRequest struct {
	UserID string `json:"user_id"`
}

type disconnectResponse struct {
	UserID       string `json:"user_id"`
	Disconnected int    `json:"disconnected"`
}

// DisconnectUserHandler tears down every stream of a user. The user id comes
// from the {user_id} path value or a JSON body {"user_id": "..."}.
func (g *Gateway) DisconnectUserHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		traceID := logctx.TraceID(ctx)
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			w.Header().Set("Allow", "POST, DELETE")
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", traceID, 0)
			return
		}
		if g.guard == nil {
			writeError(w, http.StatusNotFound, "not_found", "Streaming is not enabled", traceID, 0)
			return
		}

		userID := r.PathValue("user_id")
		if userID == "" && r.Body != nil {
			var req disconnectRequest
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "Body must be a JSON object with user_id", traceID, 0)
				return
			}
			userID = req.UserID
		}
		if userID = strings.TrimSpace(userID); userID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required", traceID, 0)
			return
		}

		n := g.guard.ForceDisconnectUser(ctx, userID)
		g.log.InfoContext(ctx, "gateway.admin.disconnect", slog.String("user_id", userID), slog.Int("count", n))
		w.Header().Set("Content-Type", jsonMediaType.String())
		_ = json.NewEncoder(w).Encode(disconnectResponse{UserID: userID, Disconnected: n})
	})
}
