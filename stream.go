package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/admission-gateway/auth"
	"github.com/ggoodman/admission-gateway/internal/logctx"
	"github.com/ggoodman/admission-gateway/streamguard"
)

type connectionIDKey struct{}

// ConnectionIDFromContext returns the stream connection id assigned by
// Stream.
func ConnectionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connectionIDKey{}).(string)
	return id
}

// Stream guards an SSE route. It must run inside Middleware. The caller
// needs a verified identity, the Accept header must allow text/event-stream,
// and the stream guard must admit the connection. The request context passed
// to next is cancelled if the connection is forcibly torn down, and the
// connection is released when next returns.
func (g *Gateway) Stream(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		traceID := logctx.TraceID(ctx)

		id, ok := IdentityFromContext(ctx)
		if !ok {
			g.writeAuthError(w, auth.NewError(auth.CodeTokenMissing, "Authorization token is required", traceID))
			return
		}

		if r.Header.Get("Accept") != "" {
			if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
				g.log.WarnContext(ctx, "sse.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
				writeError(w, http.StatusNotAcceptable, CodeNotAcceptable, "This endpoint only produces text/event-stream", traceID, 0)
				return
			}
		}

		if g.guard == nil {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := ClientIP(r)
		if rd, ok := logctx.RequestDataFrom(ctx); ok && rd != nil && rd.ClientIP != "" {
			clientIP = rd.ClientIP
		}
		connID := uuid.NewString()
		convID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
		msgID := r.PathValue("message_id")
		if msgID == "" {
			msgID = r.URL.Query().Get("message_id")
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ctx = context.WithValue(ctx, connectionIDKey{}, connID)
		ctx = logctx.WithStreamData(ctx, &logctx.StreamData{ConnectionID: connID, ConversationID: convID})

		d := g.guard.Admit(ctx, streamguard.AdmitRequest{
			ConnectionID:   connID,
			UserID:         id.UserID(),
			IsAnonymous:    id.IsAnonymous,
			ConversationID: convID,
			MessageID:      msgID,
			ClientIP:       clientIP,
			UserAgent:      r.Header.Get("User-Agent"),
			Cancel:         cancel,
		})
		if !d.Allowed {
			writeError(w, http.StatusTooManyRequests, CodeSSEConcurrencyExceeded,
				"SSE concurrency limit exceeded: "+d.Message, traceID, d.RetryAfter)
			return
		}
		defer g.guard.Release(context.WithoutCancel(ctx), connID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// EventWriter writes Server-Sent Events. Writes are serialized and refused
// once the request context is done.
type EventWriter struct {
	w   io.Writer
	f   http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("gateway: response writer does not support flushing")

// NewEventWriter commits the response to an event stream: it sets the SSE
// headers, writes a 200 status and flushes.
func NewEventWriter(w http.ResponseWriter, r *http.Request) (*EventWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &EventWriter{w: w, f: f, ctx: r.Context()}, nil
}

// Send writes one event frame and flushes it. Empty id or event omit the
// corresponding field.
func (e *EventWriter) Send(id, event string, data []byte) error {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation.
	if err := e.ctx.Err(); err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(e.w, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	for _, line := range strings.Split(string(data), "\n") {
		if _, err := fmt.Fprintf(e.w, "data: %s\n", line); err != nil {
			return fmt.Errorf("failed to write SSE payload: %w", err)
		}
	}
	if _, err := io.WriteString(e.w, "\n"); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	e.f.Flush()
	return nil
}
