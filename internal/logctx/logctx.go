package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, identity and stream data
// attached to the context by the gateway middleware.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("trace_id", rd.TraceID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("client_ip", rd.ClientIP),
			slog.String("path", rd.Path),
		))
	}

	if id, ok := ctx.Value(identityDataKey{}).(*IdentityData); ok {
		r.AddAttrs(slog.Group("ident",
			slog.String("subject", id.Subject),
			slog.Bool("anonymous", id.Anonymous),
		))
	}

	if sd, ok := ctx.Value(streamDataKey{}).(*StreamData); ok {
		r.AddAttrs(slog.Group("stream",
			slog.String("connection_id", sd.ConnectionID),
			slog.String("conversation_id", sd.ConversationID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler is decorated with Handler. Wrapping an
// already wrapped logger is a no-op.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type requestDataKey struct{}

type RequestData struct {
	TraceID   string
	Method    string
	UserAgent string
	ClientIP  string
	Path      string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// RequestDataFrom returns the request data stored on ctx, if any.
func RequestDataFrom(ctx context.Context) (*RequestData, bool) {
	rd, ok := ctx.Value(requestDataKey{}).(*RequestData)
	return rd, ok
}

// TraceID returns the trace identifier of the current request or "" when the
// context carries none. The gateway never invents one at this layer.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if rd, ok := RequestDataFrom(ctx); ok && rd != nil {
		return rd.TraceID
	}
	return ""
}

type identityDataKey struct{}

type IdentityData struct {
	Subject   string
	Anonymous bool
}

func WithIdentityData(ctx context.Context, data *IdentityData) context.Context {
	return context.WithValue(ctx, identityDataKey{}, data)
}

type streamDataKey struct{}

type StreamData struct {
	ConnectionID   string
	ConversationID string
}

func WithStreamData(ctx context.Context, data *StreamData) context.Context {
	return context.WithValue(ctx, streamDataKey{}, data)
}
