// Package streamguard bounds the number of concurrent streaming (SSE)
// connections per user and per conversation.
//
// A single mutex guards the registry, both reverse indices and the counters,
// so the capacity checks and the registration that follows them are one
// atomic step and Stats never observes a half-applied update.
package streamguard

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ggoodman/admission-gateway/metrics"
)

// Reason identifies which cap denied a connection.
type Reason string

const (
	ReasonUserLimit         Reason = "user_limit_exceeded"
	ReasonConversationLimit Reason = "conversation_limit_exceeded"
)

const (
	userRetryAfter         = 30 * time.Second
	conversationRetryAfter = 10 * time.Second
)

// Config holds the concurrency caps. A cap of zero or less disables it.
type Config struct {
	MaxPerUser          int
	MaxPerAnonymousUser int
	MaxPerConversation  int
	// MaxConnectionAge is the age past which Run reaps a connection.
	MaxConnectionAge time.Duration
	// ReapInterval is the period of Run.
	ReapInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPerUser:          2,
		MaxPerAnonymousUser: 1,
		MaxPerConversation:  1,
		MaxConnectionAge:    time.Hour,
		ReapInterval:        5 * time.Minute,
	}
}

// Connection is a registered stream.
type Connection struct {
	ID             string
	UserID         string
	ConversationID string
	MessageID      string
	StartedAt      time.Time
	ClientIP       string
	UserAgent      string
	IsAnonymous    bool

	cancel context.CancelFunc
}

// AdmitRequest describes a stream about to open. Cancel, when set, is
// invoked if the connection is torn down by ForceDisconnectUser or reaping.
type AdmitRequest struct {
	ConnectionID   string
	UserID         string
	IsAnonymous    bool
	ConversationID string
	MessageID      string
	ClientIP       string
	UserAgent      string
	Cancel         context.CancelFunc
}

type Decision struct {
	Allowed    bool
	Reason     Reason
	Message    string
	RetryAfter time.Duration
}

type set map[string]struct{}

// Guard is safe for concurrent use.
type Guard struct {
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	conns    map[string]*Connection
	byUser   map[string]set
	byConv   map[string]set
	admitted int64
	rejected int64
	reasons  map[Reason]int64
}

type Option func(*Guard)

func WithClock(c clock.Clock) Option {
	return func(g *Guard) {
		if c != nil {
			g.clock = c
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(g *Guard) {
		if log != nil {
			g.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

func New(cfg Config, opts ...Option) *Guard {
	def := DefaultConfig()
	if cfg.MaxConnectionAge <= 0 {
		cfg.MaxConnectionAge = def.MaxConnectionAge
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	g := &Guard{
		cfg:     cfg,
		clock:   clock.New(),
		log:     slog.Default(),
		conns:   make(map[string]*Connection),
		byUser:  make(map[string]set),
		byConv:  make(map[string]set),
		reasons: make(map[Reason]int64),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Admit checks the user cap, then the conversation cap, and registers the
// connection when both pass. Admitting an already registered connection id
// is a no-op that reports success.
func (g *Guard) Admit(ctx context.Context, req AdmitRequest) Decision {
	g.mu.Lock()
	d, active := g.admitLocked(req)
	g.mu.Unlock()

	if !d.Allowed {
		g.metrics.SSERejected(string(d.Reason))
		g.log.WarnContext(ctx, "sse.admit.reject",
			slog.String("reason", string(d.Reason)),
			slog.String("user_id", req.UserID),
			slog.String("conversation_id", req.ConversationID),
			slog.String("message", d.Message),
		)
		return d
	}
	g.metrics.SetActiveConnections(active)
	g.log.InfoContext(ctx, "sse.admit.ok",
		slog.String("connection_id", req.ConnectionID),
		slog.String("user_id", req.UserID),
		slog.String("conversation_id", req.ConversationID),
		slog.String("message_id", req.MessageID),
	)
	return d
}

func (g *Guard) admitLocked(req AdmitRequest) (Decision, int) {
	if _, ok := g.conns[req.ConnectionID]; ok {
		return Decision{Allowed: true}, len(g.conns)
	}

	limit := g.cfg.MaxPerUser
	if req.IsAnonymous {
		limit = g.cfg.MaxPerAnonymousUser
	}
	if n := len(g.byUser[req.UserID]); limit > 0 && n >= limit {
		return g.rejectLocked(ReasonUserLimit,
			fmt.Sprintf("User concurrent SSE limit exceeded (%d/%d)", n, limit), userRetryAfter), 0
	}

	if req.ConversationID != "" && g.cfg.MaxPerConversation > 0 {
		if n := len(g.byConv[req.ConversationID]); n >= g.cfg.MaxPerConversation {
			return g.rejectLocked(ReasonConversationLimit,
				fmt.Sprintf("Conversation concurrent SSE limit exceeded (%d/%d)", n, g.cfg.MaxPerConversation),
				conversationRetryAfter), 0
		}
	}

	c := &Connection{
		ID:             req.ConnectionID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		StartedAt:      g.clock.Now(),
		ClientIP:       req.ClientIP,
		UserAgent:      req.UserAgent,
		IsAnonymous:    req.IsAnonymous,
		cancel:         req.Cancel,
	}
	g.conns[c.ID] = c
	addTo(g.byUser, c.UserID, c.ID)
	if c.ConversationID != "" {
		addTo(g.byConv, c.ConversationID, c.ID)
	}
	g.admitted++
	return Decision{Allowed: true}, len(g.conns)
}

func (g *Guard) rejectLocked(r Reason, msg string, retry time.Duration) Decision {
	g.rejected++
	g.reasons[r]++
	return Decision{Reason: r, Message: msg, RetryAfter: retry}
}

// Release unregisters a connection and reports whether it was registered.
func (g *Guard) Release(ctx context.Context, connectionID string) bool {
	g.mu.Lock()
	c := g.removeLocked(connectionID)
	active := len(g.conns)
	g.mu.Unlock()

	if c == nil {
		return false
	}
	g.metrics.SetActiveConnections(active)
	g.log.InfoContext(ctx, "sse.release",
		slog.String("connection_id", c.ID),
		slog.String("user_id", c.UserID),
		slog.Duration("duration", g.clock.Since(c.StartedAt)),
	)
	return true
}

// removeLocked drops id from the registry and both indices, pruning index
// entries that become empty.
func (g *Guard) removeLocked(id string) *Connection {
	c, ok := g.conns[id]
	if !ok {
		return nil
	}
	delete(g.conns, id)
	removeFrom(g.byUser, c.UserID, id)
	if c.ConversationID != "" {
		removeFrom(g.byConv, c.ConversationID, id)
	}
	return c
}

func addTo(idx map[string]set, key, id string) {
	s, ok := idx[key]
	if !ok {
		s = make(set)
		idx[key] = s
	}
	s[id] = struct{}{}
}

func removeFrom(idx map[string]set, key, id string) {
	s, ok := idx[key]
	if !ok {
		return
	}
	delete(s, id)
	if len(s) == 0 {
		delete(idx, key)
	}
}

// ForceDisconnectUser releases every connection of userID and cancels each
// one. It returns the number of connections torn down.
func (g *Guard) ForceDisconnectUser(ctx context.Context, userID string) int {
	g.mu.Lock()
	var torn []*Connection
	for id := range g.byUser[userID] {
		torn = append(torn, g.removeLocked(id))
	}
	active := len(g.conns)
	g.mu.Unlock()

	g.teardown(torn)
	g.metrics.SetActiveConnections(active)
	g.log.WarnContext(ctx, "sse.disconnect.forced",
		slog.String("user_id", userID),
		slog.Int("count", len(torn)),
	)
	return len(torn)
}

// ReapStale releases connections older than maxAge and cancels each one.
func (g *Guard) ReapStale(ctx context.Context, maxAge time.Duration) int {
	now := g.clock.Now()
	g.mu.Lock()
	var torn []*Connection
	for id, c := range g.conns {
		if now.Sub(c.StartedAt) > maxAge {
			torn = append(torn, g.removeLocked(id))
		}
	}
	active := len(g.conns)
	g.mu.Unlock()

	g.teardown(torn)
	if len(torn) > 0 {
		g.metrics.SetActiveConnections(active)
		g.log.InfoContext(ctx, "sse.reap",
			slog.Int("count", len(torn)),
			slog.Duration("max_age", maxAge),
		)
	}
	return len(torn)
}

func (g *Guard) teardown(conns []*Connection) {
	for _, c := range conns {
		if c.cancel != nil {
			c.cancel()
		}
	}
}

// Run reaps connections older than MaxConnectionAge every ReapInterval until
// ctx is done.
func (g *Guard) Run(ctx context.Context) {
	t := g.clock.Ticker(g.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.ReapStale(ctx, g.cfg.MaxConnectionAge)
		}
	}
}

// UserConnections returns the sorted connection ids of userID.
func (g *Guard) UserConnections(userID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sortedIDs(g.byUser[userID])
}

// ConversationConnections returns the sorted connection ids of convID.
func (g *Guard) ConversationConnections(convID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sortedIDs(g.byConv[convID])
}

func sortedIDs(s set) []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
