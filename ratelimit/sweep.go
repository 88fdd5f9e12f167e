package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Sweep drops buckets and windows untouched for longer than the idle TTL,
// and cooldown trackers whose last failure is that old and which are not
// cooling down. It returns the number of entries removed.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.cfg.IdleTTL)
	idle := func(b *bucket) bool { return b.lastSeen.Before(cutoff) }

	n := l.ipBuckets.sweep(idle)
	n += l.userBuckets.sweep(idle)
	n += l.cooldowns.sweep(func(c *cooldown) bool {
		return c.lastFailureAt.Before(cutoff) && !c.cooldownUntil.After(now)
	})
	if s, ok := l.windows.(Sweeper); ok {
		n += s.Sweep(now, l.cfg.IdleTTL)
	}
	return n
}

// Run sweeps on every SweepInterval tick of the limiter's clock until ctx
// is done.
func (l *Limiter) Run(ctx context.Context) {
	t := l.clock.Ticker(l.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Sweep(l.clock.Now()); n > 0 {
				l.log.DebugContext(ctx, "ratelimit.sweep", slog.Int("removed", n))
			}
		}
	}
}

// Stats is a point-in-time summary of the limiter.
type Stats struct {
	Allowed        int64            `json:"allowed"`
	Blocked        int64            `json:"blocked"`
	BlocksByReason map[Reason]int64 `json:"blocks_by_reason"`
	TrackedIPs     int              `json:"tracked_ips"`
	TrackedUsers   int              `json:"tracked_users"`
	CoolingDown    int              `json:"cooling_down"`
}

func (l *Limiter) Stats() Stats {
	now := l.clock.Now()
	st := Stats{
		Allowed:        l.allowed.Load(),
		BlocksByReason: make(map[Reason]int64, len(reasons)),
		TrackedIPs:     l.ipBuckets.count(nil),
		TrackedUsers:   l.userBuckets.count(nil),
		CoolingDown:    l.cooldowns.count(func(c *cooldown) bool { return c.cooldownUntil.After(now) }),
	}
	for _, r := range reasons {
		v := l.blocked[r].Load()
		st.BlocksByReason[r] = v
		st.Blocked += v
	}
	return st
}
