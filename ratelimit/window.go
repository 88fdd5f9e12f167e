package ratelimit

import (
	"context"
	"slices"
	"time"
)

// WindowStore keeps sliding-window event logs for daily budgets.
type WindowStore interface {
	// Add records an event for key at now if fewer than limit events fall in
	// the trailing window, and reports whether it was recorded.
	Add(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, error)
}

// Sweeper is implemented by stores that need explicit garbage collection.
type Sweeper interface {
	Sweep(now time.Time, idle time.Duration) int
}

type slidingWindow struct {
	times    []time.Time // ascending
	lastSeen time.Time
}

// add prunes events at or before now-size, then records now when fewer than
// limit events remain.
func (w *slidingWindow) add(now time.Time, size time.Duration, limit int) bool {
	cutoff := now.Add(-size)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
	w.lastSeen = now

	if len(w.times) >= limit {
		return false
	}
	at, _ := slices.BinarySearchFunc(w.times, now, func(a, b time.Time) int { return a.Compare(b) })
	w.times = slices.Insert(w.times, at, now)
	return true
}

// MemoryWindows is an in-process WindowStore.
type MemoryWindows struct {
	t *table[*slidingWindow]
}

func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{t: newTable[*slidingWindow]()}
}

func (m *MemoryWindows) Add(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, error) {
	var ok bool
	m.t.do(key, func() *slidingWindow { return &slidingWindow{} }, func(w *slidingWindow) {
		ok = w.add(now, window, limit)
	})
	return ok, nil
}

// Count returns the number of events currently logged for key.
func (m *MemoryWindows) Count(key string) int {
	n := 0
	m.t.peek(key, func(w *slidingWindow) { n = len(w.times) })
	return n
}

// Sweep drops windows that saw no event for longer than idle.
func (m *MemoryWindows) Sweep(now time.Time, idle time.Duration) int {
	cutoff := now.Add(-idle)
	return m.t.sweep(func(w *slidingWindow) bool { return w.lastSeen.Before(cutoff) })
}

// Len reports how many keys are tracked.
func (m *MemoryWindows) Len() int { return m.t.count(nil) }
