// Package ratelimit enforces per-client sliding windows for joins, messages,
// and broadcasts. A violation is reported to the security monitor; the
// listener closes the offending socket and purges the entry.
package ratelimit

import (
	"sync"
	"time"

	"github.com/resonancelabs/rail/internal/monitor"
)

// Kind selects which window a check counts against.
type Kind string

const (
	KindJoin      Kind = "join"
	KindMessage   Kind = "message"
	KindBroadcast Kind = "broadcast"
)

type limit struct {
	max    int
	window time.Duration
}

var defaults = map[Kind]limit{
	KindJoin:      {max: 5, window: 60 * time.Second},
	KindMessage:   {max: 100, window: time.Second},
	KindBroadcast: {max: 10, window: time.Second},
}

type window struct {
	times []time.Time
}

// Limiter tracks sliding windows per (client, kind).
type Limiter struct {
	mu      sync.Mutex
	windows map[string]map[Kind]*window
	limits  map[Kind]limit
	mon     *monitor.SecurityMonitor
	now     func() time.Time
}

// New creates a limiter with the default windows. The monitor may be nil.
func New(mon *monitor.SecurityMonitor) *Limiter {
	limits := make(map[Kind]limit, len(defaults))
	for k, v := range defaults {
		limits[k] = v
	}
	return &Limiter{
		windows: make(map[string]map[Kind]*window),
		limits:  limits,
		mon:     mon,
		now:     time.Now,
	}
}

// SetLimit overrides one window. Zero or negative max keeps the default.
func (l *Limiter) SetLimit(kind Kind, max int, window time.Duration) {
	if max <= 0 || window <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[kind] = limit{max: max, window: window}
}

// Allow records one event for the key and reports whether it stays within the
// window. The event that crosses the limit is counted as the violation.
func (l *Limiter) Allow(key string, kind Kind) bool {
	lim, ok := l.limits[kind]
	if !ok {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	byKind, ok := l.windows[key]
	if !ok {
		byKind = make(map[Kind]*window)
		l.windows[key] = byKind
	}
	w, ok := byKind[kind]
	if !ok {
		w = &window{}
		byKind[kind] = w
	}

	now := l.now()
	cutoff := now.Add(-lim.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)

	if len(w.times) > lim.max {
		if l.mon != nil {
			l.mon.Record(monitor.KindRateViolation, key, map[string]any{
				"kind":  string(kind),
				"count": len(w.times),
				"limit": lim.max,
			})
		}
		return false
	}
	return true
}

// Purge drops all state for a client, called when its socket is closed.
func (l *Limiter) Purge(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// ActiveKeys returns the number of tracked clients.
func (l *Limiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
