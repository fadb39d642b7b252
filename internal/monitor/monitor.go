// Package monitor collects security-relevant events from the auth layer, the
// firewall, and the rate limiter. It keeps aggregate counters for the
// metadata snapshot and a bounded ring of recent events for the /stats
// surface; forensic detail stays here and never reaches clients.
package monitor

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind classifies a security event.
type EventKind string

const (
	KindAuthFailure      EventKind = "auth_failure"
	KindFirewallBlocked  EventKind = "firewall_blocked"
	KindRateViolation    EventKind = "rate_violation"
	KindFloodDetected    EventKind = "flood_detected"
	KindAbsorptionDenied EventKind = "absorption_denied"
)

// Event is one recorded security event.
type Event struct {
	Kind      EventKind      `json:"kind"`
	AgentID   string         `json:"agentId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const recentCap = 256

// SecurityMonitor aggregates security events.
type SecurityMonitor struct {
	mu     sync.RWMutex
	counts map[EventKind]int64
	recent []Event
	logger *slog.Logger
}

// New creates an empty monitor.
func New() *SecurityMonitor {
	return &SecurityMonitor{
		counts: make(map[EventKind]int64),
		logger: slog.Default().With("component", "security"),
	}
}

// Record logs and retains one event.
func (m *SecurityMonitor) Record(kind EventKind, agentID string, details map[string]any) {
	m.mu.Lock()
	m.counts[kind]++
	m.recent = append(m.recent, Event{
		Kind:      kind,
		AgentID:   agentID,
		Details:   details,
		Timestamp: time.Now(),
	})
	if len(m.recent) > recentCap {
		m.recent = m.recent[len(m.recent)-recentCap:]
	}
	m.mu.Unlock()

	m.logger.Warn("security event", "kind", string(kind), "agent_id", agentID)
}

// Stats returns the aggregate counters.
func (m *SecurityMonitor) Stats() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		out[string(k)] = v
	}
	return out
}

// Recent returns up to limit most-recent events, newest last.
func (m *SecurityMonitor) Recent(limit int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]Event, limit)
	copy(out, m.recent[len(m.recent)-limit:])
	return out
}
