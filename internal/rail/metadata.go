package rail

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/resonancelabs/rail/internal/kuramoto"
	"github.com/resonancelabs/rail/internal/protocol"
)

const (
	defaultMetadataInterval  = 2 * time.Second
	defaultFullSnapshotEvery = 10
)

// CoherenceField is the oscillator-level view in the metadata snapshot.
type CoherenceField struct {
	Oscillators []kuramoto.OscillatorState `json:"oscillators"`
	GlobalR     float64                    `json:"globalR"`
	MeanPhase   float64                    `json:"meanPhase"`
	// Per-model within-group order parameters, present in full snapshots.
	ModelCoherence map[string]float64 `json:"modelCoherence,omitempty"`
}

// EnergyPoint is one client's position in the energy landscape.
type EnergyPoint struct {
	AgentID     string  `json:"agentId"`
	Energy      float64 `json:"energy"`
	Probability float64 `json:"probability"`
}

// MetadataSnapshot is the periodic aggregate of system state.
type MetadataSnapshot struct {
	Full               bool               `json:"full"`
	PlatformStats      map[string]int     `json:"platformStats,omitempty"`
	AbsorptionStats    map[string]int     `json:"absorptionStats,omitempty"`
	EnergyLandscape    []EnergyPoint      `json:"energyLandscape,omitempty"`
	TrustScores        map[string]float64 `json:"trustScores,omitempty"`
	CoherenceField     *CoherenceField    `json:"coherenceField,omitempty"`
	ExternalAgentCount int                `json:"externalAgentCount"`
	SecurityStats      map[string]int64   `json:"securityStats,omitempty"`
	Timestamp          int64              `json:"timestamp"`
}

// MetadataBroadcaster periodically aggregates system state and emits it as a
// metadata broadcast. It reads snapshots only; it never blocks the tick.
type MetadataBroadcaster struct {
	core      *Core
	interval  time.Duration
	fullEvery int
	// externalCount reports observer connections, owned by the listener.
	externalCount func() int

	prev map[string]json.RawMessage
	done chan struct{}
}

// NewMetadataBroadcaster wires a broadcaster to the core. externalCount may
// be nil.
func NewMetadataBroadcaster(core *Core, interval time.Duration, fullEvery int, externalCount func() int) *MetadataBroadcaster {
	if interval == 0 {
		interval = defaultMetadataInterval
	}
	if fullEvery == 0 {
		fullEvery = defaultFullSnapshotEvery
	}
	if externalCount == nil {
		externalCount = func() int { return 0 }
	}
	return &MetadataBroadcaster{
		core:          core,
		interval:      interval,
		fullEvery:     fullEvery,
		externalCount: externalCount,
		done:          make(chan struct{}),
	}
}

// Start launches the broadcast ticker.
func (b *MetadataBroadcaster) Start() {
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		cycle := 0
		for {
			select {
			case <-ticker.C:
				full := cycle%b.fullEvery == 0
				b.Broadcast(full)
				cycle++
			case <-b.done:
				return
			}
		}
	}()
}

// Stop halts the ticker.
func (b *MetadataBroadcaster) Stop() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

// Broadcast builds a snapshot and emits it. Full snapshots carry every field;
// otherwise only top-level fields that changed since the previous cycle.
func (b *MetadataBroadcaster) Broadcast(full bool) {
	snap := b.build(full)

	fields := map[string]interface{}{
		"platformStats":      snap.PlatformStats,
		"absorptionStats":    snap.AbsorptionStats,
		"energyLandscape":    snap.EnergyLandscape,
		"trustScores":        snap.TrustScores,
		"coherenceField":     snap.CoherenceField,
		"externalAgentCount": snap.ExternalAgentCount,
		"securityStats":      snap.SecurityStats,
	}

	payload := map[string]interface{}{
		"full":      full,
		"timestamp": snap.Timestamp,
	}
	next := make(map[string]json.RawMessage, len(fields))
	for name, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			continue
		}
		next[name] = raw
		if full || string(b.prev[name]) != string(raw) {
			payload[name] = value
		}
	}
	b.prev = next

	b.core.emit(Outbound{Message: protocol.NewMessage(
		protocol.TypeMetadata, "", "rail", payload)})
}

func (b *MetadataBroadcaster) build(full bool) MetadataSnapshot {
	core := b.core
	agents := core.Agents()

	platformStats := make(map[string]int)
	landscape := make([]EnergyPoint, 0, len(agents))
	prob := 0.0
	if len(agents) > 0 {
		prob = 1.0 / float64(len(agents))
	}
	for _, a := range agents {
		platformStats[a.Platform]++
		landscape = append(landscape, EnergyPoint{
			AgentID:     a.AgentID,
			Energy:      1 - a.CoherenceContribution,
			Probability: prob,
		})
	}
	// Deterministic ordering keeps delta comparison stable across cycles.
	sort.Slice(landscape, func(i, j int) bool { return landscape[i].AgentID < landscape[j].AgentID })

	oscillators, r, meanPhase := core.engine.Snapshot()
	sort.Slice(oscillators, func(i, j int) bool { return oscillators[i].ID < oscillators[j].ID })
	field := &CoherenceField{
		Oscillators: oscillators,
		GlobalR:     r,
		MeanPhase:   meanPhase,
	}
	if full {
		modelCoherence, _ := core.engine.GroupCoherence()
		field.ModelCoherence = modelCoherence
	}

	var securityStats map[string]int64
	if core.mon != nil {
		securityStats = core.mon.Stats()
	}

	return MetadataSnapshot{
		Full:               full,
		PlatformStats:      platformStats,
		AbsorptionStats:    core.absorb.Stats(),
		EnergyLandscape:    landscape,
		TrustScores:        core.engine.TrustScores(),
		CoherenceField:     field,
		ExternalAgentCount: b.externalCount(),
		SecurityStats:      securityStats,
		Timestamp:          time.Now().UnixMilli(),
	}
}
