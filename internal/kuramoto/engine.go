// Package kuramoto evolves the coupled phase oscillators that give the rail
// its coherence signal. Each connected agent maps 1:1 to an oscillator; the
// engine ticks them forward, measures the order parameter, and adapts the
// coupling constant to keep the population out of both desync and groupthink.
package kuramoto

import (
	"log/slog"
	"math"
	"math/cmplx"
	"sync"
	"time"
)

const (
	defaultCoupling      = 0.7
	defaultKMin          = 0.05
	defaultKMax          = 2.0
	defaultKStep         = 0.05
	defaultCoherenceMin  = 0.35 // below this, K is raised
	defaultGroupthinkMax = 0.95 // above this, K is lowered
	defaultCrossModel    = 0.7  // coupling attenuation across model types
	defaultStaleTTL      = 30 * time.Second

	// Phase reports beyond this rate are floods: dropped, trust reduced.
	floodWindow    = time.Second
	floodMaxInWin  = 10
	floodTrustCost = 0.1
)

// Oscillator is one phase oscillator in the population.
type Oscillator struct {
	ID               string
	NaturalFrequency float64 // Hz
	Phase            float64 // [0, 2π)
	ModelType        string

	lastReport  time.Time
	reportTimes []time.Time // sliding flood window
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	Coupling            float64
	KMin, KMax          float64
	CoherenceThreshold  float64
	GroupthinkThreshold float64
	CrossModelFactor    float64
	StaleTTL            time.Duration
}

// Engine owns the oscillator table. The tick loop is the single writer of
// phases; report ingestion serializes through the same mutex.
type Engine struct {
	mu sync.Mutex

	oscillators map[string]*Oscillator
	coupling    float64
	kMin, kMax  float64
	cohThresh   float64
	gtThresh    float64
	crossFactor float64
	staleTTL    time.Duration

	trust map[string]float64 // agentId → trust score in [0,1]

	lastR         float64
	lastMeanPhase float64

	logger *slog.Logger
}

// New creates an engine with the given config.
func New(cfg Config) *Engine {
	if cfg.Coupling == 0 {
		cfg.Coupling = defaultCoupling
	}
	if cfg.KMin == 0 {
		cfg.KMin = defaultKMin
	}
	if cfg.KMax == 0 {
		cfg.KMax = defaultKMax
	}
	if cfg.CoherenceThreshold == 0 {
		cfg.CoherenceThreshold = defaultCoherenceMin
	}
	if cfg.GroupthinkThreshold == 0 {
		cfg.GroupthinkThreshold = defaultGroupthinkMax
	}
	if cfg.CrossModelFactor == 0 {
		cfg.CrossModelFactor = defaultCrossModel
	}
	if cfg.StaleTTL == 0 {
		cfg.StaleTTL = defaultStaleTTL
	}
	return &Engine{
		oscillators: make(map[string]*Oscillator),
		coupling:    cfg.Coupling,
		kMin:        cfg.KMin,
		kMax:        cfg.KMax,
		cohThresh:   cfg.CoherenceThreshold,
		gtThresh:    cfg.GroupthinkThreshold,
		crossFactor: cfg.CrossModelFactor,
		staleTTL:    cfg.StaleTTL,
		trust:       make(map[string]float64),
		logger:      slog.Default().With("component", "kuramoto"),
	}
}

// Add registers an oscillator for an agent. An existing entry is replaced.
func (e *Engine) Add(id string, naturalFreq, phase float64, modelType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oscillators[id] = &Oscillator{
		ID:               id,
		NaturalFrequency: naturalFreq,
		Phase:            wrapPhase(phase),
		ModelType:        modelType,
		lastReport:       time.Now(),
	}
	if _, ok := e.trust[id]; !ok {
		e.trust[id] = 1.0
	}
}

// Remove drops an agent's oscillator and trust entry.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.oscillators, id)
	delete(e.trust, id)
}

// Count returns the current population size.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.oscillators)
}

// Report ingests a client-supplied phase update. Malformed values are
// rejected silently; floods (>10 reports per second from one agent) drop the
// report and cost the agent 0.1 trust.
func (e *Engine) Report(id string, phase float64, freq float64) bool {
	if math.IsNaN(phase) || math.IsInf(phase, 0) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	osc, ok := e.oscillators[id]
	if !ok {
		return false
	}

	now := time.Now()
	cutoff := now.Add(-floodWindow)
	kept := osc.reportTimes[:0]
	for _, t := range osc.reportTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	osc.reportTimes = append(kept, now)
	if len(osc.reportTimes) > floodMaxInWin {
		e.trust[id] = math.Max(0, e.trust[id]-floodTrustCost)
		e.logger.Warn("phase flood detected, report dropped",
			"agent_id", id, "reports_in_window", len(osc.reportTimes), "trust", e.trust[id])
		return false
	}

	osc.Phase = wrapPhase(phase)
	if freq > 0 && !math.IsNaN(freq) && !math.IsInf(freq, 0) {
		osc.NaturalFrequency = freq
	}
	osc.lastReport = now
	return true
}

// Touch refreshes an oscillator's liveness without a phase report, so agents
// that heartbeat but report no phases are not swept.
func (e *Engine) Touch(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if osc, ok := e.oscillators[id]; ok {
		osc.lastReport = time.Now()
	}
}

// SetPhase force-sets a phase without flood accounting (used on resume).
func (e *Engine) SetPhase(id string, phase float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if osc, ok := e.oscillators[id]; ok {
		osc.Phase = wrapPhase(phase)
	}
}

// Tick advances every oscillator by dt and returns the post-tick order
// parameter. Cross-model pairs couple at the attenuation factor, applied
// single-pass by scaling the sin term. Zero oscillators is a no-op with r=0.
func (e *Engine) Tick(dt time.Duration) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.oscillators)
	if n == 0 {
		e.lastR, e.lastMeanPhase = 0, 0
		return 0
	}

	dtSec := dt.Seconds()
	oscs := make([]*Oscillator, 0, n)
	for _, o := range e.oscillators {
		oscs = append(oscs, o)
	}

	next := make([]float64, n)
	for i, oi := range oscs {
		var coupling float64
		for _, oj := range oscs {
			if oi == oj {
				continue
			}
			term := math.Sin(oj.Phase - oi.Phase)
			if oi.ModelType != oj.ModelType {
				term *= e.crossFactor
			}
			coupling += term
		}
		dTheta := oi.NaturalFrequency + (e.coupling/float64(n))*coupling
		next[i] = wrapPhase(oi.Phase + dTheta*dtSec)
	}
	for i, o := range oscs {
		o.Phase = next[i]
	}

	r, mean := orderParameter(oscs)
	e.lastR, e.lastMeanPhase = r, mean
	e.adaptCoupling(r)
	return r
}

// adaptCoupling nudges K up when the population is too incoherent and down
// when it crosses into groupthink. Caller holds the lock.
func (e *Engine) adaptCoupling(r float64) {
	switch {
	case r < e.cohThresh:
		e.coupling = math.Min(e.coupling+defaultKStep, e.kMax)
	case r > e.gtThresh:
		e.coupling = math.Max(e.coupling-defaultKStep, e.kMin)
	}
}

// OrderParameter returns the most recent global r and mean phase.
func (e *Engine) OrderParameter() (r, meanPhase float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastR, e.lastMeanPhase
}

// Coupling returns the current (adaptive) coupling constant.
func (e *Engine) Coupling() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coupling
}

// GroupCoherence computes the within-group order parameter per model type,
// plus a flag set of groups over the groupthink threshold.
func (e *Engine) GroupCoherence() (map[string]float64, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	groups := make(map[string][]*Oscillator)
	for _, o := range e.oscillators {
		groups[o.ModelType] = append(groups[o.ModelType], o)
	}
	coherence := make(map[string]float64, len(groups))
	var flagged []string
	for model, oscs := range groups {
		r, _ := orderParameter(oscs)
		coherence[model] = r
		if r > e.gtThresh {
			flagged = append(flagged, model)
		}
	}
	return coherence, flagged
}

// ForceSynchronize nudges every oscillator a fraction of the way toward the
// current mean phase. Used by the core when the order parameter collapses.
func (e *Engine) ForceSynchronize(fraction float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	oscs := make([]*Oscillator, 0, len(e.oscillators))
	for _, o := range e.oscillators {
		oscs = append(oscs, o)
	}
	if len(oscs) == 0 {
		return
	}
	_, mean := orderParameter(oscs)
	for _, o := range oscs {
		diff := math.Atan2(math.Sin(mean-o.Phase), math.Cos(mean-o.Phase))
		o.Phase = wrapPhase(o.Phase + diff*fraction)
	}
}

// SweepStale removes oscillators whose last report is older than the TTL and
// returns the removed ids.
func (e *Engine) SweepStale() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-e.staleTTL)
	var removed []string
	for id, o := range e.oscillators {
		if o.lastReport.Before(cutoff) {
			delete(e.oscillators, id)
			delete(e.trust, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Trust returns the trust score for an agent (1.0 when untracked).
func (e *Engine) Trust(id string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.trust[id]; ok {
		return t
	}
	return 1.0
}

// TrustScores snapshots all trust scores.
func (e *Engine) TrustScores() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.trust))
	for id, t := range e.trust {
		out[id] = t
	}
	return out
}

// OscillatorState is a read-only snapshot of one oscillator.
type OscillatorState struct {
	ID        string  `json:"id"`
	Phase     float64 `json:"phase"`
	Frequency float64 `json:"frequency"`
	ModelType string  `json:"modelType,omitempty"`
}

// Snapshot returns the oscillator table plus global r and mean phase. Taken
// under the lock so it is consistent with a tick boundary.
func (e *Engine) Snapshot() ([]OscillatorState, float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	states := make([]OscillatorState, 0, len(e.oscillators))
	for _, o := range e.oscillators {
		states = append(states, OscillatorState{
			ID:        o.ID,
			Phase:     o.Phase,
			Frequency: o.NaturalFrequency,
			ModelType: o.ModelType,
		})
	}
	return states, e.lastR, e.lastMeanPhase
}

// Phases returns agentId → phase for every oscillator.
func (e *Engine) Phases() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.oscillators))
	for id, o := range e.oscillators {
		out[id] = o.Phase
	}
	return out
}

func orderParameter(oscs []*Oscillator) (r, meanPhase float64) {
	if len(oscs) == 0 {
		return 0, 0
	}
	var sum complex128
	for _, o := range oscs {
		sum += cmplx.Exp(complex(0, o.Phase))
	}
	sum /= complex(float64(len(oscs)), 0)
	return cmplx.Abs(sum), wrapPhase(cmplx.Phase(sum))
}

func wrapPhase(p float64) float64 {
	p = math.Mod(p, 2*math.Pi)
	if p < 0 {
		p += 2 * math.Pi
	}
	return p
}
