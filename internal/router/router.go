// Package router selects message destinations by a thermodynamic cost
// function: candidates are scored by a weighted energy and sampled from the
// Boltzmann distribution at a configured temperature. The router is pure; it
// holds no message state.
package router

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/resonancelabs/rail/internal/embedding"
)

const (
	defaultLoadWeight      = 0.2
	defaultCoherenceWeight = 0.4
	defaultSemanticWeight  = 0.4
	defaultTemperature     = 0.8
)

// Candidate is one possible destination for a routable message.
type Candidate struct {
	AgentID   string
	Load      float64   // [0,1]
	Coherence float64   // [0,1]
	Attractor []float64 // semantic attractor vector, may be nil
}

// Config holds the energy weights and sampling temperature.
type Config struct {
	LoadWeight      float64
	CoherenceWeight float64
	SemanticWeight  float64
	Temperature     float64
}

// Router scores and samples destinations. Route is called from every socket's
// read loop concurrently, so the sampler state is mutex-guarded.
type Router struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a router. A nil source gets a time-seeded one; tests inject a
// fixed source for determinism.
func New(cfg Config, src rand.Source) *Router {
	if cfg.LoadWeight == 0 && cfg.CoherenceWeight == 0 && cfg.SemanticWeight == 0 {
		cfg.LoadWeight = defaultLoadWeight
		cfg.CoherenceWeight = defaultCoherenceWeight
		cfg.SemanticWeight = defaultSemanticWeight
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if src == nil {
		src = rand.NewSource(rand.Int63())
	}
	return &Router{cfg: cfg, rng: rand.New(src)}
}

// Energy computes E(d) for a candidate given the message embedding. A nil
// embedding zeroes the semantic term.
func (r *Router) Energy(c Candidate, msgEmbedding []float64) float64 {
	e := r.cfg.LoadWeight*c.Load + r.cfg.CoherenceWeight*(1-c.Coherence)
	if len(msgEmbedding) > 0 && len(c.Attractor) > 0 {
		e += r.cfg.SemanticWeight * (1 - embedding.Cosine(msgEmbedding, c.Attractor))
	}
	return e
}

// Route samples a destination from P(d) ∝ exp(−E(d)/T). Ties in the sampled
// probability mass resolve by lexicographic agentId because candidates are
// sorted before sampling. Returns false when there are no candidates.
func (r *Router) Route(candidates []Candidate, msgEmbedding []float64) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	weights := make([]float64, len(sorted))
	var total float64
	for i, c := range sorted {
		w := math.Exp(-r.Energy(c, msgEmbedding) / r.cfg.Temperature)
		weights[i] = w
		total += w
	}
	if total == 0 || math.IsNaN(total) {
		return sorted[0], true
	}

	r.mu.Lock()
	target := r.rng.Float64() * total
	r.mu.Unlock()
	var acc float64
	for i, w := range weights {
		acc += w
		if target < acc {
			return sorted[i], true
		}
	}
	return sorted[len(sorted)-1], true
}

// Probabilities returns the normalized Boltzmann distribution over the
// candidates, keyed by agentId. Used by the metadata energy landscape.
func (r *Router) Probabilities(candidates []Candidate, msgEmbedding []float64) map[string]float64 {
	out := make(map[string]float64, len(candidates))
	if len(candidates) == 0 {
		return out
	}
	var total float64
	for _, c := range candidates {
		total += math.Exp(-r.Energy(c, msgEmbedding) / r.cfg.Temperature)
	}
	for _, c := range candidates {
		out[c.AgentID] = math.Exp(-r.Energy(c, msgEmbedding)/r.cfg.Temperature) / total
	}
	return out
}
