// Package synthesis merges stored traces into a single weighted digest. The
// score blends embedding similarity with the author's live coherence
// contribution, so traces from well-synchronized agents surface first.
package synthesis

import (
	"fmt"
	"strings"

	"github.com/resonancelabs/rail/internal/store"
)

const (
	similarityWeight = 0.7
	coherenceWeight  = 0.3
	// Over-fetch factor for diversity before dedupe and rescoring.
	overFetch = 2
)

// CoherenceFn resolves an agent's current coherence contribution from the
// client table; 0 for disconnected authors.
type CoherenceFn func(agentID string) float64

// Request selects what to synthesize.
type Request struct {
	Embedding []float64
	AgentIDs  []string
	Limit     int
}

// ScoredTrace is one trace with its combined score.
type ScoredTrace struct {
	store.Trace
	Score float64 `json:"score"`
}

// Result is the synthesizer output.
type Result struct {
	Traces  []ScoredTrace `json:"traces"`
	Summary string        `json:"summary"`
}

// Synthesizer is a pure function of the trace store and a client-table
// snapshot; it holds no state of its own.
type Synthesizer struct {
	st        *store.Store
	coherence CoherenceFn
}

// New creates a synthesizer. coherence may be nil, in which case every author
// scores 0 on the coherence term.
func New(st *store.Store, coherence CoherenceFn) *Synthesizer {
	if coherence == nil {
		coherence = func(string) float64 { return 0 }
	}
	return &Synthesizer{st: st, coherence: coherence}
}

// Synthesize runs the search(es), scores, and merges.
func (s *Synthesizer) Synthesize(req Request) (*Result, error) {
	if req.Limit <= 0 {
		req.Limit = 5
	}
	fetch := req.Limit * overFetch

	var raw []store.Trace
	if len(req.AgentIDs) > 0 {
		for _, agentID := range req.AgentIDs {
			traces, err := s.st.SearchTraces(store.TraceQuery{
				AgentID:   agentID,
				Embedding: req.Embedding,
				Limit:     fetch,
			})
			if err != nil {
				return nil, fmt.Errorf("search traces for %s: %w", agentID, err)
			}
			raw = append(raw, traces...)
		}
	} else {
		traces, err := s.st.SearchTraces(store.TraceQuery{
			Embedding: req.Embedding,
			Limit:     fetch,
		})
		if err != nil {
			return nil, fmt.Errorf("search traces: %w", err)
		}
		raw = traces
	}

	seen := make(map[int64]bool, len(raw))
	scored := make([]ScoredTrace, 0, len(raw))
	for _, t := range raw {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		scored = append(scored, ScoredTrace{
			Trace: t,
			Score: similarityWeight*t.Similarity + coherenceWeight*s.coherence(t.AgentID),
		})
	}

	// Stable sort keeps search order (recency / similarity) for equal scores.
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].Score > scored[j-1].Score; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
	if len(scored) > req.Limit {
		scored = scored[:req.Limit]
	}

	var blocks []string
	for _, t := range scored {
		name := t.AgentName
		if name == "" {
			name = t.AgentID
		}
		blocks = append(blocks, fmt.Sprintf("[%s] (similarity: %.3f): %s", name, t.Similarity, t.Content))
	}

	return &Result{Traces: scored, Summary: strings.Join(blocks, "\n\n")}, nil
}
