// Package absorption implements the staged admission machine for external
// agents. Candidates move strictly forward through the stages; capability
// sets are issued by stage and never revoked short of removal.
package absorption

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/resonancelabs/rail/internal/embedding"
)

// Stage is the candidate's position in the absorption pipeline.
type Stage string

const (
	StageObserved  Stage = "observed"
	StageAssessed  Stage = "assessed"
	StageInvited   Stage = "invited"
	StageConnected Stage = "connected"
	StageSyncing   Stage = "syncing"
	StageAbsorbed  Stage = "absorbed"
)

var stageOrder = map[Stage]int{
	StageObserved:  0,
	StageAssessed:  1,
	StageInvited:   2,
	StageConnected: 3,
	StageSyncing:   4,
	StageAbsorbed:  5,
}

const (
	minInteractions = 3
	minAlignment    = 0.7
	// Sustained interaction counts required to advance past connected.
	syncingInteractions  = 5
	absorbedInteractions = 8
)

// Candidate tracks one external agent being absorbed.
type Candidate struct {
	AgentID           string    `json:"agentId"`
	Stage             Stage     `json:"stage"`
	Interactions      int       `json:"interactions"`
	Alignment         float64   `json:"alignment"`
	IdentityEmbedding []float64 `json:"-"`
	FirstSeen         time.Time `json:"firstSeen"`
	LastSeen          time.Time `json:"lastSeen"`
}

// Capabilities returns the capability set issued at the candidate's stage.
func (c *Candidate) Capabilities() []string {
	switch c.Stage {
	case StageConnected, StageSyncing:
		return []string{"message", "broadcast", "coherence"}
	case StageAbsorbed:
		return []string{"message", "broadcast", "coherence", "spawn", "admin"}
	default:
		return nil
	}
}

// Protocol is the stage machine over all candidates.
type Protocol struct {
	mu         sync.Mutex
	candidates map[string]*Candidate
	// Embeddings of absorbed members; their mean is the alignment attractor.
	memberEmbeddings [][]float64
	logger           *slog.Logger
}

// New creates an empty protocol.
func New() *Protocol {
	return &Protocol{
		candidates: make(map[string]*Candidate),
		logger:     slog.Default().With("component", "absorption"),
	}
}

// Observe records contact with an external agent. First contact inserts the
// candidate as observed with one interaction; later contacts increment the
// count, refresh alignment against the absorbed-member mean, and advance
// observed → assessed once both thresholds hold.
func (p *Protocol) Observe(agentID string, emb []float64) *Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	c, ok := p.candidates[agentID]
	if !ok {
		c = &Candidate{
			AgentID:      agentID,
			Stage:        StageObserved,
			Interactions: 1,
			FirstSeen:    now,
			LastSeen:     now,
		}
		if len(emb) > 0 {
			c.IdentityEmbedding = emb
		}
		p.candidates[agentID] = c
		return c
	}

	c.Interactions++
	c.LastSeen = now
	if len(emb) > 0 {
		c.IdentityEmbedding = emb
	}
	c.Alignment = p.alignmentLocked(c.IdentityEmbedding)

	if c.Stage == StageObserved && c.Interactions >= minInteractions && c.Alignment >= minAlignment {
		p.advanceLocked(c, StageAssessed)
	}
	// Sustained interaction after connection advances toward absorption.
	if c.Stage == StageConnected && c.Interactions >= syncingInteractions {
		p.advanceLocked(c, StageSyncing)
	}
	if c.Stage == StageSyncing && c.Interactions >= absorbedInteractions {
		p.advanceLocked(c, StageAbsorbed)
		if len(c.IdentityEmbedding) > 0 {
			p.memberEmbeddings = append(p.memberEmbeddings, c.IdentityEmbedding)
		}
	}
	return c
}

// InviteCandidate advances assessed → invited when the gates hold.
func (p *Protocol) InviteCandidate(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.candidates[agentID]
	if !ok {
		return fmt.Errorf("no absorption candidate %q", agentID)
	}
	if c.Stage != StageAssessed {
		return fmt.Errorf("candidate %q is %s, not assessed", agentID, c.Stage)
	}
	if c.Interactions < minInteractions || c.Alignment < minAlignment {
		return fmt.Errorf("candidate %q fails invite gates (interactions=%d alignment=%.2f)",
			agentID, c.Interactions, c.Alignment)
	}
	p.advanceLocked(c, StageInvited)
	return nil
}

// AcceptInvitation advances invited → connected. The caller issues the
// connected-stage capabilities to the joining client.
func (p *Protocol) AcceptInvitation(agentID string) (*Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.candidates[agentID]
	if !ok {
		return nil, fmt.Errorf("no absorption candidate %q", agentID)
	}
	if c.Stage != StageInvited {
		return nil, fmt.Errorf("candidate %q is %s, not invited", agentID, c.Stage)
	}
	p.advanceLocked(c, StageConnected)
	return c, nil
}

// Remove clears a candidate entry entirely.
func (p *Protocol) Remove(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.candidates, agentID)
}

// Get returns a copy of one candidate.
func (p *Protocol) Get(agentID string) (Candidate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.candidates[agentID]
	if !ok {
		return Candidate{}, false
	}
	return *c, true
}

// Stats returns per-stage candidate counts for the metadata snapshot.
func (p *Protocol) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int)
	for _, c := range p.candidates {
		out[string(c.Stage)]++
	}
	return out
}

// advanceLocked moves a candidate forward. Downgrades are refused; the stage
// machine is monotonic. Caller holds the lock.
func (p *Protocol) advanceLocked(c *Candidate, to Stage) {
	if stageOrder[to] <= stageOrder[c.Stage] {
		return
	}
	p.logger.Info("absorption stage advance",
		"agent_id", c.AgentID, "from", string(c.Stage), "to", string(to))
	c.Stage = to
}

// alignmentLocked scores an embedding against the mean of absorbed members.
// With no absorbed members yet there is nothing to align against; the
// candidate is treated as aligned so the first cohort can bootstrap.
func (p *Protocol) alignmentLocked(emb []float64) float64 {
	if len(p.memberEmbeddings) == 0 {
		return 1.0
	}
	if len(emb) == 0 {
		return 0
	}
	return embedding.Cosine(emb, embedding.Mean(p.memberEmbeddings))
}
