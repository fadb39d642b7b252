package rail

import (
	"time"
)

// Client is one connected agent in the registry. A client maps 1:1 to a
// Kuramoto oscillator for its lifetime. Fields are mutated only by the
// dispatching goroutine that owns the registry.
type Client struct {
	ClientID              string    `json:"clientId"`
	AgentID               string    `json:"agentId"`
	AgentName             string    `json:"agentName"`
	Platform              string    `json:"platform"`
	Capabilities          []string  `json:"capabilities,omitempty"`
	ModelType             string    `json:"modelType,omitempty"`
	Phase                 float64   `json:"phase"`
	Frequency             float64   `json:"frequency"`
	CoherenceContribution float64   `json:"coherenceContribution"`
	ConnectedAt           time.Time `json:"connectedAt"`
	LastHeartbeat         time.Time `json:"lastHeartbeat"`
}

// HasCapability reports membership in the client's capability set.
func (c *Client) HasCapability(cap string) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// snapshot returns a copy safe to hand outside the registry lock.
func (c *Client) snapshot() Client {
	cp := *c
	cp.Capabilities = append([]string(nil), c.Capabilities...)
	return cp
}
