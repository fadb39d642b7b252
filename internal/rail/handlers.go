package rail

import (
	"time"

	"github.com/resonancelabs/rail/internal/protocol"
	"github.com/resonancelabs/rail/internal/router"
	"github.com/resonancelabs/rail/internal/store"
	"github.com/resonancelabs/rail/internal/synthesis"
)

// ProcessMessage is the dispatcher: total over the envelope type set. Each
// call runs to completion under the core mutex's serialization before the
// next frame from the same socket is handed in, so per-agent order holds.
func (c *Core) ProcessMessage(clientID string, msg *protocol.Message) {
	if msg == nil || !msg.Type.Valid() {
		return
	}

	c.mu.Lock()
	if c.paused && msg.Type != protocol.TypeHeartbeat {
		if len(c.pauseQueue) >= pauseQueueCap {
			c.mu.Unlock()
			c.logger.Warn("pause queue full, dropping message",
				"type", string(msg.Type), "agent_id", msg.AgentID)
			return
		}
		c.pauseQueue = append(c.pauseQueue, queuedMessage{clientID: clientID, msg: msg})
		depth := len(c.pauseQueue)
		c.mu.Unlock()
		if c.met != nil {
			c.met.QueueDepth.Set(float64(depth))
		}
		return
	}
	// Counted on dispatch only; a queued message is counted when Resume
	// re-dispatches it.
	c.messagesProcessed++
	c.mu.Unlock()

	if c.met != nil {
		c.met.MessagesProcessed.WithLabelValues(string(msg.Type)).Inc()
	}

	switch msg.Type {
	case protocol.TypeJoin:
		// Joins arrive through HandleJoin after listener-side auth; a join
		// frame reaching the dispatcher is recorded but not re-admitted.
		c.logEvent("join:replayed", clientID, nil)
	case protocol.TypeLeave:
		c.handleLeave(clientID, msg)
	case protocol.TypeHeartbeat:
		c.handleHeartbeat(clientID, msg)
	case protocol.TypeCoherence:
		c.handleCoherence(clientID, msg)
	case protocol.TypeMessage:
		c.handleRoutable(clientID, msg)
	case protocol.TypeBroadcast:
		c.handleBroadcast(clientID, msg)
	case protocol.TypeSync:
		c.handleSync(clientID, msg)
	case protocol.TypeMigrate:
		c.handleMigrate(clientID, msg)
	case protocol.TypeTrace:
		c.handleTrace(clientID, msg)
	case protocol.TypeSearch:
		c.handleSearch(clientID, msg)
	case protocol.TypeSynthesize:
		c.handleSynthesize(clientID, msg)
	case protocol.TypeReplay:
		c.handleReplay(clientID, msg)
	case protocol.TypeMetadata:
		// Metadata frames are server-emitted; from a client they are inert.
		c.logEvent("metadata:ignored", clientID, nil)
	}

	c.logMessage(msg)
}

// logMessage appends to the persistent message log. Persistence failure never
// blocks serving: the counter increments locally instead.
func (c *Core) logMessage(msg *protocol.Message) {
	if c.st != nil {
		seq, err := c.st.LogMessage(string(msg.Type), msg.AgentID, msg.AgentName, msg.Payload, msg.Timestamp)
		if err == nil {
			c.mu.Lock()
			c.messageSeq = seq
			c.mu.Unlock()
			return
		}
		c.logger.Warn("message log write failed", "error", err)
	}
	c.mu.Lock()
	c.messageSeq++
	c.mu.Unlock()
}

func (c *Core) logEvent(eventType, clientID string, details map[string]any) {
	if c.st == nil {
		return
	}
	if err := c.st.LogEvent(eventType, clientID, details); err != nil {
		c.logger.Warn("event log write failed", "error", err)
	}
}

func (c *Core) resolveClient(clientID string, msg *protocol.Message) (string, *Client) {
	if cl, ok := c.clients[clientID]; ok {
		return clientID, cl
	}
	return c.findByAgentID(msg.AgentID)
}

func (c *Core) handleLeave(clientID string, msg *protocol.Message) {
	c.mu.Lock()
	id, cl := c.resolveClient(clientID, msg)
	c.mu.Unlock()
	if cl == nil {
		return
	}
	reason := msg.PayloadString("reason")
	if reason == "" {
		reason = "client leave"
	}
	c.removeClient(id, reason)
}

// handleHeartbeat refreshes liveness for both the registry entry and the
// oscillator, so an agent that heartbeats without phase reports survives both
// sweeps. During pause, heartbeats still land so lastHeartbeat advances before
// any queued message drains.
func (c *Core) handleHeartbeat(clientID string, msg *protocol.Message) {
	c.mu.Lock()
	var agentID string
	if _, cl := c.resolveClient(clientID, msg); cl != nil {
		cl.LastHeartbeat = time.Now()
		agentID = cl.AgentID
	}
	c.mu.Unlock()
	if agentID != "" {
		c.engine.Touch(agentID)
	}
}

// handleCoherence ingests a client phase report.
func (c *Core) handleCoherence(clientID string, msg *protocol.Message) {
	phase, ok := msg.PayloadFloat("phase")
	if !ok {
		return
	}
	freq, _ := msg.PayloadFloat("frequency")

	c.mu.Lock()
	_, cl := c.resolveClient(clientID, msg)
	if cl == nil {
		c.mu.Unlock()
		return
	}
	agentID := cl.AgentID
	c.mu.Unlock()

	if !c.engine.Report(agentID, phase, freq) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, cl := c.resolveClient(clientID, msg); cl != nil {
		cl.Phase = phase
		cl.LastHeartbeat = time.Now()
		if contribution, ok := msg.PayloadFloat("coherenceContribution"); ok && contribution >= 0 && contribution <= 1 {
			cl.CoherenceContribution = contribution
		}
	}
}

// handleRoutable tags origin, runs the firewall, and routes by thermodynamic
// sampling. Blocked payloads are dropped silently; the sender learns nothing.
func (c *Core) handleRoutable(clientID string, msg *protocol.Message) {
	c.mu.Lock()
	_, sender := c.resolveClient(clientID, msg)
	if sender == nil {
		c.mu.Unlock()
		return
	}
	origin := sender.AgentID

	candidates := make([]router.Candidate, 0, len(c.clients))
	load := 0.0
	if n := len(c.clients); n > 1 {
		load = 1.0 / float64(n)
	}
	targets := make(map[string]string, len(c.clients)) // agentId → clientId
	for id, cl := range c.clients {
		if cl.AgentID == origin {
			continue
		}
		candidates = append(candidates, router.Candidate{
			AgentID:   cl.AgentID,
			Load:      load,
			Coherence: cl.CoherenceContribution,
		})
		targets[cl.AgentID] = id
	}
	c.mu.Unlock()

	content := msg.PayloadString("content")
	if content != "" {
		res := c.guard.Process(content, origin)
		if !res.Safe {
			if c.met != nil {
				c.met.FirewallBlocks.Inc()
			}
			c.logEvent("firewall:blocked", clientID, map[string]any{"score": res.Score})
			return
		}
		if res.Sanitized != content {
			// Payloads are immutable; rebuild with the sanitized content.
			payload := make(map[string]interface{}, len(msg.Payload))
			for k, v := range msg.Payload {
				payload[k] = v
			}
			payload["content"] = res.Sanitized
			msg = &protocol.Message{
				ID: msg.ID, Type: msg.Type, AgentID: msg.AgentID,
				AgentName: msg.AgentName, Payload: payload,
				Timestamp: msg.Timestamp, Signature: msg.Signature,
			}
		}
	}

	start := time.Now()
	dest, ok := c.route.Route(candidates, msg.PayloadVector("embedding"))
	if c.met != nil {
		c.met.RoutingDuration.Observe(time.Since(start).Seconds())
	}
	if !ok {
		return // no candidates: no-op
	}
	c.emit(Outbound{TargetClientID: targets[dest.AgentID], Message: msg})
}

func (c *Core) handleBroadcast(clientID string, msg *protocol.Message) {
	c.mu.Lock()
	_, sender := c.resolveClient(clientID, msg)
	c.mu.Unlock()
	if sender == nil {
		return
	}
	content := msg.PayloadString("content")
	if content != "" {
		if res := c.guard.Process(content, sender.AgentID); !res.Safe {
			if c.met != nil {
				c.met.FirewallBlocks.Inc()
			}
			c.logEvent("firewall:blocked", clientID, map[string]any{"score": res.Score})
			return
		}
	}
	c.emit(Outbound{Message: msg})
}

// handleSync answers a client's resynchronization request with the current
// coherence field.
func (c *Core) handleSync(clientID string, msg *protocol.Message) {
	r, meanPhase := c.engine.OrderParameter()
	c.emit(Outbound{TargetClientID: clientID, Message: protocol.NewMessage(
		protocol.TypeSync, "", "rail", map[string]interface{}{
			"event":     protocol.EventSync,
			"coherence": r,
			"meanPhase": meanPhase,
			"agents":    c.Agents(),
		})})
}

// handleMigrate moves a client to a new platform identity.
func (c *Core) handleMigrate(clientID string, msg *protocol.Message) {
	platform := msg.PayloadString("platform")
	if platform == "" {
		return
	}
	c.mu.Lock()
	_, cl := c.resolveClient(clientID, msg)
	var from string
	if cl != nil {
		from = cl.Platform
		cl.Platform = platform
	}
	c.mu.Unlock()
	if cl != nil {
		c.logEvent("migrate", clientID, map[string]any{"from": from, "to": platform})
	}
}

func (c *Core) handleTrace(clientID string, msg *protocol.Message) {
	if c.st == nil {
		return
	}
	content := msg.PayloadString("content")
	if content == "" {
		return
	}
	trace := store.Trace{
		AgentID:   msg.AgentID,
		AgentName: msg.AgentName,
		Content:   content,
		Embedding: msg.PayloadVector("embedding"),
		Kind:      msg.PayloadString("kind"),
	}
	if meta, ok := msg.Payload["metadata"].(map[string]interface{}); ok {
		trace.Metadata = meta
	}
	if _, err := c.st.SaveTrace(trace); err != nil {
		c.logger.Warn("trace persist failed", "error", err)
	}
}

func (c *Core) handleSearch(clientID string, msg *protocol.Message) {
	if c.st == nil {
		return
	}
	limit := 10
	if f, ok := msg.PayloadFloat("limit"); ok && f > 0 {
		limit = int(f)
	}
	traces, err := c.st.SearchTraces(store.TraceQuery{
		AgentID:   msg.PayloadString("agentId"),
		Kind:      msg.PayloadString("kind"),
		Embedding: msg.PayloadVector("embedding"),
		Limit:     limit,
	})
	if err != nil {
		c.logger.Warn("trace search failed", "error", err)
		return
	}
	c.emit(Outbound{TargetClientID: clientID, Message: protocol.NewMessage(
		protocol.TypeSearch, "", "rail", map[string]interface{}{
			"results": traces,
		})})
}

func (c *Core) handleSynthesize(clientID string, msg *protocol.Message) {
	if c.synth == nil {
		return
	}
	limit := 5
	if f, ok := msg.PayloadFloat("limit"); ok && f > 0 {
		limit = int(f)
	}
	var agentIDs []string
	if raw, ok := msg.Payload["agentIds"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				agentIDs = append(agentIDs, s)
			}
		}
	}
	result, err := c.synth.Synthesize(synthesis.Request{
		Embedding: msg.PayloadVector("embedding"),
		AgentIDs:  agentIDs,
		Limit:     limit,
	})
	if err != nil {
		c.logger.Warn("synthesis failed", "error", err)
		return
	}
	c.emit(Outbound{TargetClientID: clientID, Message: protocol.NewMessage(
		protocol.TypeSynthesize, "", "rail", map[string]interface{}{
			"traces":  result.Traces,
			"summary": result.Summary,
		})})
}

func (c *Core) handleReplay(clientID string, msg *protocol.Message) {
	if c.st == nil {
		return
	}
	var after int64
	if f, ok := msg.PayloadFloat("afterSeq"); ok {
		after = int64(f)
	}
	limit := 100
	if f, ok := msg.PayloadFloat("limit"); ok && f > 0 {
		limit = int(f)
	}
	msgs, err := c.st.ReplayMessages(after, limit)
	if err != nil {
		c.logger.Warn("replay read failed", "error", err)
		return
	}
	c.emit(Outbound{TargetClientID: clientID, Message: protocol.NewMessage(
		protocol.TypeReplay, "", "rail", map[string]interface{}{
			"messages": msgs,
		})})
}
