// Package rail is the coordination core: the client registry, the message
// dispatcher, the tick loop, pause/resume with queued drain, and shutdown.
// One goroutine at a time moves the shared state; sockets and tickers feed it
// through the mutex so per-agent ordering is preserved.
package rail

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resonancelabs/rail/internal/absorption"
	"github.com/resonancelabs/rail/internal/auth"
	"github.com/resonancelabs/rail/internal/firewall"
	"github.com/resonancelabs/rail/internal/kuramoto"
	"github.com/resonancelabs/rail/internal/metrics"
	"github.com/resonancelabs/rail/internal/monitor"
	"github.com/resonancelabs/rail/internal/protocol"
	"github.com/resonancelabs/rail/internal/router"
	"github.com/resonancelabs/rail/internal/store"
	"github.com/resonancelabs/rail/internal/synthesis"
)

const (
	defaultTickInterval = 100 * time.Millisecond
	heartbeatTTL        = 30 * time.Second
	pauseQueueCap       = 10_000
	outboundBuffer      = 512
	// Below this order parameter the tick loop intervenes.
	interventionR        = 0.2
	interventionFraction = 0.3
)

// Outbound is one envelope leaving the core. TargetClientID is empty for
// broadcasts; the listener handles unicast delivery otherwise.
type Outbound struct {
	TargetClientID string
	Message        *protocol.Message
}

// Config wires the core's collaborators. Store may be nil (in-memory only).
type Config struct {
	Engine       *kuramoto.Engine
	Router       *router.Router
	Guard        *firewall.Guard
	Store        *store.Store
	Auth         *auth.Registry
	Absorption   *absorption.Protocol
	Monitor      *monitor.SecurityMonitor
	Metrics      *metrics.Metrics
	TickInterval time.Duration
}

// Core is the rail's coordination heart.
type Core struct {
	mu sync.Mutex

	clients map[string]*Client // clientId → client

	engine *kuramoto.Engine
	route  *router.Router
	guard  *firewall.Guard
	st     *store.Store
	authR  *auth.Registry
	absorb *absorption.Protocol
	mon    *monitor.SecurityMonitor
	met    *metrics.Metrics
	synth  *synthesis.Synthesizer

	outbound chan Outbound

	messageSeq        int64
	messagesProcessed int64

	paused        bool
	pauseQueue    []queuedMessage
	pauseSnapshot map[string]float64
	pauseCoh      float64

	tickInterval time.Duration
	ticker       *time.Ticker
	tickDone     chan struct{}
	running      bool
	stopped      bool

	logger *slog.Logger
}

type queuedMessage struct {
	clientID string
	msg      *protocol.Message
}

// New builds a core from its collaborators.
func New(cfg Config) *Core {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.Engine == nil {
		cfg.Engine = kuramoto.New(kuramoto.Config{})
	}
	if cfg.Router == nil {
		cfg.Router = router.New(router.Config{}, rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Guard == nil {
		cfg.Guard = firewall.New(firewall.ProfileStandard, cfg.Monitor)
	}
	if cfg.Absorption == nil {
		cfg.Absorption = absorption.New()
	}

	c := &Core{
		clients:      make(map[string]*Client),
		engine:       cfg.Engine,
		route:        cfg.Router,
		guard:        cfg.Guard,
		st:           cfg.Store,
		authR:        cfg.Auth,
		absorb:       cfg.Absorption,
		mon:          cfg.Monitor,
		met:          cfg.Metrics,
		outbound:     make(chan Outbound, outboundBuffer),
		tickInterval: cfg.TickInterval,
		logger:       slog.Default().With("component", "rail"),
	}
	if cfg.Store != nil {
		c.synth = synthesis.New(cfg.Store, c.coherenceOf)
		if seq, err := cfg.Store.MaxMessageSeq(); err == nil {
			c.messageSeq = seq
		}
	}
	return c
}

// Outbound returns the sink of envelopes leaving the core. The listener
// consumes it and fans out.
func (c *Core) Outbound() <-chan Outbound { return c.outbound }

// Start launches the tick loop. Idempotent.
func (c *Core) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.stopped {
		return
	}
	c.running = true
	c.ticker = time.NewTicker(c.tickInterval)
	c.tickDone = make(chan struct{})
	go c.tickLoop(c.ticker, c.tickDone)
}

func (c *Core) tickLoop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-done:
			return
		}
	}
}

// tick advances the phase engine and performs housekeeping. A panic in one
// tick is logged and must not stop the loop.
func (c *Core) tick() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("tick panicked", "panic", r)
		}
	}()

	start := time.Now()
	r := c.engine.Tick(c.tickInterval)
	_, meanPhase := c.engine.OrderParameter()

	c.mu.Lock()
	// Mirror engine phases into the client table.
	phases := c.engine.Phases()
	n := 0
	for _, cl := range c.clients {
		if p, ok := phases[cl.AgentID]; ok {
			cl.Phase = p
		}
		n++
	}
	needSync := r < interventionR && n >= 2
	c.mu.Unlock()

	if c.met != nil {
		c.met.Coherence.Set(r)
		c.met.Coupling.Set(c.engine.Coupling())
		c.met.TickDuration.Observe(time.Since(start).Seconds())
	}

	// Coherence update for connected agents.
	c.emit(Outbound{Message: protocol.NewMessage(protocol.TypeCoherence, "", "rail", map[string]interface{}{
		"coherence":  r,
		"meanPhase":  meanPhase,
		"agentCount": n,
	})})

	if c.st != nil && n > 0 {
		if err := c.st.LogCoherence(r, n, meanPhase); err != nil {
			c.logger.Warn("coherence log write failed", "error", err)
		}
	}

	// Stale clients get a synthesized leave.
	for _, cl := range c.staleClients() {
		c.logger.Info("sweeping stale client", "agent_id", cl.AgentID)
		leave := protocol.NewMessage(protocol.TypeLeave, cl.AgentID, cl.AgentName, map[string]interface{}{
			"reason": "heartbeat timeout",
		})
		c.ProcessMessage(cl.ClientID, leave)
	}
	c.engine.SweepStale()

	if c.authR != nil {
		c.authR.SweepReconnectTokens()
	}

	if needSync {
		c.engine.ForceSynchronize(interventionFraction)
		c.emit(Outbound{Message: protocol.NewMessage(protocol.TypeSync, "", "rail", map[string]interface{}{
			"event":     protocol.EventSync,
			"directive": "force_synchronize",
			"coherence": r,
		})})
	}
}

func (c *Core) staleClients() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-heartbeatTTL)
	var stale []Client
	for _, cl := range c.clients {
		if cl.LastHeartbeat.Before(cutoff) {
			stale = append(stale, cl.snapshot())
		}
	}
	return stale
}

// emit puts an envelope on the outbound sink without ever blocking the
// caller; overflow drops with a warning.
func (c *Core) emit(out Outbound) {
	select {
	case c.outbound <- out:
		if c.met != nil && out.TargetClientID == "" {
			c.met.BroadcastsSent.Inc()
		}
	default:
		c.logger.Warn("outbound sink full, dropping envelope",
			"type", string(out.Message.Type), "target", out.TargetClientID)
	}
}

// JoinRequest is a validated join handed over by the listener after auth.
type JoinRequest struct {
	AgentID   string
	AgentName string
	Platform  string
	ModelType string
	Phase     float64
	Frequency float64
}

// JoinResult carries what the listener needs for the sync reply.
type JoinResult struct {
	Client    Client
	Coherence float64
	Agents    []Client
}

// HandleJoin registers a client, its oscillator, and its lifecycle log entry,
// and announces the arrival. The caller has already authenticated and
// rate-limited the join.
func (c *Core) HandleJoin(req JoinRequest) (*JoinResult, error) {
	// An agent absorbed through the candidate pipeline moves out of the
	// candidate table once it becomes a client.
	caps := []string{"message", "broadcast", "coherence"}
	if cand, ok := c.absorb.Get(req.AgentID); ok {
		caps = cand.Capabilities()
		c.absorb.Remove(req.AgentID)
	}

	freq := req.Frequency
	if freq == 0 {
		freq = 1.0
	}

	cl := &Client{
		ClientID:              uuid.NewString(),
		AgentID:               req.AgentID,
		AgentName:             req.AgentName,
		Platform:              req.Platform,
		Capabilities:          caps,
		ModelType:             req.ModelType,
		Phase:                 req.Phase,
		Frequency:             freq,
		CoherenceContribution: 0.5,
		ConnectedAt:           time.Now(),
		LastHeartbeat:         time.Now(),
	}

	c.mu.Lock()
	// A stale session for the same agent is displaced, keeping the
	// client/oscillator mapping 1:1 per agent.
	for id, existing := range c.clients {
		if existing.AgentID == req.AgentID {
			delete(c.clients, id)
		}
	}
	c.clients[cl.ClientID] = cl
	count := len(c.clients)
	c.mu.Unlock()

	c.engine.Add(req.AgentID, freq, req.Phase, req.ModelType)

	if c.met != nil {
		c.met.ConnectedClients.Set(float64(count))
	}
	if c.st != nil {
		if err := c.st.LogClientAction(req.AgentID, req.AgentName, req.Platform, "join"); err != nil {
			c.logger.Warn("join log write failed", "error", err)
		}
	}

	r, _ := c.engine.OrderParameter()
	c.emit(Outbound{Message: protocol.NewMessage(protocol.TypeBroadcast, req.AgentID, req.AgentName, map[string]interface{}{
		"event":     protocol.EventAgentJoined,
		"agentId":   req.AgentID,
		"agentName": req.AgentName,
		"platform":  req.Platform,
	})})
	c.logger.Info("client joined", "agent_id", req.AgentID, "client_id", cl.ClientID, "platform", req.Platform)

	return &JoinResult{Client: cl.snapshot(), Coherence: r, Agents: c.Agents()}, nil
}

// removeClient drops a client and its oscillator, logging and announcing the
// departure.
func (c *Core) removeClient(clientID, reason string) {
	c.mu.Lock()
	cl, ok := c.clients[clientID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.clients, clientID)
	count := len(c.clients)
	snapshot := cl.snapshot()
	c.mu.Unlock()

	c.engine.Remove(snapshot.AgentID)

	if c.met != nil {
		c.met.ConnectedClients.Set(float64(count))
	}
	if c.st != nil {
		if err := c.st.LogClientAction(snapshot.AgentID, snapshot.AgentName, snapshot.Platform, "leave"); err != nil {
			c.logger.Warn("leave log write failed", "error", err)
		}
	}
	c.emit(Outbound{Message: protocol.NewMessage(protocol.TypeBroadcast, snapshot.AgentID, snapshot.AgentName, map[string]interface{}{
		"event":   protocol.EventAgentLeft,
		"agentId": snapshot.AgentID,
		"reason":  reason,
	})})
	c.logger.Info("client left", "agent_id", snapshot.AgentID, "reason", reason)
}

// HandleLeave is the listener-facing removal entry point (transport close).
func (c *Core) HandleLeave(clientID, reason string) {
	c.removeClient(clientID, reason)
}

// findByAgentID scans the registry when a frame arrives with no clientId
// context.
func (c *Core) findByAgentID(agentID string) (string, *Client) {
	for id, cl := range c.clients {
		if cl.AgentID == agentID {
			return id, cl
		}
	}
	return "", nil
}

// Agents returns a snapshot of all connected clients.
func (c *Core) Agents() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Client, 0, len(c.clients))
	for _, cl := range c.clients {
		out = append(out, cl.snapshot())
	}
	return out
}

// ClientCount returns the registry size.
func (c *Core) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Absorption exposes the admission protocol to the admin surface.
func (c *Core) Absorption() *absorption.Protocol { return c.absorb }

// coherenceOf reports a client's live coherence contribution; 0 when the
// agent is disconnected. Used by the trace synthesizer.
func (c *Core) coherenceOf(agentID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, cl := c.findByAgentID(agentID); cl != nil {
		return cl.CoherenceContribution
	}
	return 0
}

// Stats summarizes the core for /health and /stats.
func (c *Core) Stats() map[string]interface{} {
	c.mu.Lock()
	clients := len(c.clients)
	processed := c.messagesProcessed
	seq := c.messageSeq
	paused := c.paused
	queued := len(c.pauseQueue)
	c.mu.Unlock()

	r, meanPhase := c.engine.OrderParameter()
	stats := map[string]interface{}{
		"clients":           clients,
		"messagesProcessed": processed,
		"messageSeq":        seq,
		"paused":            paused,
		"queuedMessages":    queued,
		"coherence":         r,
		"meanPhase":         meanPhase,
		"coupling":          c.engine.Coupling(),
	}
	if c.mon != nil {
		stats["securityStats"] = c.mon.Stats()
	}
	return stats
}

// ---------------------------------------------------------------------------
// Pause / resume

// Pause stops the ticker and snapshots every client's phase. Heartbeats keep
// flowing; everything else queues. A repeated pause returns the existing
// snapshot without resetting it.
func (c *Core) Pause() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return copyPhases(c.pauseSnapshot)
	}
	c.paused = true
	if c.ticker != nil {
		c.ticker.Stop()
	}

	c.pauseSnapshot = make(map[string]float64, len(c.clients))
	for _, cl := range c.clients {
		c.pauseSnapshot[cl.AgentID] = cl.Phase
	}
	c.pauseCoh, _ = c.engine.OrderParameter()

	if c.st != nil {
		if err := c.st.SavePauseState(c.pauseSnapshot, c.pauseCoh); err != nil {
			c.logger.Warn("pause snapshot persist failed", "error", err)
		}
	}
	c.logger.Info("rail paused", "clients", len(c.pauseSnapshot), "coherence", c.pauseCoh)
	return copyPhases(c.pauseSnapshot)
}

// Resume restores phases, restarts the ticker, and drains the queue in FIFO
// order. No-op if not paused.
func (c *Core) Resume() {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = false

	for agentID, phase := range c.pauseSnapshot {
		if _, cl := c.findByAgentID(agentID); cl != nil {
			cl.Phase = phase
		}
		c.engine.SetPhase(agentID, phase)
	}
	queue := c.pauseQueue
	c.pauseQueue = nil
	c.pauseSnapshot = nil
	if c.ticker != nil && c.running {
		c.ticker.Reset(c.tickInterval)
	}
	c.mu.Unlock()

	c.logger.Info("rail resumed", "queued", len(queue))
	for _, qm := range queue {
		c.ProcessMessage(qm.clientID, qm.msg)
	}
	if c.met != nil {
		c.met.QueueDepth.Set(0)
	}
}

// LastPauseState returns the live snapshot while paused, or the most recently
// persisted one otherwise.
func (c *Core) LastPauseState() (map[string]float64, float64, bool) {
	c.mu.Lock()
	if c.paused {
		phases := copyPhases(c.pauseSnapshot)
		coherence := c.pauseCoh
		c.mu.Unlock()
		return phases, coherence, true
	}
	c.mu.Unlock()

	if c.st == nil {
		return nil, 0, false
	}
	phases, coherence, found, err := c.st.LoadPauseState()
	if err != nil || !found {
		return nil, 0, false
	}
	return phases, coherence, true
}

// Paused reports the pause flag.
func (c *Core) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func copyPhases(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Shutdown

// Stop shuts the core down. With grace > 0 a go_away broadcast with the
// remaining time precedes the forced stop; the forced stop halts the ticker
// and broadcasts server_shutdown. Idempotent.
func (c *Core) Stop(grace time.Duration) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	if grace > 0 {
		c.emit(Outbound{Message: protocol.NewMessage(protocol.TypeBroadcast, "", "rail", map[string]interface{}{
			"event":           protocol.EventGoAway,
			"timeRemainingMs": float64(grace.Milliseconds()),
		})})
		time.Sleep(grace)
	}

	c.mu.Lock()
	if c.ticker != nil {
		c.ticker.Stop()
	}
	if c.tickDone != nil {
		close(c.tickDone)
		c.tickDone = nil
	}
	c.running = false
	c.mu.Unlock()

	c.emit(Outbound{Message: protocol.NewMessage(protocol.TypeBroadcast, "", "rail", map[string]interface{}{
		"event": protocol.EventServerShutdown,
	})})
	c.logger.Info("rail stopped")
}
