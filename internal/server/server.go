// Package server is the rail's outer surface: the WebSocket listener, the
// admin HTTP endpoints, and the fan-out goroutine that delivers the core's
// outbound envelopes to sockets.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resonancelabs/rail/internal/auth"
	"github.com/resonancelabs/rail/internal/config"
	"github.com/resonancelabs/rail/internal/metrics"
	"github.com/resonancelabs/rail/internal/protocol"
	"github.com/resonancelabs/rail/internal/rail"
	"github.com/resonancelabs/rail/internal/ratelimit"
)

// Server owns every socket. The core never touches a connection; it emits
// envelopes on its outbound sink and the fan-out loop here delivers them.
type Server struct {
	cfg      *config.Config
	core     *rail.Core
	authR    *auth.Registry
	limiter  *ratelimit.Limiter
	met      *metrics.Metrics
	registry *prometheus.Registry
	upgrader *websocket.Upgrader

	mu        sync.Mutex
	conns     map[string]*wsClient // clientId → socket
	observers map[string]*wsClient // obs-* clientId → socket

	httpSrv *http.Server
	done    chan struct{}
	logger  *slog.Logger
}

// Config wires the listener's collaborators.
type Config struct {
	Rail     *config.Config
	Core     *rail.Core
	Auth     *auth.Registry
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// New builds the listener. Limits from the configuration override the rate
// limiter defaults.
func New(cfg Config) *Server {
	if cfg.Rail == nil {
		cfg.Rail = config.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(nil)
	}
	cfg.Limiter.SetLimit(ratelimit.KindJoin, cfg.Rail.Limits.JoinPerMinute, time.Minute)
	cfg.Limiter.SetLimit(ratelimit.KindMessage, cfg.Rail.Limits.MessagesPerSecond, time.Second)
	cfg.Limiter.SetLimit(ratelimit.KindBroadcast, cfg.Rail.Limits.BroadcastPerSecond, time.Second)

	s := &Server{
		cfg:       cfg.Rail,
		core:      cfg.Core,
		authR:     cfg.Auth,
		limiter:   cfg.Limiter,
		met:       cfg.Metrics,
		registry:  cfg.Registry,
		conns:     make(map[string]*wsClient),
		observers: make(map[string]*wsClient),
		done:      make(chan struct{}),
		logger:    slog.Default().With("component", "server"),
	}
	s.upgrader = s.buildUpgrader()
	return s
}

// ObserverCount reports connected observers; the metadata broadcaster reads
// this as the external agent count.
func (s *Server) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// detach removes a socket from the tables and informs the core when it was an
// agent session.
func (s *Server) detach(cl *wsClient) {
	s.mu.Lock()
	if cl.observer {
		delete(s.observers, cl.clientID)
	} else {
		delete(s.conns, cl.clientID)
	}
	observerCount := len(s.observers)
	s.mu.Unlock()

	if cl.observer {
		if s.met != nil {
			s.met.ConnectedObservers.Set(float64(observerCount))
		}
		return
	}
	s.limiter.Purge(cl.agentID)
	s.core.HandleLeave(cl.clientID, "connection closed")
}

// fanOut consumes the core's outbound sink. Targeted envelopes go to one
// socket; broadcasts reach every agent and observer.
func (s *Server) fanOut() {
	for {
		select {
		case out := <-s.core.Outbound():
			frame, err := out.Message.Encode()
			if err != nil {
				continue
			}
			if out.TargetClientID != "" {
				s.mu.Lock()
				cl := s.conns[out.TargetClientID]
				if cl == nil {
					cl = s.observers[out.TargetClientID]
				}
				s.mu.Unlock()
				if cl != nil {
					cl.enqueue(frame)
				}
				continue
			}
			s.mu.Lock()
			targets := make([]*wsClient, 0, len(s.conns)+len(s.observers))
			for _, cl := range s.conns {
				targets = append(targets, cl)
			}
			for _, cl := range s.observers {
				targets = append(targets, cl)
			}
			s.mu.Unlock()
			for _, cl := range targets {
				cl.enqueue(frame)
			}
		case <-s.done:
			return
		}
	}
}

// Router assembles the HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/resonance-rail", s.handleDiscovery).Methods(http.MethodGet)

	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)

	r.HandleFunc("/enroll", s.requireAdmin(s.handleEnroll)).Methods(http.MethodPost)
	r.HandleFunc("/pause", s.requireAdmin(s.handlePause)).Methods(http.MethodPost)
	r.HandleFunc("/pause", s.requireAdmin(s.handlePauseState)).Methods(http.MethodGet)
	r.HandleFunc("/resume", s.requireAdmin(s.handleResume)).Methods(http.MethodPost)
	r.HandleFunc("/absorption", s.requireAdmin(s.handleAbsorptionStats)).Methods(http.MethodGet)
	r.HandleFunc("/absorption/observe", s.requireAdmin(s.handleAbsorptionObserve)).Methods(http.MethodPost)
	r.HandleFunc("/absorption/invite", s.requireAdmin(s.handleAbsorptionInvite)).Methods(http.MethodPost)
	r.HandleFunc("/absorption/accept", s.requireAdmin(s.handleAbsorptionAccept)).Methods(http.MethodPost)
	return r
}

func (s *Server) metricsHandler() http.Handler {
	if s.registry != nil {
		return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Start launches the fan-out loop and the HTTP listener.
func (s *Server) Start() error {
	go s.fanOut()
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("rail listening", "port", s.cfg.Server.Port)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains gracefully: the core broadcasts go_away, waits out the
// grace period, then every socket is closed with 1001 and the HTTP server
// stops.
func (s *Server) Shutdown(ctx context.Context) error {
	grace := time.Duration(s.cfg.Server.GraceSeconds) * time.Second
	s.core.Stop(grace)

	// Let the fan-out loop deliver the shutdown broadcasts.
	time.Sleep(100 * time.Millisecond)
	close(s.done)

	s.mu.Lock()
	sockets := make([]*wsClient, 0, len(s.conns)+len(s.observers))
	for _, cl := range s.conns {
		sockets = append(sockets, cl)
	}
	for _, cl := range s.observers {
		sockets = append(sockets, cl)
	}
	s.mu.Unlock()
	for _, cl := range sockets {
		cl.closeWith(protocol.CloseGoingAway)
	}

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP handlers

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.Server.AllowedOrigins))
	for _, origin := range s.cfg.Server.AllowedOrigins {
		allowed[strings.TrimSpace(origin)] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(allowed) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin guards an endpoint with the admin bearer secret.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := s.cfg.Auth.AdminSecret
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if secret == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.core.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"clients":   stats["clients"],
		"coherence": stats["coherence"],
		"paused":    stats["paused"],
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.core.Stats()
	stats["observers"] = s.ObserverCount()
	stats["rateLimitedKeys"] = s.limiter.ActiveKeys()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": s.core.Agents(),
	})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "resonance-rail",
		"version":   "1",
		"websocket": "/ws",
		"auth":      []string{"hmac", "reconnect", "jwt"},
	})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if s.authR == nil {
		http.Error(w, "enrollment unavailable", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		AgentID string `json:"agentId"`
		Secret  string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		http.Error(w, "agentId required", http.StatusBadRequest)
		return
	}
	secret, err := s.authR.Enroll(req.AgentID, req.Secret)
	if err != nil {
		http.Error(w, "enrollment failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agentId": req.AgentID,
		"secret":  secret,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	snapshot := s.core.Pause()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"paused":   true,
		"snapshot": snapshot,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.core.Resume()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"paused": false,
	})
}

func (s *Server) handlePauseState(w http.ResponseWriter, r *http.Request) {
	phases, coherence, found := s.core.LastPauseState()
	if !found {
		http.Error(w, "no pause snapshot", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"paused":    s.core.Paused(),
		"phases":    phases,
		"coherence": coherence,
	})
}

// ---------------------------------------------------------------------------
// Absorption admin surface: the stage machine is server-driven, so observation
// and invitations arrive through here rather than over the socket.

func (s *Server) handleAbsorptionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stages": s.core.Absorption().Stats(),
	})
}

func decodeAgentID(w http.ResponseWriter, r *http.Request) (string, []float64, bool) {
	var req struct {
		AgentID   string    `json:"agentId"`
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		http.Error(w, "agentId required", http.StatusBadRequest)
		return "", nil, false
	}
	return req.AgentID, req.Embedding, true
}

func (s *Server) handleAbsorptionObserve(w http.ResponseWriter, r *http.Request) {
	agentID, embedding, ok := decodeAgentID(w, r)
	if !ok {
		return
	}
	s.core.Absorption().Observe(agentID, embedding)
	candidate, _ := s.core.Absorption().Get(agentID)
	writeJSON(w, http.StatusOK, candidate)
}

func (s *Server) handleAbsorptionInvite(w http.ResponseWriter, r *http.Request) {
	agentID, _, ok := decodeAgentID(w, r)
	if !ok {
		return
	}
	if err := s.core.Absorption().InviteCandidate(agentID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	candidate, _ := s.core.Absorption().Get(agentID)
	writeJSON(w, http.StatusOK, candidate)
}

func (s *Server) handleAbsorptionAccept(w http.ResponseWriter, r *http.Request) {
	agentID, _, ok := decodeAgentID(w, r)
	if !ok {
		return
	}
	if _, err := s.core.Absorption().AcceptInvitation(agentID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	candidate, _ := s.core.Absorption().Get(agentID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"candidate":    candidate,
		"capabilities": candidate.Capabilities(),
	})
}
