package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/resonancelabs/rail/internal/auth"
	"github.com/resonancelabs/rail/internal/protocol"
	"github.com/resonancelabs/rail/internal/rail"
	"github.com/resonancelabs/rail/internal/ratelimit"
)

const (
	joinDeadline = 10 * time.Second // first frame must be a join within this
	pongWait     = 60 * time.Second
	pingPeriod   = 10 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 512 * 1024
	sendBuffer   = 256
)

// wsClient is one active socket. All writes go through the send channel into
// writePump; readPump is the only reader. Observers never enter the core.
type wsClient struct {
	srv      *Server
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	clientID string
	agentID  string
	observer bool
}

func (s *Server) buildUpgrader() *websocket.Upgrader {
	allowed := make(map[string]bool, len(s.cfg.Server.AllowedOrigins))
	for _, origin := range s.cfg.Server.AllowedOrigins {
		allowed[strings.TrimSpace(origin)] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			// Non-browser clients send no Origin header.
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		},
	}
}

// handleWebSocket upgrades the connection, then runs the join handshake: the
// first frame must be a join envelope, authenticated unless auth is disabled.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(joinDeadline))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	msg, err := protocol.Parse(frame)
	if err != nil || msg.Type != protocol.TypeJoin {
		reject(conn, protocol.CloseProtocolViolation)
		return
	}

	platform := msg.PayloadString("platform")
	if auth.IsObserverPlatform(platform) {
		s.admitObserver(conn, msg)
		return
	}
	s.admitAgent(conn, msg)
}

// admitObserver registers a read-mostly socket outside the core registry.
// Observers receive broadcasts and metadata but hold no oscillator.
func (s *Server) admitObserver(conn *websocket.Conn, msg *protocol.Message) {
	s.mu.Lock()
	if len(s.observers) >= s.cfg.Server.MaxObservers {
		s.mu.Unlock()
		reject(conn, protocol.CloseOverload)
		return
	}
	cl := &wsClient{
		srv:      s,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		clientID: "obs-" + uuid.NewString(),
		agentID:  msg.AgentID,
		observer: true,
	}
	s.observers[cl.clientID] = cl
	count := len(s.observers)
	s.mu.Unlock()

	if s.met != nil {
		s.met.ConnectedObservers.Set(float64(count))
	}
	s.logger.Info("observer connected", "client_id", cl.clientID, "agent_id", msg.AgentID)

	r, _ := s.core.Stats()["coherence"].(float64)
	cl.enqueueEnvelope(protocol.NewMessage(protocol.TypeSync, "", "rail", map[string]interface{}{
		"event":     protocol.EventSync,
		"clientId":  cl.clientID,
		"observer":  true,
		"coherence": r,
		"agents":    s.core.Agents(),
	}))

	go cl.writePump()
	go cl.readPump()
}

// admitAgent authenticates the join, registers with the core, and sends the
// sync reply before anything else can reach the socket.
func (s *Server) admitAgent(conn *websocket.Conn, msg *protocol.Message) {
	agentID := msg.AgentID
	if agentID == "" {
		reject(conn, protocol.CloseInvalidPayload)
		return
	}

	// Observers have their own cap; only agent sessions count here.
	s.mu.Lock()
	full := len(s.conns) >= s.cfg.Server.MaxConnections
	s.mu.Unlock()
	if full {
		reject(conn, protocol.CloseOverload)
		return
	}

	if !s.limiter.Allow(agentID, ratelimit.KindJoin) {
		reject(conn, protocol.ClosePolicyViolation)
		return
	}

	if s.cfg.Auth.Required {
		if err := s.authenticateJoin(agentID, msg); err != nil {
			if s.met != nil {
				s.met.AuthFailures.Inc()
			}
			reject(conn, protocol.ClosePolicyViolation)
			return
		}
	}

	phase, _ := msg.PayloadFloat("phase")
	freq, _ := msg.PayloadFloat("frequency")
	result, err := s.core.HandleJoin(rail.JoinRequest{
		AgentID:   agentID,
		AgentName: msg.AgentName,
		Platform:  msg.PayloadString("platform"),
		ModelType: msg.PayloadString("modelType"),
		Phase:     phase,
		Frequency: freq,
	})
	if err != nil {
		reject(conn, protocol.CloseProtocolViolation)
		return
	}

	cl := &wsClient{
		srv:      s,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		clientID: result.Client.ClientID,
		agentID:  agentID,
	}
	s.mu.Lock()
	s.conns[cl.clientID] = cl
	s.mu.Unlock()

	syncPayload := map[string]interface{}{
		"event":     protocol.EventSync,
		"clientId":  result.Client.ClientID,
		"coherence": result.Coherence,
		"agents":    result.Agents,
	}
	if s.authR != nil {
		if token, err := s.authR.IssueReconnectToken(agentID); err == nil {
			syncPayload["reconnectToken"] = token
		}
		if jwt, err := s.authR.IssueSessionJWT(agentID); err == nil {
			syncPayload["sessionToken"] = jwt
		}
	}
	// Queued before the pumps start, so the sync reply is the first frame the
	// client reads.
	cl.enqueueEnvelope(protocol.NewMessage(protocol.TypeSync, "", "rail", syncPayload))

	go cl.writePump()
	go cl.readPump()
}

// authenticateJoin accepts exactly one of: a reconnect token, a session JWT,
// or a fresh HMAC challenge. All failures collapse to the same error.
func (s *Server) authenticateJoin(agentID string, msg *protocol.Message) error {
	if s.authR == nil {
		return auth.ErrDenied
	}

	if token := msg.PayloadString("reconnectToken"); token != "" {
		owner, err := s.authR.ConsumeReconnectToken(token)
		if err != nil || owner != agentID {
			return auth.ErrDenied
		}
		return nil
	}

	if jwt := msg.PayloadString("sessionToken"); jwt != "" {
		subject, err := s.authR.VerifySessionJWT(jwt)
		if err != nil || subject != agentID {
			return auth.ErrDenied
		}
		return nil
	}

	timestamp, _ := msg.PayloadFloat("timestamp")
	return s.authR.ValidateToken(auth.Token{
		AgentID:   agentID,
		Timestamp: int64(timestamp),
		Nonce:     msg.PayloadString("nonce"),
		Signature: msg.Signature,
	})
}

// close tears the socket down exactly once and detaches it everywhere.
func (cl *wsClient) close() {
	cl.once.Do(func() {
		close(cl.done)
		cl.conn.Close()
		cl.srv.detach(cl)
	})
}

// enqueue hands a frame to the write pump without blocking; a full buffer
// drops the frame, never the socket.
func (cl *wsClient) enqueue(frame []byte) {
	select {
	case cl.send <- frame:
	default:
		cl.srv.logger.Warn("send buffer full, dropping frame", "client_id", cl.clientID)
	}
}

func (cl *wsClient) enqueueEnvelope(msg *protocol.Message) {
	if frame, err := msg.Encode(); err == nil {
		cl.enqueue(frame)
	}
}

// writePump owns all writes to the connection, including pings and the close
// frame.
func (cl *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.close()
	}()

	for {
		select {
		case frame := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.done:
			return
		}
	}
}

// readPump owns all reads. Frames are parsed, rate-limited, and handed to the
// core dispatcher. Observers may not send application frames.
func (cl *wsClient) readPump() {
	defer cl.close()

	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Parse(frame)
		if err != nil {
			cl.closeWith(protocol.CloseProtocolViolation)
			return
		}

		if cl.observer {
			// Observers are read-only apart from liveness.
			if msg.Type != protocol.TypeHeartbeat {
				cl.closeWith(protocol.ClosePolicyViolation)
				return
			}
			continue
		}

		switch msg.Type {
		case protocol.TypeMessage:
			if !cl.srv.limiter.Allow(cl.agentID, ratelimit.KindMessage) {
				cl.closeWith(protocol.ClosePolicyViolation)
				return
			}
		case protocol.TypeBroadcast:
			if !cl.srv.limiter.Allow(cl.agentID, ratelimit.KindBroadcast) {
				cl.closeWith(protocol.ClosePolicyViolation)
				return
			}
		}

		cl.srv.core.ProcessMessage(cl.clientID, msg)
		if msg.Type == protocol.TypeLeave {
			return
		}
	}
}

// closeWith sends a close frame with the given code and tears down.
// WriteControl is safe alongside the write pump.
func (cl *wsClient) closeWith(code int) {
	cl.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
	cl.close()
}

// reject refuses a socket that was never registered.
func reject(conn *websocket.Conn, code int) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
	conn.Close()
}
