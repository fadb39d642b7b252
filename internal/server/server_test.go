package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resonancelabs/rail/internal/auth"
	"github.com/resonancelabs/rail/internal/config"
	"github.com/resonancelabs/rail/internal/protocol"
	"github.com/resonancelabs/rail/internal/rail"
)

type testRig struct {
	srv  *Server
	http *httptest.Server
}

func newTestRig(t *testing.T, authRequired bool) *testRig {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Required = authRequired
	cfg.Auth.AdminSecret = "admin-secret"

	var registry *auth.Registry
	if authRequired {
		registry = auth.NewRegistry(cfg.Auth.AdminSecret, nil, nil)
	}

	core := rail.New(rail.Config{Auth: registry})
	s := New(Config{Rail: cfg, Core: core, Auth: registry})
	go s.fanOut()

	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		close(s.done)
	})
	return &testRig{srv: s, http: ts}
}

func (r *testRig) wsURL() string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
}

func dial(t *testing.T, rig *testRig) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(rig.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	frame, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Parse(frame)
	require.NoError(t, err)
	return msg
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.MessageType) *protocol.Message {
	t.Helper()
	for {
		msg := readEnvelope(t, conn)
		if msg.Type == want {
			return msg
		}
	}
}

func joinEnvelope(agentID, platform string) *protocol.Message {
	return protocol.NewMessage(protocol.TypeJoin, agentID, "Agent "+agentID,
		map[string]interface{}{
			"platform":  platform,
			"phase":     1.0,
			"frequency": 1.0,
		})
}

func TestWebSocket_JoinHandshake(t *testing.T) {
	rig := newTestRig(t, false)
	conn := dial(t, rig)

	sendEnvelope(t, conn, joinEnvelope("agent-a", "cli"))

	// The sync reply is the first frame on the socket.
	msg := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeSync, msg.Type)
	assert.NotEmpty(t, msg.PayloadString("clientId"))
	assert.Equal(t, 1, rig.srv.core.ClientCount())
}

func TestWebSocket_FirstFrameMustBeJoin(t *testing.T) {
	rig := newTestRig(t, false)
	conn := dial(t, rig)

	sendEnvelope(t, conn, protocol.NewMessage(protocol.TypeHeartbeat, "agent-a", "", nil))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseProtocolViolation),
		"non-join first frame closes with a protocol violation, got %v", err)
}

func TestWebSocket_MalformedFirstFrame(t *testing.T) {
	rig := newTestRig(t, false)
	conn := dial(t, rig)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseProtocolViolation))
}

func TestWebSocket_BroadcastFanOut(t *testing.T) {
	rig := newTestRig(t, false)
	connA := dial(t, rig)
	sendEnvelope(t, connA, joinEnvelope("agent-a", "cli"))
	readUntil(t, connA, protocol.TypeSync)

	connB := dial(t, rig)
	sendEnvelope(t, connB, joinEnvelope("agent-b", "cli"))
	readUntil(t, connB, protocol.TypeSync)

	// A hears about B's arrival.
	joined := readUntil(t, connA, protocol.TypeBroadcast)
	assert.Equal(t, protocol.EventAgentJoined, joined.PayloadString("event"))
	assert.Equal(t, "agent-b", joined.PayloadString("agentId"))

	// A broadcast from B reaches A.
	sendEnvelope(t, connB, protocol.NewMessage(protocol.TypeBroadcast, "agent-b", "",
		map[string]interface{}{"content": "status update"}))
	for {
		msg := readUntil(t, connA, protocol.TypeBroadcast)
		if msg.PayloadString("content") == "status update" {
			break
		}
	}
}

func TestWebSocket_HMACJoin(t *testing.T) {
	rig := newTestRig(t, true)
	secret, err := rig.srv.authR.Enroll("agent-a", "")
	require.NoError(t, err)

	ts := time.Now().UnixMilli()
	msg := joinEnvelope("agent-a", "cli")
	msg.Payload["timestamp"] = float64(ts)
	msg.Payload["nonce"] = "nonce-1"
	msg.Signature = auth.SignToken(secret, "agent-a", ts, "nonce-1")

	conn := dial(t, rig)
	sendEnvelope(t, conn, msg)

	sync := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeSync, sync.Type)
	assert.NotEmpty(t, sync.PayloadString("reconnectToken"))
	assert.NotEmpty(t, sync.PayloadString("sessionToken"))
}

func TestWebSocket_BadSignatureDenied(t *testing.T) {
	rig := newTestRig(t, true)
	_, err := rig.srv.authR.Enroll("agent-a", "")
	require.NoError(t, err)

	msg := joinEnvelope("agent-a", "cli")
	msg.Payload["timestamp"] = float64(time.Now().UnixMilli())
	msg.Payload["nonce"] = "nonce-1"
	msg.Signature = strings.Repeat("ab", 32)

	conn := dial(t, rig)
	sendEnvelope(t, conn, msg)

	_, _, readErr := conn.ReadMessage()
	require.Error(t, readErr)
	assert.True(t, websocket.IsCloseError(readErr, protocol.ClosePolicyViolation))
	assert.Equal(t, 0, rig.srv.core.ClientCount())
}

func TestWebSocket_ReconnectToken(t *testing.T) {
	rig := newTestRig(t, true)
	secret, err := rig.srv.authR.Enroll("agent-a", "")
	require.NoError(t, err)

	ts := time.Now().UnixMilli()
	first := joinEnvelope("agent-a", "cli")
	first.Payload["timestamp"] = float64(ts)
	first.Payload["nonce"] = "nonce-1"
	first.Signature = auth.SignToken(secret, "agent-a", ts, "nonce-1")

	conn := dial(t, rig)
	sendEnvelope(t, conn, first)
	sync := readEnvelope(t, conn)
	token := sync.PayloadString("reconnectToken")
	require.NotEmpty(t, token)
	conn.Close()

	second := joinEnvelope("agent-a", "cli")
	second.Payload["reconnectToken"] = token
	conn2 := dial(t, rig)
	sendEnvelope(t, conn2, second)
	resync := readEnvelope(t, conn2)
	assert.Equal(t, protocol.TypeSync, resync.Type)

	// The token is single use.
	third := joinEnvelope("agent-a", "cli")
	third.Payload["reconnectToken"] = token
	conn3 := dial(t, rig)
	sendEnvelope(t, conn3, third)
	_, _, readErr := conn3.ReadMessage()
	require.Error(t, readErr)
	assert.True(t, websocket.IsCloseError(readErr, protocol.ClosePolicyViolation))
}

func TestWebSocket_ObserverPath(t *testing.T) {
	rig := newTestRig(t, false)
	conn := dial(t, rig)

	sendEnvelope(t, conn, joinEnvelope("watcher", "observer"))
	sync := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeSync, sync.Type)
	clientID := sync.PayloadString("clientId")
	assert.True(t, strings.HasPrefix(clientID, "obs-"))
	assert.Equal(t, 0, rig.srv.core.ClientCount(), "observers hold no oscillator")
	assert.Equal(t, 1, rig.srv.ObserverCount())

	// Observers may not send application frames.
	sendEnvelope(t, conn, protocol.NewMessage(protocol.TypeBroadcast, "watcher", "",
		map[string]interface{}{"content": "hi"}))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.ClosePolicyViolation))
}

func TestConnectionCaps_AgentsAndObserversIndependent(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Required = false
	cfg.Auth.AdminSecret = "admin-secret"
	cfg.Server.MaxConnections = 1
	cfg.Server.MaxObservers = 2
	core := rail.New(rail.Config{})
	s := New(Config{Rail: cfg, Core: core})
	go s.fanOut()
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		close(s.done)
	})
	rig := &testRig{srv: s, http: ts}

	// A connected observer leaves the agent cap untouched.
	obs := dial(t, rig)
	sendEnvelope(t, obs, joinEnvelope("watcher", "observer"))
	readUntil(t, obs, protocol.TypeSync)

	agent := dial(t, rig)
	sendEnvelope(t, agent, joinEnvelope("agent-a", "cli"))
	readUntil(t, agent, protocol.TypeSync)

	// The agent cap is now full.
	second := dial(t, rig)
	sendEnvelope(t, second, joinEnvelope("agent-b", "cli"))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseOverload))

	// A second observer still fits under its own cap.
	obs2 := dial(t, rig)
	sendEnvelope(t, obs2, joinEnvelope("watcher-2", "observer"))
	sync := readUntil(t, obs2, protocol.TypeSync)
	assert.True(t, strings.HasPrefix(sync.PayloadString("clientId"), "obs-"))
}

func TestHTTP_HealthAndStats(t *testing.T) {
	rig := newTestRig(t, false)

	resp, err := http.Get(rig.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp2, err := http.Get(rig.http.URL + "/stats")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stats))
	assert.Contains(t, stats, "coherence")
	assert.Contains(t, stats, "observers")
}

func TestHTTP_Discovery(t *testing.T) {
	rig := newTestRig(t, false)
	resp, err := http.Get(rig.http.URL + "/.well-known/resonance-rail")
	require.NoError(t, err)
	defer resp.Body.Close()

	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "resonance-rail", doc["service"])
	assert.Equal(t, "/ws", doc["websocket"])
}

func TestHTTP_EnrollRequiresAdmin(t *testing.T) {
	rig := newTestRig(t, true)
	body := bytes.NewBufferString(`{"agentId":"agent-a"}`)

	resp, err := http.Post(rig.http.URL+"/enroll", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, rig.http.URL+"/enroll",
		bytes.NewBufferString(`{"agentId":"agent-a"}`))
	req.Header.Set("Authorization", "Bearer admin-secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	assert.Len(t, out["secret"], 64)
}

func TestHTTP_PauseResume(t *testing.T) {
	rig := newTestRig(t, false)

	req, _ := http.NewRequest(http.MethodPost, rig.http.URL+"/pause", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, rig.srv.core.Paused())

	req2, _ := http.NewRequest(http.MethodPost, rig.http.URL+"/resume", nil)
	req2.Header.Set("Authorization", "Bearer admin-secret")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.False(t, rig.srv.core.Paused())
}

func TestCORS_AllowList(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Required = false
	cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	core := rail.New(rail.Config{})
	s := New(Config{Rail: cfg, Core: core})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}
