// Package protocol defines the rail wire protocol: the JSON message envelope
// exchanged over WebSocket, the closed set of message types, and the close
// codes the listener uses when tearing down a socket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed sum of envelope types. The dispatcher is total
// over this set; anything else is a protocol violation.
type MessageType string

const (
	TypeJoin       MessageType = "join"
	TypeLeave      MessageType = "leave"
	TypeHeartbeat  MessageType = "heartbeat"
	TypeCoherence  MessageType = "coherence"
	TypeMessage    MessageType = "message"
	TypeBroadcast  MessageType = "broadcast"
	TypeSync       MessageType = "sync"
	TypeMigrate    MessageType = "migrate"
	TypeMetadata   MessageType = "metadata"
	TypeTrace      MessageType = "trace"
	TypeSearch     MessageType = "search"
	TypeSynthesize MessageType = "synthesize"
	TypeReplay     MessageType = "replay"
)

// Valid reports whether t is a member of the closed type set.
func (t MessageType) Valid() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeHeartbeat, TypeCoherence, TypeMessage,
		TypeBroadcast, TypeSync, TypeMigrate, TypeMetadata, TypeTrace,
		TypeSearch, TypeSynthesize, TypeReplay:
		return true
	}
	return false
}

// Message is the envelope carried in every WebSocket frame, one JSON object
// per frame. Immutable once constructed.
type Message struct {
	ID        string                 `json:"id"`
	Type      MessageType            `json:"type"`
	AgentID   string                 `json:"agentId"`
	AgentName string                 `json:"agentName,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"` // unix millis
	Signature string                 `json:"signature,omitempty"`
}

// NewMessage builds an envelope with a fresh id and the current timestamp.
func NewMessage(t MessageType, agentID, agentName string, payload map[string]interface{}) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		AgentID:   agentID,
		AgentName: agentName,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Parse decodes a single frame into an envelope and validates the type tag.
func Parse(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

// Encode serializes the envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// PayloadString extracts a string field from the payload, "" when absent.
func (m *Message) PayloadString(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// PayloadFloat extracts a numeric field from the payload.
func (m *Message) PayloadFloat(key string) (float64, bool) {
	if m.Payload == nil {
		return 0, false
	}
	f, ok := m.Payload[key].(float64)
	return f, ok
}

// PayloadVector extracts an embedding vector ([]float64) from the payload.
func (m *Message) PayloadVector(key string) []float64 {
	if m.Payload == nil {
		return nil
	}
	raw, ok := m.Payload[key].([]interface{})
	if !ok {
		return nil
	}
	vec := make([]float64, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil
		}
		vec = append(vec, f)
	}
	return vec
}

// Close codes used by the listener. These are the application-level subset of
// RFC 6455 codes the rail relies on; no reason strings beyond the code reach
// the client.
const (
	CloseGoingAway         = 1001 // server shutting down
	CloseProtocolViolation = 1002 // non-join first frame, rejected join, bad JSON
	CloseInvalidPayload    = 1003 // schema mismatch
	ClosePolicyViolation   = 1008 // auth failure, rate limit
	CloseOverload          = 1013 // connection or session cap
)

// Broadcast event names carried in `{event: ...}` payloads.
const (
	EventAgentJoined    = "agent_joined"
	EventAgentLeft      = "agent_left"
	EventGoAway         = "go_away"
	EventServerShutdown = "server_shutdown"
	EventSync           = "sync"
)
