// Package auth implements the rail's admission cryptography: the agent
// secret registry, HMAC-SHA256 challenge tokens, one-use reconnect tokens,
// and HS256 session JWTs for browser clients. Secrets are generated server
// side, held only in the process-local registry, and persisted encrypted.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/resonancelabs/rail/internal/monitor"
	"github.com/resonancelabs/rail/internal/store"
)

const (
	// Tokens older (or newer) than this window are rejected.
	defaultMaxAge = 30 * time.Second
	// Reconnect tokens expire after this TTL.
	defaultReconnectTTL = 5 * time.Minute
	// Session JWTs for browser clients.
	sessionTTL = 12 * time.Hour

	secretBytes = 32
)

// Observer platforms bypass authentication but are capped and recorded
// separately by the listener.
var observerPlatforms = map[string]bool{
	"moltyverse":      true,
	"observer":        true,
	"browser-runtime": true,
}

// IsObserverPlatform reports whether a platform takes the observer path.
func IsObserverPlatform(platform string) bool {
	return observerPlatforms[platform]
}

// Token is the client-supplied HMAC challenge: signature is
// HMAC-SHA256(secret, "agentId:timestamp_ms:nonce") as hex. Single use within
// the freshness window.
type Token struct {
	AgentID   string `json:"agentId"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// ErrDenied is the only error surfaced for any validation failure, so that
// callers cannot tell which factor failed.
var ErrDenied = errors.New("authentication denied")

type reconnectEntry struct {
	agentID   string
	token     string
	issuedAt  time.Time
	expiresAt time.Time
}

// Registry holds agent secrets and reconnect tokens.
type Registry struct {
	mu        sync.RWMutex
	secrets   map[string][]byte          // agentId → secret key material
	reconnect map[string]*reconnectEntry // token → entry
	usedNonce map[string]time.Time       // nonce cache, defence in depth

	maxAge       time.Duration
	reconnectTTL time.Duration
	box          *secretBox
	st           *store.Store
	mon          *monitor.SecurityMonitor
	jwtKey       []byte
	logger       *slog.Logger
}

// NewRegistry creates a registry. adminSecret derives both the at-rest
// encryption key and the JWT signing key; st may be nil (no persistence) and
// mon may be nil.
func NewRegistry(adminSecret string, st *store.Store, mon *monitor.SecurityMonitor) *Registry {
	key := sha256.Sum256([]byte(adminSecret))
	return &Registry{
		secrets:      make(map[string][]byte),
		reconnect:    make(map[string]*reconnectEntry),
		usedNonce:    make(map[string]time.Time),
		maxAge:       defaultMaxAge,
		reconnectTTL: defaultReconnectTTL,
		box:          newSecretBox(key),
		st:           st,
		mon:          mon,
		jwtKey:       key[:],
		logger:       slog.Default().With("component", "auth"),
	}
}

// Restore loads enrollments from persistence into the in-memory registry.
// Rows that fail to decrypt (admin secret changed) are skipped with a
// warning.
func (r *Registry) Restore() error {
	if r.st == nil {
		return nil
	}
	enrollments, err := r.st.LoadEnrollments()
	if err != nil {
		return fmt.Errorf("load enrollments: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range enrollments {
		secret, err := r.box.open(e.SecretEnc)
		if err != nil {
			r.logger.Warn("skipping undecryptable enrollment", "agent_id", e.AgentID)
			continue
		}
		r.secrets[e.AgentID] = secret
	}
	r.logger.Info("restored enrollments", "count", len(r.secrets))
	return nil
}

// Enroll binds an agent to a secret. An empty secret asks the server to
// generate one (32 random bytes, hex); that generated value is returned
// exactly once and never served again.
func (r *Registry) Enroll(agentID, secret string) (string, error) {
	if agentID == "" {
		return "", errors.New("agentId required")
	}
	if secret == "" {
		buf := make([]byte, secretBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	}

	r.mu.Lock()
	r.secrets[agentID] = []byte(secret)
	r.mu.Unlock()

	if r.st != nil {
		hash := sha256.Sum256([]byte(secret))
		enc, err := r.box.seal([]byte(secret))
		if err != nil {
			return "", fmt.Errorf("encrypt secret: %w", err)
		}
		if err := r.st.SaveEnrollment(agentID, hex.EncodeToString(hash[:]), enc); err != nil {
			// Enrollment persistence failure is surfaced: an unpersisted
			// secret silently vanishes on restart.
			return "", fmt.Errorf("persist enrollment: %w", err)
		}
	}
	r.logger.Info("agent enrolled", "agent_id", agentID)
	return secret, nil
}

// Enrolled reports whether an agent has a registered secret.
func (r *Registry) Enrolled(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.secrets[agentID]
	return ok
}

// ValidateToken checks an HMAC challenge token. Every failure path returns
// ErrDenied and records to the security monitor; no hint of which factor
// failed leaks to the caller.
func (r *Registry) ValidateToken(t Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	secret, ok := r.secrets[t.AgentID]
	if !ok {
		return r.denyLocked(t.AgentID, "unknown agent")
	}

	age := time.Since(time.UnixMilli(t.Timestamp))
	if age > r.maxAge || age < -r.maxAge {
		return r.denyLocked(t.AgentID, "stale timestamp")
	}

	if _, used := r.usedNonce[t.Nonce]; used {
		return r.denyLocked(t.AgentID, "nonce replay")
	}

	payload := fmt.Sprintf("%s:%d:%s", t.AgentID, t.Timestamp, t.Nonce)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(t.Signature)) != 1 {
		return r.denyLocked(t.AgentID, "bad signature")
	}

	r.usedNonce[t.Nonce] = time.Now()
	return nil
}

// SignToken computes the signature a client would send. Test helper and the
// contract documentation for client implementors.
func SignToken(secret string, agentID string, timestamp int64, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d:%s", agentID, timestamp, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueReconnectToken mints a one-use reconnect credential for an agent.
func (r *Registry) IssueReconnectToken(agentID string) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate reconnect token: %w", err)
	}
	token := hex.EncodeToString(buf)

	now := time.Now()
	r.mu.Lock()
	r.reconnect[token] = &reconnectEntry{
		agentID:   agentID,
		token:     token,
		issuedAt:  now,
		expiresAt: now.Add(r.reconnectTTL),
	}
	r.mu.Unlock()
	return token, nil
}

// ConsumeReconnectToken validates a reconnect token in constant time and
// deletes it on first success. Returns the agentId it was issued to.
func (r *Registry) ConsumeReconnectToken(token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Constant-time scan: compare against every live entry so a miss costs
	// the same as a hit.
	var matched *reconnectEntry
	for _, e := range r.reconnect {
		if subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) == 1 {
			matched = e
		}
	}
	if matched == nil || time.Now().After(matched.expiresAt) {
		if r.mon != nil {
			r.mon.Record(monitor.KindAuthFailure, "", map[string]any{"factor": "reconnect"})
		}
		return "", ErrDenied
	}
	delete(r.reconnect, matched.token)
	return matched.agentID, nil
}

// SweepReconnectTokens drops expired reconnect tokens and stale nonce cache
// entries. Called from the core tick loop.
func (r *Registry) SweepReconnectTokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	swept := 0
	for token, e := range r.reconnect {
		if now.After(e.expiresAt) {
			delete(r.reconnect, token)
			swept++
		}
	}
	nonceCutoff := now.Add(-2 * r.maxAge)
	for nonce, used := range r.usedNonce {
		if used.Before(nonceCutoff) {
			delete(r.usedNonce, nonce)
		}
	}
	return swept
}

// IssueSessionJWT mints an HS256 session token for a browser client.
func (r *Registry) IssueSessionJWT(agentID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": agentID,
		"iss": "resonance-rail",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(sessionTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.jwtKey)
}

// VerifySessionJWT validates a browser session token and returns its subject.
func (r *Registry) VerifySessionJWT(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.jwtKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		if r.mon != nil {
			r.mon.Record(monitor.KindAuthFailure, "", map[string]any{"factor": "jwt"})
		}
		return "", ErrDenied
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrDenied
	}
	return sub, nil
}

// denyLocked records the failure and returns the uniform denial error.
// Caller holds the lock.
func (r *Registry) denyLocked(agentID, reason string) error {
	if r.mon != nil {
		r.mon.Record(monitor.KindAuthFailure, agentID, map[string]any{"factor": reason})
	}
	return ErrDenied
}
