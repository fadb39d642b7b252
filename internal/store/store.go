// Package store is the rail's embedded persistence layer: append-only SQLite
// tables for enrollments, client lifecycle, events, coherence readings, pause
// snapshots, traces with embeddings, and the replayable message log.
//
// Callers treat writes as fire-and-forget: a persistence failure is logged
// and never blocks serving.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/resonancelabs/rail/internal/embedding"
)

const schema = `
CREATE TABLE IF NOT EXISTS rail_enrollments (
	agent_id    TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	secret_enc  TEXT NOT NULL,
	enrolled_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS rail_clients_log (
	agent_id   TEXT NOT NULL,
	agent_name TEXT,
	platform   TEXT,
	action     TEXT NOT NULL CHECK (action IN ('join', 'leave')),
	timestamp  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS rail_events (
	type      TEXT NOT NULL,
	client_id TEXT,
	details   TEXT,
	timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS rail_coherence_log (
	coherence   REAL NOT NULL,
	agent_count INTEGER NOT NULL,
	mean_phase  REAL NOT NULL,
	timestamp   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS rail_pause_state (
	phases     TEXT NOT NULL,
	coherence  REAL NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS rail_traces (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id   TEXT NOT NULL,
	agent_name TEXT,
	content    TEXT NOT NULL,
	embedding  TEXT,
	kind       TEXT,
	metadata   TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_traces_agent ON rail_traces(agent_id);
CREATE TABLE IF NOT EXISTS rail_message_log (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	type       TEXT NOT NULL,
	agent_id   TEXT,
	agent_name TEXT,
	payload    TEXT,
	timestamp  INTEGER NOT NULL
);
`

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// Enrollments

// Enrollment is one persisted agent credential binding. SecretEnc carries the
// secret encrypted at rest; SecretHash is its SHA-256 for audit.
type Enrollment struct {
	AgentID    string
	SecretHash string
	SecretEnc  string
	EnrolledAt time.Time
}

// SaveEnrollment inserts or replaces an agent's credential binding.
func (s *Store) SaveEnrollment(agentID, secretHash, secretEnc string) error {
	_, err := s.db.Exec(`
		INSERT INTO rail_enrollments (agent_id, secret_hash, secret_enc)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			secret_hash = excluded.secret_hash,
			secret_enc  = excluded.secret_enc`,
		agentID, secretHash, secretEnc,
	)
	return err
}

// LoadEnrollments returns every persisted enrollment, for registry restore at
// startup.
func (s *Store) LoadEnrollments() ([]Enrollment, error) {
	rows, err := s.db.Query(
		"SELECT agent_id, secret_hash, secret_enc, enrolled_at FROM rail_enrollments")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.AgentID, &e.SecretHash, &e.SecretEnc, &e.EnrolledAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Lifecycle and event logs

// LogClientAction records a join or leave.
func (s *Store) LogClientAction(agentID, agentName, platform, action string) error {
	_, err := s.db.Exec(`
		INSERT INTO rail_clients_log (agent_id, agent_name, platform, action)
		VALUES (?, ?, ?, ?)`,
		agentID, agentName, platform, action,
	)
	return err
}

// LogEvent records an operational event with JSON details.
func (s *Store) LogEvent(eventType, clientID string, details map[string]any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO rail_events (type, client_id, details) VALUES (?, ?, ?)",
		eventType, clientID, string(raw),
	)
	return err
}

// LogCoherence records one coherence reading from the tick loop.
func (s *Store) LogCoherence(coherence float64, agentCount int, meanPhase float64) error {
	_, err := s.db.Exec(
		"INSERT INTO rail_coherence_log (coherence, agent_count, mean_phase) VALUES (?, ?, ?)",
		coherence, agentCount, meanPhase,
	)
	return err
}

// ---------------------------------------------------------------------------
// Pause snapshots

// SavePauseState persists the pause snapshot. Only the most recent row is
// authoritative.
func (s *Store) SavePauseState(phases map[string]float64, coherence float64) error {
	raw, err := json.Marshal(phases)
	if err != nil {
		return fmt.Errorf("encode phases: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO rail_pause_state (phases, coherence) VALUES (?, ?)",
		string(raw), coherence,
	)
	return err
}

// LoadPauseState returns the most recent pause snapshot, or found=false.
func (s *Store) LoadPauseState() (phases map[string]float64, coherence float64, found bool, err error) {
	var raw string
	row := s.db.QueryRow(
		"SELECT phases, coherence FROM rail_pause_state ORDER BY rowid DESC LIMIT 1")
	if err = row.Scan(&raw, &coherence); err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if err = json.Unmarshal([]byte(raw), &phases); err != nil {
		return nil, 0, false, fmt.Errorf("decode phases: %w", err)
	}
	return phases, coherence, true, nil
}

// ---------------------------------------------------------------------------
// Traces

// Trace is one persisted reasoning artefact.
type Trace struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agentId"`
	AgentName string         `json:"agentName,omitempty"`
	Content   string         `json:"content"`
	Embedding []float64      `json:"embedding,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`

	// Similarity is filled in by embedding search; not a column.
	Similarity float64 `json:"similarity,omitempty"`
}

// SaveTrace appends a trace and returns its id.
func (s *Store) SaveTrace(t Trace) (int64, error) {
	var embJSON, metaJSON sql.NullString
	if len(t.Embedding) > 0 {
		raw, err := json.Marshal(t.Embedding)
		if err != nil {
			return 0, fmt.Errorf("encode embedding: %w", err)
		}
		embJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if t.Metadata != nil {
		raw, err := json.Marshal(t.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := s.db.Exec(`
		INSERT INTO rail_traces (agent_id, agent_name, content, embedding, kind, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.AgentID, t.AgentName, t.Content, embJSON, t.Kind, metaJSON,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// TraceQuery filters a trace search. With an Embedding set, matching rows are
// ranked by cosine similarity computed in-process; otherwise most recent
// first. Limit defaults to 10.
type TraceQuery struct {
	AgentID   string
	Kind      string
	Embedding []float64
	Limit     int
}

// SearchTraces runs a trace search.
func (s *Store) SearchTraces(q TraceQuery) ([]Trace, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}

	query := "SELECT id, agent_id, agent_name, content, embedding, kind, metadata, created_at FROM rail_traces WHERE 1=1"
	var args []any
	if q.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, q.AgentID)
	}
	if q.Kind != "" {
		query += " AND kind = ?"
		args = append(args, q.Kind)
	}
	query += " ORDER BY id DESC"
	if len(q.Embedding) == 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		var t Trace
		var embJSON, metaJSON, name, kind sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentID, &name, &t.Content, &embJSON, &kind, &metaJSON, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.AgentName = name.String
		t.Kind = kind.String
		if embJSON.Valid {
			if err := json.Unmarshal([]byte(embJSON.String), &t.Embedding); err != nil {
				continue // corrupt embedding, skip the row
			}
		}
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &t.Metadata)
		}
		traces = append(traces, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(q.Embedding) == 0 {
		return traces, nil
	}

	// The corpus is small: rank all scalar-filtered rows in process.
	for i := range traces {
		traces[i].Similarity = embedding.Cosine(q.Embedding, traces[i].Embedding)
	}
	sort.SliceStable(traces, func(i, j int) bool {
		return traces[i].Similarity > traces[j].Similarity
	})
	if len(traces) > q.Limit {
		traces = traces[:q.Limit]
	}
	return traces, nil
}

// ---------------------------------------------------------------------------
// Message log

// LoggedMessage is one replayable message-log row.
type LoggedMessage struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	AgentID   string         `json:"agentId,omitempty"`
	AgentName string         `json:"agentName,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// LogMessage appends to the message log and returns the assigned seq, which
// keeps the dispatcher's in-memory counter consistent.
func (s *Store) LogMessage(msgType, agentID, agentName string, payload map[string]any, timestamp int64) (int64, error) {
	var payloadJSON sql.NullString
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(raw), Valid: true}
	}
	res, err := s.db.Exec(`
		INSERT INTO rail_message_log (type, agent_id, agent_name, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		msgType, agentID, agentName, payloadJSON, timestamp,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ReplayMessages returns up to limit rows with seq > afterSeq, in seq order.
func (s *Store) ReplayMessages(afterSeq int64, limit int) ([]LoggedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT seq, type, agent_id, agent_name, payload, timestamp
		FROM rail_message_log WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoggedMessage
	for rows.Next() {
		var m LoggedMessage
		var agentID, agentName, payloadJSON sql.NullString
		if err := rows.Scan(&m.Seq, &m.Type, &agentID, &agentName, &payloadJSON, &m.Timestamp); err != nil {
			return nil, err
		}
		m.AgentID = agentID.String
		m.AgentName = agentName.String
		if payloadJSON.Valid {
			_ = json.Unmarshal([]byte(payloadJSON.String), &m.Payload)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMessageLogByCount deletes all but the last keepCount rows by seq.
// keepCount <= 0 deletes nothing.
func (s *Store) PruneMessageLogByCount(keepCount int) (int64, error) {
	if keepCount <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`
		DELETE FROM rail_message_log WHERE seq NOT IN (
			SELECT seq FROM rail_message_log ORDER BY seq DESC LIMIT ?
		)`, keepCount)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneMessageLogSince deletes rows older than the given unix-millis
// timestamp. A zero timestamp deletes nothing.
func (s *Store) PruneMessageLogSince(keepSince int64) (int64, error) {
	if keepSince <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec("DELETE FROM rail_message_log WHERE timestamp < ?", keepSince)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MaxMessageSeq returns the highest assigned seq (0 when the log is empty).
func (s *Store) MaxMessageSeq() (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(seq) FROM rail_message_log").Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
