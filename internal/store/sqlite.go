// Package store persists the handoff audit trail, the long-term memory side
// channel, and allocation requests in SQLite.
//
// The message log is append-only and keyed by allocation request id. Inserts
// are idempotent on message id, so at-least-once delivery of the same message
// never duplicates audit entries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"fundadvisor/internal/types"
)

// Memory is one long-term memory entry, keyed by (role, user, request) with
// an importance weight derived from message priority.
type Memory struct {
	Role                types.AgentRole
	UserID              string
	AllocationRequestID string
	Summary             string
	Importance          float64
	CreatedAt           time.Time
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (and if needed creates) the database at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("store opened", zap.String("path", path))
	return s, nil
}

// CurrentSchemaVersion is bumped whenever migrations gains an entry.
const CurrentSchemaVersion = 1

var migrations = []string{
	// v1: message log, long-term memories, allocation requests
	`CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		allocation_request_id TEXT NOT NULL,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		envelope TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_request ON messages(allocation_request_id, seq);

	CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		user_id TEXT NOT NULL,
		allocation_request_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		importance REAL NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memories_key ON memories(role, user_id, allocation_request_id);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var version int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return err
	}

	for v := version; v < CurrentSchemaVersion; v++ {
		if _, err := s.db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v+1); err != nil {
			return err
		}
		s.logger.Debug("applied schema migration", zap.Int("version", v+1))
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// MESSAGE LOG
// =============================================================================

// AppendMessage appends one handoff message to its request's log. Appending
// the same message id twice is a no-op, keeping retried sends idempotent.
func (s *Store) AppendMessage(ctx context.Context, msg types.HandoffMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	envelope, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
			(id, allocation_request_id, from_agent, to_agent, type, priority, user_id, conversation_id, envelope)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.AllocationRequestID, string(msg.FromAgent), string(msg.ToAgent),
		string(msg.Type), string(msg.Priority), msg.UserID, msg.ConversationID, string(envelope))
	if err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

// Messages returns a request's full message log in append order.
func (s *Store) Messages(ctx context.Context, allocationRequestID string) ([]types.HandoffMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT envelope FROM messages WHERE allocation_request_id = ? ORDER BY seq`,
		allocationRequestID)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", allocationRequestID, err)
	}
	defer rows.Close()

	var out []types.HandoffMessage
	for rows.Next() {
		var envelope string
		if err := rows.Scan(&envelope); err != nil {
			return nil, err
		}
		var msg types.HandoffMessage
		if err := json.Unmarshal([]byte(envelope), &msg); err != nil {
			return nil, fmt.Errorf("decode stored message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// =============================================================================
// LONG-TERM MEMORY
// =============================================================================

// StoreMemory records one long-term memory entry.
func (s *Store) StoreMemory(ctx context.Context, m Memory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (role, user_id, allocation_request_id, summary, importance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(m.Role), m.UserID, m.AllocationRequestID, m.Summary, m.Importance, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}

// Memories returns memory entries for a (role, user, request) key, most
// important first.
func (s *Store) Memories(ctx context.Context, role types.AgentRole, userID, allocationRequestID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, user_id, allocation_request_id, summary, importance, created_at
		 FROM memories
		 WHERE role = ? AND user_id = ? AND allocation_request_id = ?
		 ORDER BY importance DESC, id`,
		string(role), userID, allocationRequestID)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var role string
		if err := rows.Scan(&role, &m.UserID, &m.AllocationRequestID, &m.Summary, &m.Importance, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = types.AgentRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// ALLOCATION REQUESTS
// =============================================================================

// SaveRequest inserts a new allocation request.
func (s *Store) SaveRequest(ctx context.Context, req types.AllocationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", req.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests (id, status, body) VALUES (?, ?, ?)`,
		req.ID, string(req.Status), string(body))
	if err != nil {
		return fmt.Errorf("save request %s: %w", req.ID, err)
	}
	return nil
}

// GetRequest loads one allocation request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (types.AllocationRequest, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM requests WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return types.AllocationRequest{}, fmt.Errorf("request %s not found", id)
	}
	if err != nil {
		return types.AllocationRequest{}, fmt.Errorf("load request %s: %w", id, err)
	}
	var req types.AllocationRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return types.AllocationRequest{}, fmt.Errorf("decode request %s: %w", id, err)
	}
	return req, nil
}

// UpdateRequestStatus moves a request to a new status, enforcing the legal
// transition order at the persistence boundary as well.
func (s *Store) UpdateRequestStatus(ctx context.Context, id string, status types.RequestStatus) error {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if !req.Status.CanTransition(status) {
		return fmt.Errorf("illegal status transition %s -> %s for request %s", req.Status, status, id)
	}
	req.Status = status
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, body = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), string(body), id)
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	return nil
}
