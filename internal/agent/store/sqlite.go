package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/db"
)

// SQLiteStore implements Store on SQLite via sqlx.
//
// Sequence numbers are assigned under a per-agent mutex guarding the
// read-max/insert pair, so concurrent appends to one agent serialize while
// appends to different agents proceed independently of each other at the
// API boundary (the single writer connection serializes them underneath).
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool; same handle for in-memory)
	ownsDB bool

	seqLocks sync.Map // agent id -> *sync.Mutex
}

// Open opens (or creates) the database at path and bootstraps the schema.
// A path of db.MemoryPath opens the in-memory mode used by tests.
func Open(path string) (*SQLiteStore, error) {
	writer, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	reader := writer
	if path != db.MemoryPath {
		reader, err = db.OpenReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
	}
	return newStore(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"), true)
}

// NewWithDB creates a store over existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*SQLiteStore, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*SQLiteStore, error) {
	s := &SQLiteStore{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
			if reader != writer {
				_ = reader.Close()
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections if this store owns them.
func (s *SQLiteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	var errs []error
	if s.ro != nil && s.ro != s.db {
		errs = append(errs, s.ro.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// Ping verifies the writer connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initSchema creates the tables if they don't exist. Safe to run on every startup.
func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			status        TEXT NOT NULL,
			prompt        TEXT NOT NULL,
			configuration TEXT NOT NULL DEFAULT '{}',
			error         TEXT,
			started_at    TIMESTAMP,
			completed_at  TIMESTAMP,
			created_at    TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			sequence_number INTEGER NOT NULL,
			type            TEXT NOT NULL,
			role            TEXT,
			content         TEXT NOT NULL,
			raw             TEXT,
			metadata        TEXT,
			created_at      TIMESTAMP NOT NULL,
			UNIQUE(agent_id, sequence_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_messages_agent_seq
			ON agent_messages(agent_id, sequence_number)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// seqLock returns the mutex guarding sequence assignment for an agent.
func (s *SQLiteStore) seqLock(agentID string) *sync.Mutex {
	mu, _ := s.seqLocks.LoadOrStore(agentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// SaveAgent upserts an agent record. The upsert is an UPDATE on conflict
// rather than a REPLACE so a status change never re-inserts the row and
// trips the message cascade.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	cfgJSON, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize agent configuration: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (id, type, status, prompt, configuration, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			prompt = excluded.prompt,
			configuration = excluded.configuration,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`), agent.ID, string(agent.Type), string(agent.Status), agent.Prompt, string(cfgJSON),
		nullString(agent.Error), agent.StartedAt, agent.CompletedAt, agent.CreatedAt)
	return err
}

// GetAgent retrieves an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, type, status, prompt, configuration, error, started_at, completed_at, created_at
		FROM agents WHERE id = ?
	`), id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	return agent, err
}

// ListAgents returns all agents in insertion order.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, type, status, prompt, configuration, error, started_at, completed_at, created_at
		FROM agents ORDER BY created_at ASC, id ASC`)
}

// ListAgentsByStatus returns agents with the given status.
func (s *SQLiteStore) ListAgentsByStatus(ctx context.Context, status models.AgentStatus) ([]*models.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, type, status, prompt, configuration, error, started_at, completed_at, created_at
		FROM agents WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
}

// ListAgentsByType returns agents of the given type.
func (s *SQLiteStore) ListAgentsByType(ctx context.Context, agentType models.AgentType) ([]*models.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, type, status, prompt, configuration, error, started_at, completed_at, created_at
		FROM agents WHERE type = ? ORDER BY created_at ASC, id ASC`, string(agentType))
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string, args ...any) ([]*models.Agent, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

// DeleteAgent removes an agent; messages cascade.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAgentNotFound
	}
	s.seqLocks.Delete(id)
	return nil
}

// AgentExists reports whether an agent id exists.
func (s *SQLiteStore) AgentExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT EXISTS(SELECT 1 FROM agents WHERE id = ?)`), id).Scan(&exists)
	return exists == 1, err
}

// SaveMessage appends a message, assigning id, sequence number and created-at.
// The read-max/insert pair runs inside a transaction under the agent's
// sequence lock, which is the correctness boundary for gap-free numbering.
func (s *SQLiteStore) SaveMessage(ctx context.Context, params SaveMessageParams) (*models.Message, error) {
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, params.Kind)
	}

	var metadataJSON sql.NullString
	if params.Metadata != nil {
		data, err := json.Marshal(params.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize message metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(data), Valid: true}
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		AgentID:   params.AgentID,
		Kind:      params.Kind,
		Role:      params.Role,
		Content:   params.Content,
		Raw:       params.Raw,
		Metadata:  params.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	mu := s.seqLock(params.AgentID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, tx.Rebind(
		`SELECT EXISTS(SELECT 1 FROM agents WHERE id = ?)`), params.AgentID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, params.AgentID)
	}

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, tx.Rebind(
		`SELECT COALESCE(MAX(sequence_number), 0) FROM agent_messages WHERE agent_id = ?`),
		params.AgentID).Scan(&maxSeq); err != nil {
		return nil, err
	}
	msg.SequenceNumber = maxSeq + 1

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO agent_messages (id, agent_id, sequence_number, type, role, content, raw, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.AgentID, msg.SequenceNumber, string(msg.Kind), nullString(msg.Role),
		msg.Content, nullString(msg.Raw), metadataJSON, msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessage retrieves a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, agent_id, sequence_number, type, role, content, raw, metadata, created_at
		FROM agent_messages WHERE id = ?
	`), id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

// ListMessages returns an agent's messages in ascending sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, agentID string) ([]*models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, agent_id, sequence_number, type, role, content, raw, metadata, created_at
		FROM agent_messages WHERE agent_id = ? ORDER BY sequence_number ASC`, agentID)
}

// ListMessagesSince returns messages with sequence_number > after.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, agentID string, after int64) ([]*models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, agent_id, sequence_number, type, role, content, raw, metadata, created_at
		FROM agent_messages WHERE agent_id = ? AND sequence_number > ?
		ORDER BY sequence_number ASC`, agentID, after)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// CountMessages returns the number of messages for an agent.
func (s *SQLiteStore) CountMessages(ctx context.Context, agentID string) (int64, error) {
	var count int64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT COUNT(*) FROM agent_messages WHERE agent_id = ?`), agentID).Scan(&count)
	return count, err
}

// HasSequenceGaps reports whether any adjacent pair of sequence numbers for
// the agent differs by more than one. Used by clients on reconnect.
func (s *SQLiteStore) HasSequenceGaps(ctx context.Context, agentID string) (bool, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		`SELECT sequence_number FROM agent_messages WHERE agent_id = ? ORDER BY sequence_number ASC`),
		agentID)
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	prev := int64(0)
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return false, err
		}
		if seq != prev+1 {
			return true, nil
		}
		prev = seq
	}
	return false, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var (
		agentType, status, cfgJSON string
		errMsg                     sql.NullString
		startedAt, completedAt     sql.NullTime
	)
	if err := row.Scan(&agent.ID, &agentType, &status, &agent.Prompt, &cfgJSON,
		&errMsg, &startedAt, &completedAt, &agent.CreatedAt); err != nil {
		return nil, err
	}
	agent.Type = models.AgentType(agentType)
	agent.Status = models.AgentStatus(status)
	agent.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		agent.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		agent.CompletedAt = &t
	}
	if cfgJSON != "" && cfgJSON != "{}" {
		if err := json.Unmarshal([]byte(cfgJSON), &agent.Config); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent configuration: %w", err)
		}
	}
	return agent, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var (
		kind          string
		role, raw     sql.NullString
		metadataJSON  sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.AgentID, &msg.SequenceNumber, &kind, &role,
		&msg.Content, &raw, &metadataJSON, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Kind = models.MessageKind(kind)
	msg.Role = role.String
	msg.Raw = raw.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize message metadata: %w", err)
		}
	}
	return msg, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
