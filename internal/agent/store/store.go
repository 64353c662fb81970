// Package store provides SQLite-backed persistence for agents and their
// message timelines.
package store

import (
	"context"
	"errors"

	"github.com/agentdev/agentd/internal/agent/models"
)

var (
	// ErrAgentNotFound is returned when an agent id does not exist.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrMessageNotFound is returned when a message id does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidKind is returned for an unknown message kind.
	ErrInvalidKind = errors.New("invalid message kind")
)

// SaveMessageParams carries the caller-supplied fields of a message append.
// ID, SequenceNumber and CreatedAt are assigned by the store.
type SaveMessageParams struct {
	AgentID  string
	Kind     models.MessageKind
	Role     string
	Content  string
	Raw      string
	Metadata map[string]any
}

// AgentStore is the repository contract for agent records.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	ListAgentsByStatus(ctx context.Context, status models.AgentStatus) ([]*models.Agent, error)
	ListAgentsByType(ctx context.Context, agentType models.AgentType) ([]*models.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	AgentExists(ctx context.Context, id string) (bool, error)
}

// MessageStore is the append-only message timeline contract.
type MessageStore interface {
	SaveMessage(ctx context.Context, params SaveMessageParams) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, agentID string) ([]*models.Message, error)
	ListMessagesSince(ctx context.Context, agentID string, after int64) ([]*models.Message, error)
	CountMessages(ctx context.Context, agentID string) (int64, error)
	HasSequenceGaps(ctx context.Context, agentID string) (bool, error)
}

// Store is the combined persistence interface.
type Store interface {
	AgentStore
	MessageStore
	Close() error
}
