// Package models defines the agent and message domain types for agentd.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentType identifies the CLI family an agent runs.
type AgentType string

const (
	AgentTypeClaude    AgentType = "claude-code"
	AgentTypeGemini    AgentType = "gemini-cli"
	AgentTypeSynthetic AgentType = "synthetic"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeClaude, AgentTypeGemini, AgentTypeSynthetic:
		return true
	}
	return false
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	StatusInitializing AgentStatus = "initializing"
	StatusRunning      AgentStatus = "running"
	StatusPaused       AgentStatus = "paused"
	StatusCompleted    AgentStatus = "completed"
	StatusFailed       AgentStatus = "failed"
	StatusTerminated   AgentStatus = "terminated"
)

// Terminal reports whether the status admits no further transitions.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// validTransitions is the total transition function of the agent state machine.
var validTransitions = map[AgentStatus][]AgentStatus{
	StatusInitializing: {StatusRunning, StatusFailed, StatusTerminated},
	StatusRunning:      {StatusPaused, StatusCompleted, StatusFailed, StatusTerminated},
	StatusPaused:       {StatusRunning, StatusFailed, StatusTerminated},
	StatusCompleted:    {},
	StatusFailed:       {},
	StatusTerminated:   {},
}

// ErrInvalidTransition is returned when a status change violates the state machine.
type ErrInvalidTransition struct {
	From AgentStatus
	To   AgentStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is a lawful transition.
func CanTransition(from, to AgentStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MCPTransport is the transport used to reach an auxiliary tool server.
type MCPTransport string

const (
	MCPTransportStdio MCPTransport = "stdio"
	MCPTransportHTTP  MCPTransport = "http"
	MCPTransportSSE   MCPTransport = "sse"
)

// MCPServerConfig describes one auxiliary tool server made available to a runner.
type MCPServerConfig struct {
	Name      string            `json:"name"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Transport MCPTransport      `json:"transport,omitempty"`
}

// AgentConfig carries the recognized launch options.
type AgentConfig struct {
	SessionID        string            `json:"sessionId,omitempty"`
	OutputFormat     string            `json:"outputFormat,omitempty"` // stream-json (default) or json
	CustomArgs       []string          `json:"customArgs,omitempty"`
	Timeout          time.Duration     `json:"timeout,omitempty"`
	AllowedTools     []string          `json:"allowedTools,omitempty"`
	DisallowedTools  []string          `json:"disallowedTools,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Instructions     string            `json:"instructions,omitempty"`
	ConversationName string            `json:"conversationName,omitempty"`
	Model            string            `json:"model,omitempty"`
	MCPServers       []MCPServerConfig `json:"mcp,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// Agent is one run of an external CLI on behalf of a user prompt.
type Agent struct {
	ID          string      `json:"id"`
	Type        AgentType   `json:"type"`
	Status      AgentStatus `json:"status"`
	Prompt      string      `json:"prompt"`
	Config      AgentConfig `json:"configuration"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// NewAgent creates an agent in status initializing.
func NewAgent(agentType AgentType, prompt string, cfg AgentConfig) *Agent {
	return &Agent{
		ID:        uuid.New().String(),
		Type:      agentType,
		Status:    StatusInitializing,
		Prompt:    prompt,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
}

// TransitionTo moves the agent to the given status, guarding against
// unlawful transitions and stamping started/completed timestamps.
func (a *Agent) TransitionTo(status AgentStatus) error {
	if !CanTransition(a.Status, status) {
		return &ErrInvalidTransition{From: a.Status, To: status}
	}
	now := time.Now().UTC()
	switch status {
	case StatusRunning:
		if a.StartedAt == nil {
			a.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusTerminated:
		a.CompletedAt = &now
	}
	a.Status = status
	return nil
}
