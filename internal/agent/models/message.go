package models

import "time"

// MessageKind classifies a message on an agent's timeline.
type MessageKind string

const (
	MessageKindUser      MessageKind = "user"
	MessageKindAssistant MessageKind = "assistant"
	MessageKindSystem    MessageKind = "system"
	MessageKindTool      MessageKind = "tool"
	MessageKindResponse  MessageKind = "response"
	MessageKindError     MessageKind = "error"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindUser, MessageKindAssistant, MessageKindSystem,
		MessageKindTool, MessageKindResponse, MessageKindError:
		return true
	}
	return false
}

// Message is one event on an agent's timeline. Messages are immutable once
// written; SequenceNumber is assigned by the store at insert time and is
// strictly monotonic per agent.
type Message struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agentId"`
	SequenceNumber int64          `json:"sequenceNumber"`
	Kind           MessageKind    `json:"kind"`
	Role           string         `json:"role,omitempty"`
	Content        string         `json:"content"`
	Raw            string         `json:"raw,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}
