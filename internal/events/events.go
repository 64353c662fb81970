// Package events defines event types and subject naming for the agentd bus.
package events

import "fmt"

// Event types published by the streaming service.
const (
	AgentCreated  = "agent:created"
	AgentMessage  = "agent:message"
	AgentComplete = "agent:complete"
	AgentError    = "agent:error"
)

// AgentSubject returns the bus subject carrying all events for one agent.
func AgentSubject(agentID string) string {
	return fmt.Sprintf("agent.%s.events", agentID)
}

// AllAgentsSubject matches the event subjects of every agent.
const AllAgentsSubject = "agent.*.events"
