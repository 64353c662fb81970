// Package streaming implements the database-first fan-out pipeline: every
// runner event is persisted to the message store before it is published to
// the event bus (and from there to real-time clients).
package streaming

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/parser"
	"github.com/agentdev/agentd/internal/agent/runner"
	"github.com/agentdev/agentd/internal/agent/store"
	"github.com/agentdev/agentd/internal/common/logger"
	"github.com/agentdev/agentd/internal/events"
	"github.com/agentdev/agentd/internal/events/bus"
)

// Rooms manages real-time client membership of per-agent rooms. Implemented
// by the WebSocket gateway hub.
type Rooms interface {
	SubscribeToAgent(clientID, agentID string)
	UnsubscribeFromAgent(clientID, agentID string)
	UnsubscribeClient(clientID string)
}

// Service receives runner callbacks and turns them into durable records and
// bus events, in that order.
type Service struct {
	store  store.Store
	bus    bus.EventBus
	rooms  Rooms
	logger *logger.Logger
}

// Compile-time check: the service is a runner observer.
var _ runner.Observer = (*Service)(nil)

// NewService creates the streaming service. rooms may be nil when no
// real-time gateway is attached (tests).
func NewService(st store.Store, eventBus bus.EventBus, rooms Rooms, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		bus:    eventBus,
		rooms:  rooms,
		logger: log.WithFields(zap.String("component", "streaming")),
	}
}

// BroadcastMessage appends the message and then publishes it. The store
// insert must succeed before any event leaves the process; a failed insert
// is surfaced to subscribers as an error event and returned to the caller.
func (s *Service) BroadcastMessage(ctx context.Context, agentID string, msg *parser.ParsedMessage) (*models.Message, error) {
	saved, err := s.store.SaveMessage(ctx, store.SaveMessageParams{
		AgentID:  agentID,
		Kind:     msg.Kind,
		Role:     msg.Role,
		Content:  msg.Content,
		Raw:      msg.Raw,
		Metadata: msg.Metadata,
	})
	if err != nil {
		s.logger.Error("failed to persist message",
			zap.String("agent_id", agentID), zap.Error(err))
		s.publish(ctx, agentID, events.AgentError, map[string]any{
			"agentId": agentID,
			"error":   map[string]any{"message": err.Error()},
		})
		return nil, err
	}

	s.publish(ctx, agentID, events.AgentMessage, map[string]any{
		"agentId": agentID,
		"message": saved,
	})
	return saved, nil
}

// BroadcastComplete marks the agent completed, persists the transition, then
// publishes. A missing agent is logged and the transport event still goes
// out so a late-connecting client can observe terminal state.
func (s *Service) BroadcastComplete(ctx context.Context, agentID string, result runner.Result) error {
	if err := s.transition(ctx, agentID, models.StatusCompleted, ""); err != nil {
		return err
	}
	s.publish(ctx, agentID, events.AgentComplete, map[string]any{
		"agentId": agentID,
		"result": map[string]any{
			"status":       result.Status,
			"duration_ms":  result.Duration.Milliseconds(),
			"messageCount": result.MessageCount,
		},
	})
	return nil
}

// BroadcastError marks the agent failed (recording the error), persists, then
// publishes. Missing agents are tolerated the same way as BroadcastComplete.
func (s *Service) BroadcastError(ctx context.Context, agentID string, agentErr error) error {
	if err := s.transition(ctx, agentID, models.StatusFailed, agentErr.Error()); err != nil {
		return err
	}
	s.publish(ctx, agentID, events.AgentError, map[string]any{
		"agentId": agentID,
		"error":   map[string]any{"message": agentErr.Error()},
	})
	return nil
}

// BroadcastStatus persists a status change that carries no error, terminal
// (terminated) or not; no event is published.
func (s *Service) BroadcastStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	return s.transition(ctx, agentID, status, "")
}

// PublishAgentCreated announces a freshly launched agent.
func (s *Service) PublishAgentCreated(ctx context.Context, agent *models.Agent) {
	s.publish(ctx, agent.ID, events.AgentCreated, map[string]any{"agent": agent})
}

// transition loads, transitions and saves the agent. A missing agent is not
// an error here; the caller still emits its transport event.
func (s *Service) transition(ctx context.Context, agentID string, status models.AgentStatus, agentErr string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			s.logger.Warn("status broadcast for unknown agent",
				zap.String("agent_id", agentID), zap.String("status", string(status)))
			return nil
		}
		return err
	}

	if err := agent.TransitionTo(status); err != nil {
		// Terminal statuses can race (e.g. terminate vs. process exit);
		// the first transition wins and the rest are logged.
		s.logger.Warn("ignored status transition",
			zap.String("agent_id", agentID), zap.Error(err))
		return nil
	}
	if agentErr != "" {
		agent.Error = agentErr
	}
	return s.store.SaveAgent(ctx, agent)
}

func (s *Service) publish(ctx context.Context, agentID, eventType string, data map[string]any) {
	event := bus.NewEvent(eventType, "streaming", data)
	if err := s.bus.Publish(ctx, events.AgentSubject(agentID), event); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("agent_id", agentID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// SubscribeToAgent adds a real-time client to an agent's room.
func (s *Service) SubscribeToAgent(clientID, agentID string) {
	if s.rooms != nil {
		s.rooms.SubscribeToAgent(clientID, agentID)
	}
}

// UnsubscribeFromAgent removes a client from an agent's room.
func (s *Service) UnsubscribeFromAgent(clientID, agentID string) {
	if s.rooms != nil {
		s.rooms.UnsubscribeFromAgent(clientID, agentID)
	}
}

// UnsubscribeClient removes a client from every room.
func (s *Service) UnsubscribeClient(clientID string) {
	if s.rooms != nil {
		s.rooms.UnsubscribeClient(clientID)
	}
}

// Runner observer adapter. Callback errors are logged; a failed persist has
// already been surfaced as an agent:error event.

// OnMessage persists and publishes one parsed message.
func (s *Service) OnMessage(agentID string, msg *parser.ParsedMessage) {
	if _, err := s.BroadcastMessage(context.Background(), agentID, msg); err != nil {
		s.logger.Error("message broadcast failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// OnStatusChange persists a runner-driven status change.
func (s *Service) OnStatusChange(agentID string, status models.AgentStatus) {
	if err := s.BroadcastStatus(context.Background(), agentID, status); err != nil {
		s.logger.Error("status broadcast failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// OnError marks the agent failed and publishes the error.
func (s *Service) OnError(agentID string, err error) {
	if berr := s.BroadcastError(context.Background(), agentID, err); berr != nil {
		s.logger.Error("error broadcast failed",
			zap.String("agent_id", agentID), zap.Error(berr))
	}
}

// OnComplete marks the agent completed and publishes the result.
func (s *Service) OnComplete(agentID string, result runner.Result) {
	if err := s.BroadcastComplete(context.Background(), agentID, result); err != nil {
		s.logger.Error("complete broadcast failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}
