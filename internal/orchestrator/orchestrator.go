// Package orchestrator admits launch requests through the FIFO queue and
// drives the agent lifecycle from admission to termination.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdev/agentd/internal/agent/instructions"
	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/runner"
	"github.com/agentdev/agentd/internal/agent/store"
	"github.com/agentdev/agentd/internal/common/logger"
	"github.com/agentdev/agentd/internal/orchestrator/queue"
	"github.com/agentdev/agentd/internal/orchestrator/streaming"
)

const (
	maxConversationNameLen = 100
	maxInstructionsLen     = 100000
)

// Validation errors surface to the caller as bad requests.
var (
	ErrEmptyPrompt          = errors.New("prompt must not be empty")
	ErrMissingAgentType     = errors.New("agent type is required")
	ErrConversationNameLong = fmt.Errorf("conversationName exceeds %d characters", maxConversationNameLen)
	ErrConversationNameBlank = errors.New("conversationName must not be blank")
	ErrInstructionsLong     = fmt.Errorf("instructions exceed %d characters", maxInstructionsLen)
)

// LaunchRequest is an admission request for a new agent.
type LaunchRequest struct {
	Type   models.AgentType   `json:"type"`
	Prompt string             `json:"prompt"`
	Config models.AgentConfig `json:"configuration"`
}

// Validate enforces the request limits, identifying the failing field.
func (r *LaunchRequest) Validate() error {
	if r.Type == "" {
		return ErrMissingAgentType
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", runner.ErrUnknownAgentType, r.Type)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if r.Config.ConversationName != "" {
		name := strings.TrimSpace(r.Config.ConversationName)
		if name == "" {
			return ErrConversationNameBlank
		}
		if len(name) > maxConversationNameLen {
			return ErrConversationNameLong
		}
	}
	if len(r.Config.Instructions) > maxInstructionsLen {
		return ErrInstructionsLong
	}
	return nil
}

// Orchestrator wires the launch queue, runners, streaming service and store.
type Orchestrator struct {
	store        store.Store
	factory      *runner.Factory
	streaming    *streaming.Service
	instructions *instructions.Handler
	queue        *queue.LaunchQueue
	logger       *logger.Logger

	mu        sync.Mutex
	watchdogs map[string]*time.Timer
}

// New creates the orchestrator and starts its admission queue.
func New(st store.Store, factory *runner.Factory, stream *streaming.Service, instr *instructions.Handler, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:        st,
		factory:      factory,
		streaming:    stream,
		instructions: instr,
		queue:        queue.NewLaunchQueue(log),
		logger:       log.WithFields(zap.String("component", "orchestrator")),
		watchdogs:    make(map[string]*time.Timer),
	}
}

// LaunchAgent validates and enqueues a launch, blocking until the request
// reaches the head of the queue and completes.
func (o *Orchestrator) LaunchAgent(ctx context.Context, req LaunchRequest) (*models.Agent, error) {
	_, future, err := o.LaunchAgentAsync(req)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-future:
		return res.Agent, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LaunchAgentAsync validates and enqueues a launch, returning the request id
// (usable with CancelLaunch while pending) and the completion future.
func (o *Orchestrator) LaunchAgentAsync(req LaunchRequest) (string, <-chan queue.Result, error) {
	if err := req.Validate(); err != nil {
		return "", nil, err
	}
	requestID := uuid.New().String()
	future := o.queue.Enqueue(requestID, func(ctx context.Context) (*models.Agent, error) {
		return o.launchAgentDirect(ctx, req)
	})
	return requestID, future, nil
}

// CancelLaunch cancels a still-pending launch request.
func (o *Orchestrator) CancelLaunch(requestID string) bool {
	return o.queue.Cancel(requestID)
}

// QueueLength reports the number of pending launches.
func (o *Orchestrator) QueueLength() int {
	return o.queue.Len()
}

// launchAgentDirect is the head-of-queue action.
func (o *Orchestrator) launchAgentDirect(ctx context.Context, req LaunchRequest) (*models.Agent, error) {
	// 1. Transient instruction replacement; restored on every exit path.
	if req.Config.Instructions != "" {
		restore, err := o.instructions.Apply(req.Type, req.Config.Instructions)
		if err != nil {
			return nil, fmt.Errorf("failed to apply instructions: %w", err)
		}
		defer func() { _ = restore.Close() }()
	}

	// 2. The agent row must exist before any message is written.
	agent := models.NewAgent(req.Type, req.Prompt, req.Config)
	if err := o.store.SaveAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to persist agent: %w", err)
	}
	log := o.logger.WithAgentID(agent.ID)

	// 3. The prompt is message one. Losing it degrades history but is not
	// worth aborting the run for.
	if _, err := o.store.SaveMessage(ctx, store.SaveMessageParams{
		AgentID: agent.ID,
		Kind:    models.MessageKindUser,
		Role:    "user",
		Content: req.Prompt,
	}); err != nil {
		log.Error("failed to persist prompt message", zap.Error(err))
	}

	// 4. Subscribe the streaming service before the runner starts so the
	// first output line is already observed.
	r, err := o.factory.Runner(req.Type)
	if err != nil {
		o.failAgent(ctx, agent, err)
		return nil, err
	}
	r.Subscribe(agent.ID, o.streaming)
	o.streaming.PublishAgentCreated(ctx, agent)

	// 5. Record running before the runner goes live: a fast agent can reach
	// its terminal transition within the spawn window, and that transition
	// must not be overwritten by a late running save.
	if err := agent.TransitionTo(models.StatusRunning); err != nil {
		log.Error("unexpected transition failure", zap.Error(err))
	} else if err := o.store.SaveAgent(ctx, agent); err != nil {
		log.Error("failed to persist running status", zap.Error(err))
	}

	if err := r.Start(ctx, agent); err != nil {
		r.Unsubscribe(agent.ID, o.streaming)
		o.failAgent(ctx, agent, err)
		return nil, err
	}

	o.armWatchdog(agent)

	log.Info("agent launched", zap.String("type", string(agent.Type)))
	return agent, nil
}

// failAgent records a launch failure on the agent row.
func (o *Orchestrator) failAgent(ctx context.Context, agent *models.Agent, cause error) {
	agent.Error = cause.Error()
	if err := agent.TransitionTo(models.StatusFailed); err == nil {
		if err := o.store.SaveAgent(ctx, agent); err != nil {
			o.logger.WithAgentID(agent.ID).Error("failed to persist failed status", zap.Error(err))
		}
	}
}

// armWatchdog schedules a termination when the configured timeout elapses.
func (o *Orchestrator) armWatchdog(agent *models.Agent) {
	timeout := agent.Config.Timeout
	if timeout <= 0 {
		return
	}
	agentID := agent.ID
	timer := time.AfterFunc(timeout, func() {
		o.logger.WithAgentID(agentID).Warn("watchdog timeout, terminating agent",
			zap.Duration("timeout", timeout))
		if err := o.TerminateAgent(context.Background(), agentID); err != nil {
			o.logger.WithAgentID(agentID).Error("watchdog termination failed", zap.Error(err))
		}
	})
	o.mu.Lock()
	o.watchdogs[agentID] = timer
	o.mu.Unlock()
}

func (o *Orchestrator) disarmWatchdog(agentID string) {
	o.mu.Lock()
	if timer, ok := o.watchdogs[agentID]; ok {
		timer.Stop()
		delete(o.watchdogs, agentID)
	}
	o.mu.Unlock()
}

// TerminateAgent stops the runner and marks the agent terminated. The
// terminated transition wins over the process-exit error transition.
func (o *Orchestrator) TerminateAgent(ctx context.Context, agentID string) error {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	o.disarmWatchdog(agentID)

	if err := o.streaming.BroadcastStatus(ctx, agentID, models.StatusTerminated); err != nil {
		o.logger.WithAgentID(agentID).Error("failed to record termination", zap.Error(err))
	}

	r, err := o.factory.Runner(agent.Type)
	if err != nil {
		return err
	}
	if err := r.Stop(ctx, agentID); err != nil && !errors.Is(err, runner.ErrAgentNotRunning) {
		return err
	}
	return nil
}

// GetAgent returns an agent by id.
func (o *Orchestrator) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	return o.store.GetAgent(ctx, agentID)
}

// ListAgents returns all agents.
func (o *Orchestrator) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return o.store.ListAgents(ctx)
}

// ListActiveAgents returns agents currently running.
func (o *Orchestrator) ListActiveAgents(ctx context.Context) ([]*models.Agent, error) {
	return o.store.ListAgentsByStatus(ctx, models.StatusRunning)
}

// DeleteAgent terminates (best effort) and removes an agent with its messages.
func (o *Orchestrator) DeleteAgent(ctx context.Context, agentID string) error {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == models.StatusRunning {
		if err := o.TerminateAgent(ctx, agentID); err != nil {
			o.logger.WithAgentID(agentID).Warn("termination before delete failed", zap.Error(err))
		}
	}
	return o.store.DeleteAgent(ctx, agentID)
}

// Close shuts the admission queue down and disarms all watchdogs.
func (o *Orchestrator) Close() {
	o.queue.Close()
	o.mu.Lock()
	for id, timer := range o.watchdogs {
		timer.Stop()
		delete(o.watchdogs, id)
	}
	o.mu.Unlock()
}
