package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/parser"
	"github.com/agentdev/agentd/internal/common/logger"
	"go.uber.org/zap"
)

// SyntheticEvent is one step of a scripted run. Delay is milliseconds
// relative to the previous event.
type SyntheticEvent struct {
	Delay int64          `json:"delay"`
	Type  string         `json:"type"` // message, complete or error
	Data  map[string]any `json:"data,omitempty"`
}

// SyntheticRunner emits a scripted schedule instead of spawning a process.
// It exists for tests and for exercising the full pipeline without any
// provider CLI installed. The schedule is read from the agent's
// configuration metadata under the "schedule" key.
type SyntheticRunner struct {
	reg    *registry
	logger *logger.Logger

	mu   sync.Mutex
	runs map[string]*syntheticRun
}

type syntheticRun struct {
	cancel context.CancelFunc
}

// NewSyntheticRunner creates the scripted test runner.
func NewSyntheticRunner(log *logger.Logger) *SyntheticRunner {
	scoped := log.WithFields(zap.String("runner", "synthetic"))
	return &SyntheticRunner{
		reg:    newRegistry(scoped),
		logger: scoped,
		runs:   make(map[string]*syntheticRun),
	}
}

// ScheduleFromMetadata extracts the scripted schedule from configuration
// metadata. A missing schedule yields a single immediate completion.
func ScheduleFromMetadata(metadata map[string]any) ([]SyntheticEvent, error) {
	raw, ok := metadata["schedule"]
	if !ok {
		return []SyntheticEvent{{Type: "complete"}}, nil
	}
	// Round-trip through JSON: the metadata arrives as decoded interface
	// values regardless of whether it came over the wire or from a test.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid synthetic schedule: %w", err)
	}
	var schedule []SyntheticEvent
	if err := json.Unmarshal(data, &schedule); err != nil {
		return nil, fmt.Errorf("invalid synthetic schedule: %w", err)
	}
	return schedule, nil
}

// Start begins replaying the agent's schedule.
func (r *SyntheticRunner) Start(ctx context.Context, agent *models.Agent) error {
	schedule, err := ScheduleFromMetadata(agent.Config.Metadata)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.runs[agent.ID] = &syntheticRun{cancel: cancel}
	r.mu.Unlock()

	r.reg.attach(agent.ID)

	go r.replay(runCtx, agent.ID, schedule)
	return nil
}

func (r *SyntheticRunner) replay(ctx context.Context, agentID string, schedule []SyntheticEvent) {
	startedAt := time.Now()
	messageCount := 0
	finished := false

	for _, event := range schedule {
		if event.Delay > 0 {
			select {
			case <-ctx.Done():
				r.teardown(agentID)
				return
			case <-time.After(time.Duration(event.Delay) * time.Millisecond):
			}
		}

		switch event.Type {
		case "message":
			content, _ := event.Data["content"].(string)
			msg := &parser.ParsedMessage{
				Kind:    models.MessageKindAssistant,
				Role:    "assistant",
				Content: content,
			}
			if kind, ok := event.Data["kind"].(string); ok {
				msg.Kind = models.MessageKind(kind)
			}
			messageCount++
			r.reg.notify(agentID, func(o Observer) { o.OnMessage(agentID, msg) })

		case "complete":
			result := Result{
				Status:       ResultSuccess,
				Duration:     time.Since(startedAt),
				MessageCount: messageCount,
			}
			r.reg.notify(agentID, func(o Observer) { o.OnComplete(agentID, result) })
			finished = true

		case "error":
			message, _ := event.Data["message"].(string)
			if message == "" {
				message = "synthetic error"
			}
			err := errors.New(message)
			r.reg.notify(agentID, func(o Observer) { o.OnError(agentID, err) })
			finished = true

		default:
			r.logger.Warn("unknown synthetic event type", zap.String("type", event.Type))
		}

		if finished {
			break
		}
	}

	if !finished {
		// Schedule ran dry without a terminal event; close the run cleanly.
		result := Result{
			Status:       ResultSuccess,
			Duration:     time.Since(startedAt),
			MessageCount: messageCount,
		}
		r.reg.notify(agentID, func(o Observer) { o.OnComplete(agentID, result) })
	}

	r.teardown(agentID)
}

func (r *SyntheticRunner) teardown(agentID string) {
	r.reg.detach(agentID)
	r.mu.Lock()
	delete(r.runs, agentID)
	r.mu.Unlock()
}

// Stop cancels a scripted run.
func (r *SyntheticRunner) Stop(ctx context.Context, agentID string) error {
	r.mu.Lock()
	run, ok := r.runs[agentID]
	r.mu.Unlock()
	if !ok {
		return ErrAgentNotRunning
	}
	run.cancel()
	return nil
}

// Status reports running for a live scripted run.
func (r *SyntheticRunner) Status(agentID string) (models.AgentStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[agentID]; ok {
		return models.StatusRunning, nil
	}
	return "", ErrAgentNotRunning
}

// Subscribe registers an observer; unknown agent ids are buffered until Start.
func (r *SyntheticRunner) Subscribe(agentID string, obs Observer) {
	r.reg.subscribe(agentID, obs)
}

// Unsubscribe removes an observer.
func (r *SyntheticRunner) Unsubscribe(agentID string, obs Observer) {
	r.reg.unsubscribe(agentID, obs)
}
