// Package runner adapts external CLI families to the agent lifecycle: it
// spawns processes, streams their output through a parser, and fans parsed
// messages out to observers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/parser"
	"github.com/agentdev/agentd/internal/common/logger"
)

var (
	// ErrAgentNotRunning is returned when an agent id has no live runner state.
	ErrAgentNotRunning = errors.New("agent not running")
	// ErrUnknownAgentType is returned by the factory for unmapped kinds.
	ErrUnknownAgentType = errors.New("unknown agent type")
)

// Result summarizes a finished run.
type Result struct {
	Status       string        `json:"status"` // success or error
	Duration     time.Duration `json:"duration_ms"`
	MessageCount int           `json:"messageCount"`
}

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Observer receives a single agent's events. Callbacks for one agent are
// invoked in message order; a slow observer on one agent never delays
// another agent's stream.
type Observer interface {
	OnMessage(agentID string, msg *parser.ParsedMessage)
	OnStatusChange(agentID string, status models.AgentStatus)
	OnError(agentID string, err error)
	OnComplete(agentID string, result Result)
}

// Runner launches and supervises one CLI family.
type Runner interface {
	Start(ctx context.Context, agent *models.Agent) error
	Stop(ctx context.Context, agentID string) error
	Status(agentID string) (models.AgentStatus, error)
	Subscribe(agentID string, obs Observer)
	Unsubscribe(agentID string, obs Observer)
}

// registry tracks per-agent observer sets. Observers registered before the
// agent exists are buffered and attached atomically when the run starts, so
// a subscribe racing a launch never misses the first messages.
type registry struct {
	mu      sync.Mutex
	active  map[string][]Observer
	pending map[string][]Observer
	logger  *logger.Logger
}

func newRegistry(log *logger.Logger) *registry {
	return &registry{
		active:  make(map[string][]Observer),
		pending: make(map[string][]Observer),
		logger:  log,
	}
}

// subscribe adds an observer, buffering if the agent is not yet attached.
func (r *registry) subscribe(agentID string, obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[agentID]; ok {
		r.active[agentID] = append(r.active[agentID], obs)
		return
	}
	r.pending[agentID] = append(r.pending[agentID], obs)
}

// unsubscribe removes an observer from both the active and pending sets.
func (r *registry) unsubscribe(agentID string, obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[agentID] = removeObserver(r.active[agentID], obs)
	r.pending[agentID] = removeObserver(r.pending[agentID], obs)
	if len(r.pending[agentID]) == 0 {
		delete(r.pending, agentID)
	}
}

func removeObserver(observers []Observer, obs Observer) []Observer {
	for i, o := range observers {
		if o == obs {
			return append(observers[:i], observers[i+1:]...)
		}
	}
	return observers
}

// attach activates the agent, draining any buffered observers. Must be
// called before the first line is processed.
func (r *registry) attach(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[agentID] = append(r.active[agentID], r.pending[agentID]...)
	delete(r.pending, agentID)
}

// detach tears down the agent's observer state.
func (r *registry) detach(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, agentID)
}

// snapshot returns the current observer list for fan-out.
func (r *registry) snapshot(agentID string) []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	observers := r.active[agentID]
	out := make([]Observer, len(observers))
	copy(out, observers)
	return out
}

// notify fans one callback out to all observers of an agent. Observers run
// concurrently within the event but the call returns only when all have
// finished, preserving per-agent ordering. A panicking observer is logged
// and never poisons the stream.
func (r *registry) notify(agentID string, fn func(Observer)) {
	observers := r.snapshot(agentID)
	if len(observers) == 0 {
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(observers))
	for _, obs := range observers {
		go func(o Observer) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("observer panicked",
						zap.String("agent_id", agentID),
						zap.Any("panic", rec))
				}
			}()
			fn(o)
		}(obs)
	}
	wg.Wait()
}

// Factory maps agent types to runners.
type Factory struct {
	runners map[models.AgentType]Runner
}

// NewFactory creates a factory over the given runner set.
func NewFactory(runners map[models.AgentType]Runner) *Factory {
	return &Factory{runners: runners}
}

// Runner returns the runner for an agent type.
func (f *Factory) Runner(agentType models.AgentType) (Runner, error) {
	r, ok := f.runners[agentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgentType, agentType)
	}
	return r, nil
}
