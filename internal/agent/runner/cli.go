package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/parser"
	"github.com/agentdev/agentd/internal/agent/process"
	"github.com/agentdev/agentd/internal/common/logger"
)

// buildFunc produces the spawn request for an agent. The returned cleanup
// runs after the child exits (used for temp MCP config files); it may be nil.
type buildFunc func(agent *models.Agent) (process.SpawnRequest, func(), error)

// CLIRunner is the shared adapter for line-oriented CLI providers. Each
// provider supplies its argv builder and parser.
type CLIRunner struct {
	name    string
	manager *process.Manager
	parser  parser.Parser
	build   buildFunc
	// isComplete recognizes the provider's in-band end-of-run frame, when
	// the protocol has one. May be nil.
	isComplete func(*parser.ParsedMessage) bool
	reg        *registry
	logger     *logger.Logger

	mu   sync.Mutex
	runs map[string]*cliRun
}

type cliRun struct {
	proc      *process.Process
	startedAt time.Time
}

func newCLIRunner(name string, manager *process.Manager, p parser.Parser, build buildFunc, log *logger.Logger) *CLIRunner {
	scoped := log.WithFields(zap.String("runner", name))
	return &CLIRunner{
		name:    name,
		manager: manager,
		parser:  p,
		build:   build,
		reg:     newRegistry(scoped),
		logger:  scoped,
		runs:    make(map[string]*cliRun),
	}
}

// withCompletion sets the in-band completion predicate.
func (r *CLIRunner) withCompletion(pred func(*parser.ParsedMessage) bool) *CLIRunner {
	r.isComplete = pred
	return r
}

// Start spawns the provider CLI for the agent and begins streaming its
// output. Pending observers are attached before the first line is read.
func (r *CLIRunner) Start(ctx context.Context, agent *models.Agent) error {
	req, cleanup, err := r.build(agent)
	if err != nil {
		return err
	}

	proc, err := r.manager.Spawn(req)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return fmt.Errorf("failed to start %s agent: %w", r.name, err)
	}

	run := &cliRun{proc: proc, startedAt: time.Now()}
	r.mu.Lock()
	r.runs[agent.ID] = run
	r.mu.Unlock()

	// Attach buffered observers before any line is processed so a
	// subscribe that raced the launch still sees message one.
	r.reg.attach(agent.ID)

	go r.stream(agent.ID, run, cleanup)
	return nil
}

// stream is the per-agent read loop: one goroutine per running agent.
func (r *CLIRunner) stream(agentID string, run *cliRun, cleanup func()) {
	log := r.logger.WithAgentID(agentID)
	messageCount := 0
	sawCompletion := false

	for line := range run.proc.Lines() {
		if len(line) == 0 {
			continue
		}
		msg, err := r.parser.Parse(line)
		if err != nil {
			if err != parser.ErrSkip {
				// A malformed frame never fails the run.
				log.Warn("unparseable output line", zap.String("line", line), zap.Error(err))
			}
			continue
		}
		messageCount++
		if r.isComplete != nil && r.isComplete(msg) {
			sawCompletion = true
			log.Debug("run signalled completion", zap.String("kind", string(msg.Kind)))
		}
		r.reg.notify(agentID, func(o Observer) { o.OnMessage(agentID, msg) })
	}

	<-run.proc.Done()
	if cleanup != nil {
		cleanup()
	}

	duration := time.Since(run.startedAt)
	exitCode := run.proc.ExitCode()

	if exitCode == 0 {
		if r.isComplete != nil && !sawCompletion {
			log.Warn("process exited cleanly without a completion frame")
		}
		r.reg.notify(agentID, func(o Observer) {
			o.OnComplete(agentID, Result{
				Status:       ResultSuccess,
				Duration:     duration,
				MessageCount: messageCount,
			})
		})
	} else {
		err := fmt.Errorf("%s process exited with code %d", r.name, exitCode)
		log.Warn("agent process failed", zap.Int("exit_code", exitCode))
		r.reg.notify(agentID, func(o Observer) { o.OnError(agentID, err) })
	}

	r.teardown(agentID)
}

func (r *CLIRunner) teardown(agentID string) {
	r.reg.detach(agentID)
	r.mu.Lock()
	delete(r.runs, agentID)
	r.mu.Unlock()
}

// Stop kills the agent's process; exit handling runs the usual teardown.
func (r *CLIRunner) Stop(ctx context.Context, agentID string) error {
	r.mu.Lock()
	run, ok := r.runs[agentID]
	r.mu.Unlock()
	if !ok {
		return ErrAgentNotRunning
	}
	return r.manager.Kill(run.proc)
}

// Status reports running for a live agent and ErrAgentNotRunning otherwise.
func (r *CLIRunner) Status(agentID string) (models.AgentStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[agentID]; ok {
		return models.StatusRunning, nil
	}
	return "", ErrAgentNotRunning
}

// Subscribe registers an observer; unknown agent ids are buffered until Start.
func (r *CLIRunner) Subscribe(agentID string, obs Observer) {
	r.reg.subscribe(agentID, obs)
}

// Unsubscribe removes an observer.
func (r *CLIRunner) Unsubscribe(agentID string, obs Observer) {
	r.reg.unsubscribe(agentID, obs)
}
