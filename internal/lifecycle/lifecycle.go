// Package lifecycle orchestrates agentd startup and shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdev/agentd/internal/agent/instructions"
	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/process"
	"github.com/agentdev/agentd/internal/agent/runner"
	"github.com/agentdev/agentd/internal/agent/store"
	"github.com/agentdev/agentd/internal/common/config"
	"github.com/agentdev/agentd/internal/common/logger"
	"github.com/agentdev/agentd/internal/events/bus"
	gateway "github.com/agentdev/agentd/internal/gateway/websocket"
	"github.com/agentdev/agentd/internal/lock"
	"github.com/agentdev/agentd/internal/orchestrator"
	"github.com/agentdev/agentd/internal/orchestrator/streaming"
)

// ErrNotStarted is returned when metadata is requested before Startup.
var ErrNotStarted = errors.New("instance not started")

// InstanceMetadata describes the running instance.
type InstanceMetadata struct {
	PID            int           `json:"pid"`
	Port           int           `json:"port"`
	Uptime         time.Duration `json:"uptime"`
	Memory         MemoryUsage   `json:"memory"`
	ActiveAgents   int           `json:"activeAgents"`
	DatabaseStatus string        `json:"databaseStatus"`
	StartedAt      time.Time     `json:"startedAt"`
	InstanceID     string        `json:"instanceId"`
}

// MemoryUsage mirrors the health surface's memory section.
type MemoryUsage struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	External  uint64 `json:"external"`
	RSS       uint64 `json:"rss"`
}

// Health is the health endpoint payload.
type Health struct {
	Status         string      `json:"status"` // ok, degraded or error
	PID            int         `json:"pid"`
	Uptime         int64       `json:"uptime"` // seconds
	MemoryUsage    MemoryUsage `json:"memoryUsage"`
	ActiveAgents   int         `json:"activeAgents"`
	TotalAgents    int         `json:"totalAgents"`
	DatabaseStatus string      `json:"databaseStatus"` // connected or disconnected
	StartedAt      time.Time   `json:"startedAt"`
	Timestamp      time.Time   `json:"timestamp"`
	Port           int         `json:"port"`
	InstanceID     string      `json:"instanceId"`
}

// Manager owns the startup/shutdown ordering: lock, store, bus, gateway,
// orchestrator on the way up; agents, store, lock on the way down.
type Manager struct {
	cfg    *config.Config
	logger *logger.Logger

	lock  *lock.Manager
	store *store.SQLiteStore
	bus   bus.EventBus
	hub   *gateway.Hub
	orch  *orchestrator.Orchestrator

	hubCancel context.CancelFunc
	startedAt time.Time

	mu      sync.Mutex
	started bool
}

// New creates the lifecycle manager.
func New(cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "lifecycle")),
		lock:   lock.NewManager(cfg.Lock.Path, cfg.Server.Port, log),
	}
}

// Startup brings the instance up: stale-lock cleanup and acquisition, store
// open (schema bootstrap), event bus, gateway hub, orchestrator.
func (m *Manager) Startup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("already started")
	}

	if err := m.lock.Acquire(); err != nil {
		return err
	}

	st, err := store.Open(m.cfg.Database.Path)
	if err != nil {
		_ = m.lock.Release()
		return fmt.Errorf("failed to open message store: %w", err)
	}
	m.store = st

	if m.cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(m.cfg.NATS, m.logger)
		if err != nil {
			_ = st.Close()
			_ = m.lock.Release()
			return err
		}
		m.bus = natsBus
	} else {
		m.bus = bus.NewMemoryEventBus(m.logger)
	}

	m.hub = gateway.NewHub(m.bus, m.logger)
	hubCtx, cancel := context.WithCancel(context.Background())
	m.hubCancel = cancel
	go m.hub.Run(hubCtx)

	manager := process.NewManager(time.Duration(m.cfg.Agent.KillGraceSeconds)*time.Second, m.logger)
	factory := runner.NewFactory(map[models.AgentType]runner.Runner{
		models.AgentTypeClaude:    runner.NewClaudeRunner(m.cfg.Agent.ClaudeBinary, manager, m.logger),
		models.AgentTypeGemini:    runner.NewGeminiRunner(m.cfg.Agent.GeminiBinary, manager, m.logger),
		models.AgentTypeSynthetic: runner.NewSyntheticRunner(m.logger),
	})

	stream := streaming.NewService(st, m.bus, m.hub, m.logger)
	instr := instructions.NewHandler(m.logger)
	m.orch = orchestrator.New(st, factory, stream, instr, m.logger)

	m.startedAt = time.Now().UTC()
	m.started = true

	m.logger.Info("agentd started",
		zap.Int("pid", os.Getpid()),
		zap.Int("port", m.cfg.Server.Port),
		zap.String("database", m.cfg.Database.Path))
	return nil
}

// Shutdown tears the instance down in order. Every step runs regardless of
// earlier failures; lock release is always attempted last.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	// (a) Terminate active agents, concurrently; a stuck agent must not
	// hold up the rest of the teardown.
	if m.orch != nil {
		agents, err := m.orch.ListActiveAgents(ctx)
		if err != nil {
			m.logger.Error("failed to list active agents during shutdown", zap.Error(err))
			errs = append(errs, err)
		}
		var g errgroup.Group
		for _, agent := range agents {
			agentID := agent.ID
			g.Go(func() error {
				if err := m.orch.TerminateAgent(ctx, agentID); err != nil {
					m.logger.Error("failed to terminate agent during shutdown",
						zap.String("agent_id", agentID), zap.Error(err))
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
		m.orch.Close()
	}

	if m.hubCancel != nil {
		m.hubCancel()
	}
	if m.bus != nil {
		m.bus.Close()
	}

	// (b) Close the store.
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.Error("failed to close store during shutdown", zap.Error(err))
			errs = append(errs, err)
		}
	}

	// (c) Release the lock, no matter what happened above.
	if err := m.lock.Release(); err != nil {
		m.logger.Error("failed to release instance lock", zap.Error(err))
		errs = append(errs, err)
	}

	m.started = false
	m.logger.Info("agentd stopped")
	return errors.Join(errs...)
}

// Orchestrator exposes the orchestrator after startup.
func (m *Manager) Orchestrator() *orchestrator.Orchestrator { return m.orch }

// Store exposes the message store after startup.
func (m *Manager) Store() *store.SQLiteStore { return m.store }

// Hub exposes the WebSocket hub after startup.
func (m *Manager) Hub() *gateway.Hub { return m.hub }

// InstanceMetadata reports the running instance. It fails before Startup.
func (m *Manager) InstanceMetadata(ctx context.Context) (*InstanceMetadata, error) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	active, err := m.orch.ListActiveAgents(ctx)
	if err != nil {
		return nil, err
	}

	info := m.lock.Current()
	instanceID := ""
	if info != nil {
		instanceID = info.InstanceID
	}

	return &InstanceMetadata{
		PID:            os.Getpid(),
		Port:           m.cfg.Server.Port,
		Uptime:         time.Since(m.startedAt),
		Memory:         readMemory(),
		ActiveAgents:   len(active),
		DatabaseStatus: m.databaseStatus(ctx),
		StartedAt:      m.startedAt,
		InstanceID:     instanceID,
	}, nil
}

// Health builds the health payload. Status degrades when the database is
// unreachable.
func (m *Manager) Health(ctx context.Context) Health {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	h := Health{
		Status:    "ok",
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC(),
		Port:      m.cfg.Server.Port,
	}
	if !started {
		h.Status = "error"
		h.DatabaseStatus = "disconnected"
		return h
	}

	h.StartedAt = m.startedAt
	h.Uptime = int64(time.Since(m.startedAt).Seconds())
	h.MemoryUsage = readMemory()
	h.DatabaseStatus = m.databaseStatus(ctx)
	if h.DatabaseStatus != "connected" {
		h.Status = "degraded"
	}

	if info := m.lock.Current(); info != nil {
		h.InstanceID = info.InstanceID
	}
	if active, err := m.orch.ListActiveAgents(ctx); err == nil {
		h.ActiveAgents = len(active)
	}
	if all, err := m.orch.ListAgents(ctx); err == nil {
		h.TotalAgents = len(all)
	}
	return h
}

func (m *Manager) databaseStatus(ctx context.Context) string {
	if m.store == nil || m.store.Ping(ctx) != nil {
		return "disconnected"
	}
	return "connected"
}

func readMemory() MemoryUsage {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return MemoryUsage{
		HeapUsed:  stats.HeapAlloc,
		HeapTotal: stats.HeapSys,
		External:  stats.StackSys,
		RSS:       stats.Sys,
	}
}
