// Package lock enforces single-instance operation through an on-disk lock file.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdev/agentd/internal/common/logger"
)

// ErrAlreadyRunning is returned when another live process holds the lock.
// The foreign lock contents ride along for diagnostics.
type ErrAlreadyRunning struct {
	Existing *LockInfo
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("another instance is already running (pid %d, port %d)",
		e.Existing.PID, e.Existing.Port)
}

// LockInfo is the serialized lock file payload.
type LockInfo struct {
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	GoVersion  string    `json:"goVersion"`
	StartedAt  time.Time `json:"startedAt"`
	InstanceID string    `json:"instanceId"`
}

// Manager owns the instance lock file for the lifetime of the process.
type Manager struct {
	path   string
	port   int
	logger *logger.Logger

	mu   sync.Mutex
	held *LockInfo
}

// NewManager creates a lock manager for the given file path.
func NewManager(path string, port int, log *logger.Logger) *Manager {
	return &Manager{
		path:   path,
		port:   port,
		logger: log.WithFields(zap.String("component", "instance-lock")),
	}
}

// Acquire runs the startup sequence: reap a stale lock, fail if a live
// instance holds the file, then write our own lock record.
func (m *Manager) Acquire() error {
	if _, err := m.CleanupStale(); err != nil {
		return err
	}

	if existing := m.runningInstance(); existing != nil {
		return &ErrAlreadyRunning{Existing: existing}
	}

	info := &LockInfo{
		PID:        os.Getpid(),
		Port:       m.port,
		GoVersion:  runtime.Version(),
		StartedAt:  time.Now().UTC(),
		InstanceID: uuid.New().String(),
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize lock: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	m.mu.Lock()
	m.held = info
	m.mu.Unlock()

	m.logger.Info("instance lock acquired",
		zap.String("path", m.path),
		zap.Int("pid", info.PID),
		zap.String("instance_id", info.InstanceID))
	return nil
}

// Release removes the lock file. Idempotent: releasing an unheld or
// already-removed lock is a no-op.
func (m *Manager) Release() error {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()

	if held == nil {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	m.logger.Info("instance lock released", zap.String("path", m.path))
	return nil
}

// HasRunningInstance reports whether the lock file exists, parses, and names
// a live process.
func (m *Manager) HasRunningInstance() bool {
	return m.runningInstance() != nil
}

// runningInstance returns the foreign lock if it belongs to a live process.
func (m *Manager) runningInstance() *LockInfo {
	info, err := m.read()
	if err != nil || info == nil {
		return nil
	}
	if !pidAlive(info.PID) {
		return nil
	}
	return info
}

// CleanupStale deletes the lock file if it names a dead process or cannot be
// parsed. Returns true when a file was removed; with no lock present it
// returns false and touches nothing.
func (m *Manager) CleanupStale() (bool, error) {
	info, err := m.read()
	if err != nil {
		// Corrupted or incomplete lock files are treated as stale.
		m.logger.Warn("removing malformed lock file", zap.String("path", m.path), zap.Error(err))
		return true, m.removeFile()
	}
	if info == nil {
		return false, nil
	}
	if pidAlive(info.PID) {
		return false, nil
	}

	m.logger.Info("removing stale lock file",
		zap.String("path", m.path), zap.Int("pid", info.PID))
	return true, m.removeFile()
}

// Current returns the held lock info, or nil when the lock is not held.
func (m *Manager) Current() *LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// read parses the lock file. (nil, nil) means no file exists.
func (m *Manager) read() (*LockInfo, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("malformed lock file: %w", err)
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("incomplete lock file: missing pid")
	}
	return &info, nil
}

func (m *Manager) removeFile() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// pidAlive checks process liveness by zero-signal probe.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
