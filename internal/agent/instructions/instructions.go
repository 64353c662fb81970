// Package instructions transiently replaces provider-side instruction files
// for the duration of a launch.
package instructions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/common/logger"
)

// Handler swaps provider instruction files and hands back a restoration
// handle. The handle's Close is guaranteed-release: callers defer it on
// every exit path of a launch, including failures.
type Handler struct {
	paths  map[models.AgentType][]string
	logger *logger.Logger
}

// NewHandler creates a handler with the default per-provider file locations.
func NewHandler(log *logger.Logger) *Handler {
	paths := map[models.AgentType][]string{}
	if home, err := os.UserHomeDir(); err == nil {
		paths[models.AgentTypeClaude] = []string{filepath.Join(home, ".claude", "CLAUDE.md")}
		paths[models.AgentTypeGemini] = []string{filepath.Join(home, ".gemini", "GEMINI.md")}
	}
	return &Handler{
		paths:  paths,
		logger: log.WithFields(zap.String("component", "instructions")),
	}
}

// NewHandlerWithPaths creates a handler over explicit file locations.
func NewHandlerWithPaths(paths map[models.AgentType][]string, log *logger.Logger) *Handler {
	return &Handler{paths: paths, logger: log}
}

type snapshot struct {
	path     string
	content  []byte
	existed  bool
}

// Restore undoes an Apply. Close is idempotent and restores every file even
// if some restorations fail.
type Restore struct {
	snapshots []snapshot
	logger    *logger.Logger
	once      sync.Once
	err       error
}

// Apply snapshots the provider's instruction files and replaces their
// contents with text. Files that do not exist are created and removed again
// on restore.
func (h *Handler) Apply(agentType models.AgentType, text string) (*Restore, error) {
	paths := h.paths[agentType]
	restore := &Restore{logger: h.logger}

	for _, path := range paths {
		snap := snapshot{path: path}
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			snap.existed = true
			snap.content = content
		case errors.Is(err, os.ErrNotExist):
			// A missing user-level instruction file is not an error.
		default:
			_ = restore.Close()
			return nil, fmt.Errorf("failed to snapshot %s: %w", path, err)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			_ = restore.Close()
			return nil, fmt.Errorf("failed to prepare %s: %w", path, err)
		}
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			_ = restore.Close()
			return nil, fmt.Errorf("failed to replace %s: %w", path, err)
		}
		restore.snapshots = append(restore.snapshots, snap)

		h.logger.Debug("replaced instruction file", zap.String("path", path))
	}

	return restore, nil
}

// Close restores all swapped files. Safe to call more than once.
func (r *Restore) Close() error {
	r.once.Do(func() {
		var errs []error
		for _, snap := range r.snapshots {
			var err error
			if snap.existed {
				err = os.WriteFile(snap.path, snap.content, 0o644)
			} else {
				err = os.Remove(snap.path)
				if errors.Is(err, os.ErrNotExist) {
					err = nil
				}
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to restore %s: %w", snap.path, err))
				r.logger.Error("instruction restore failed",
					zap.String("path", snap.path), zap.Error(err))
			}
		}
		r.err = errors.Join(errs...)
	})
	return r.err
}
