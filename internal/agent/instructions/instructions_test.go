package instructions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/common/logger"
)

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "CLAUDE.md")
	h := NewHandlerWithPaths(map[models.AgentType][]string{
		models.AgentTypeClaude: {path},
	}, logger.Default())
	return h, path
}

func TestApplyReplacesExistingFile(t *testing.T) {
	h, path := newTestHandler(t)
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	restore, err := h.Apply(models.AgentTypeClaude, "transient instructions")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "transient instructions", string(data))

	require.NoError(t, restore.Close())

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

// A missing user-level instruction file is not an error: it is created for
// the run and removed again on restore.
func TestApplyMissingFile(t *testing.T) {
	h, path := newTestHandler(t)

	restore, err := h.Apply(models.AgentTypeClaude, "only for this run")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "only for this run", string(data))

	require.NoError(t, restore.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCloseIdempotent(t *testing.T) {
	h, path := newTestHandler(t)
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	restore, err := h.Apply(models.AgentTypeClaude, "swap")
	require.NoError(t, err)

	require.NoError(t, restore.Close())

	// Mutate after restore; a second Close must not clobber it.
	require.NoError(t, os.WriteFile(path, []byte("changed later"), 0o644))
	require.NoError(t, restore.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "changed later", string(data))
}

func TestApplyUnknownProviderIsNoop(t *testing.T) {
	h, _ := newTestHandler(t)

	restore, err := h.Apply(models.AgentTypeGemini, "nothing to swap")
	require.NoError(t, err)
	require.NoError(t, restore.Close())
}
