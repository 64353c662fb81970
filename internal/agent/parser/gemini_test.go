package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/agentd/internal/agent/models"
)

func TestGeminiNonJSONSkipped(t *testing.T) {
	p := NewGeminiParser()
	for _, line := range []string{
		"Warning: flag deprecated",
		"(node:1234) ExperimentalWarning: something",
		"",
	} {
		_, err := p.Parse(line)
		assert.ErrorIs(t, err, ErrSkip, "line %q should be skipped", line)
	}
}

func TestGeminiInitAndResultSkipped(t *testing.T) {
	p := NewGeminiParser()
	_, err := p.Parse(`{"type":"init","session_id":"g1"}`)
	assert.ErrorIs(t, err, ErrSkip)
	_, err = p.Parse(`{"type":"result","status":"success"}`)
	assert.ErrorIs(t, err, ErrSkip)
}

func TestGeminiMessage(t *testing.T) {
	p := NewGeminiParser()
	line := `{"type":"message","role":"assistant","content":"hello there","turn":2}`
	msg, err := p.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindAssistant, msg.Kind)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, float64(2), msg.Metadata["turn"])
	assert.Equal(t, line, msg.Raw)
}

func TestGeminiMessageMissingFieldsSkipped(t *testing.T) {
	p := NewGeminiParser()
	_, err := p.Parse(`{"type":"message","role":"assistant"}`)
	assert.ErrorIs(t, err, ErrSkip)
	_, err = p.Parse(`{"type":"message","content":"orphan"}`)
	assert.ErrorIs(t, err, ErrSkip)
}

func TestGeminiUnknownRoleSkipped(t *testing.T) {
	p := NewGeminiParser()
	_, err := p.Parse(`{"type":"message","role":"narrator","content":"x"}`)
	assert.ErrorIs(t, err, ErrSkip)
}
