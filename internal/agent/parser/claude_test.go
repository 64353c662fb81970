package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/agentd/internal/agent/models"
)

func TestClaudeMalformedJSON(t *testing.T) {
	p := NewClaudeParser()
	_, err := p.Parse("{not json")
	require.ErrorIs(t, err, ErrInvalidJSON)
}

func TestClaudeMissingType(t *testing.T) {
	p := NewClaudeParser()
	_, err := p.Parse(`{"content":"hello"}`)
	require.ErrorIs(t, err, ErrMissingType)
}

func TestClaudeStreamEventSkips(t *testing.T) {
	p := NewClaudeParser()
	for _, event := range []string{"message_start", "content_block_start", "content_block_stop", "message_stop"} {
		line := `{"type":"stream_event","event":{"type":"` + event + `"}}`
		_, err := p.Parse(line)
		assert.ErrorIs(t, err, ErrSkip, "event %s should be skipped", event)
	}
}

func TestClaudeTextDelta(t *testing.T) {
	p := NewClaudeParser()
	line := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}}`
	msg, err := p.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindAssistant, msg.Kind)
	assert.Equal(t, "hel", msg.Content)
	assert.Equal(t, line, msg.Raw)
}

func TestClaudeNonTextDeltaSkipped(t *testing.T) {
	p := NewClaudeParser()
	line := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}}`
	_, err := p.Parse(line)
	require.ErrorIs(t, err, ErrSkip)
}

func TestClaudeMessageDelta(t *testing.T) {
	p := NewClaudeParser()
	line := `{"type":"stream_event","event":{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}}`
	msg, err := p.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindSystem, msg.Kind)
	assert.Equal(t, "", msg.Content)
	require.NotNil(t, msg.Metadata["delta"])
	usage, ok := msg.Metadata["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), usage["output_tokens"])
}

func TestClaudeResult(t *testing.T) {
	p := NewClaudeParser()
	line := `{"type":"result","subtype":"success","result":"all done","duration_ms":1200}`
	msg, err := p.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindResponse, msg.Kind)
	assert.Equal(t, "all done", msg.Content)
	assert.Equal(t, "success", msg.Metadata["subtype"])
	assert.True(t, IsComplete(msg))
	assert.False(t, IsTerminalSystem(msg))
}

// A system init frame with no content parses to an empty-content system
// message instead of failing.
func TestClaudeSystemInitWithoutContent(t *testing.T) {
	p := NewClaudeParser()
	line := `{"type":"system","subtype":"init","session_id":"s1","model":"m"}`
	msg, err := p.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindSystem, msg.Kind)
	assert.Equal(t, "", msg.Content)
	assert.Equal(t, "init", msg.Metadata["subtype"])
	assert.Equal(t, "s1", msg.Metadata["session_id"])
	assert.False(t, IsComplete(msg))
}

func TestClaudeMissingContentFails(t *testing.T) {
	p := NewClaudeParser()
	_, err := p.Parse(`{"type":"assistant"}`)
	require.ErrorIs(t, err, ErrMissingContent)
}

func TestClaudeStatsWithoutContentAccepted(t *testing.T) {
	p := NewClaudeParser()
	msg, err := p.Parse(`{"type":"assistant","stats":{"tokens":10}}`)
	require.NoError(t, err)
	assert.Equal(t, "", msg.Content)
	assert.NotNil(t, msg.Metadata["stats"])
}

func TestClaudeTextBlocksFlattened(t *testing.T) {
	p := NewClaudeParser()
	line := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"first"},{"type":"text","text":"second"}]}}`
	msg, err := p.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindAssistant, msg.Kind)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "first\nsecond", msg.Content)
}

func TestClaudeToolUseBlocks(t *testing.T) {
	p := NewClaudeParser()
	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"text","text":"running"},` +
		`{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls -la"}},` +
		`{"type":"tool_use","id":"t2","name":"Read","input":{"file_path":"/tmp/x.go"}}]}}`
	msg, err := p.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindTool, msg.Kind)
	assert.Contains(t, msg.Content, "running")
	assert.Contains(t, msg.Content, "[Bash] $ ls -la")
	assert.Contains(t, msg.Content, "[Read] /tmp/x.go")

	toolUse, ok := msg.Metadata["tool_use"].([]any)
	require.True(t, ok)
	assert.Len(t, toolUse, 2)
}

func TestClaudeGenericToolSynopsis(t *testing.T) {
	p := NewClaudeParser()
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"WebFetch","input":{"url":"https://example.com"}}]}}`
	msg, err := p.Parse(line)
	require.NoError(t, err)
	assert.Contains(t, msg.Content, "[WebFetch]")
	assert.Contains(t, msg.Content, "example.com")
}

func TestClaudeToolResultBlocks(t *testing.T) {
	p := NewClaudeParser()
	line := `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok","is_error":false}]}}`
	msg, err := p.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindUser, msg.Kind)
	assert.Contains(t, msg.Content, "✓ ok")

	line = `{"type":"user","message":{"content":[{"type":"tool_result","content":"denied","is_error":true}]}}`
	msg, err = p.Parse(line)
	require.NoError(t, err)
	assert.Contains(t, msg.Content, "✗ denied")
}

func TestClaudeStringContent(t *testing.T) {
	p := NewClaudeParser()
	msg, err := p.Parse(`{"type":"assistant","content":"plain"}`)
	require.NoError(t, err)
	assert.Equal(t, "plain", msg.Content)
	assert.Equal(t, models.MessageKindAssistant, msg.Kind)
}

func TestCompletionPredicates(t *testing.T) {
	assert.True(t, IsComplete(&ParsedMessage{Kind: models.MessageKindResponse}))
	assert.True(t, IsComplete(&ParsedMessage{Kind: models.MessageKindSystem, Role: "result"}))
	assert.True(t, IsComplete(&ParsedMessage{
		Kind:     models.MessageKindSystem,
		Metadata: map[string]any{"subtype": "success"},
	}))
	assert.True(t, IsComplete(&ParsedMessage{
		Kind:     models.MessageKindSystem,
		Metadata: map[string]any{"subtype": "error"},
	}))
	assert.False(t, IsComplete(&ParsedMessage{Kind: models.MessageKindAssistant}))
	assert.False(t, IsComplete(&ParsedMessage{
		Kind:     models.MessageKindSystem,
		Metadata: map[string]any{"subtype": "init"},
	}))

	assert.False(t, IsTerminalSystem(&ParsedMessage{Kind: models.MessageKindResponse}))
	assert.True(t, IsTerminalSystem(&ParsedMessage{Kind: models.MessageKindSystem, Role: "result"}))
	assert.True(t, IsTerminalSystem(&ParsedMessage{
		Kind:     models.MessageKindSystem,
		Metadata: map[string]any{"subtype": "error"},
	}))
}
