package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAgent(t *testing.T) {
	agent := NewAgent(AgentTypeClaude, "do the thing", AgentConfig{Model: "sonnet"})

	require.NotEmpty(t, agent.ID)
	assert.Equal(t, StatusInitializing, agent.Status)
	assert.Equal(t, "do the thing", agent.Prompt)
	assert.False(t, agent.CreatedAt.IsZero())
	assert.Nil(t, agent.StartedAt)
	assert.Nil(t, agent.CompletedAt)
}

func TestTransitionLawfulPath(t *testing.T) {
	agent := NewAgent(AgentTypeSynthetic, "p", AgentConfig{})

	require.NoError(t, agent.TransitionTo(StatusRunning))
	require.NotNil(t, agent.StartedAt)

	require.NoError(t, agent.TransitionTo(StatusPaused))
	require.NoError(t, agent.TransitionTo(StatusRunning))
	require.NoError(t, agent.TransitionTo(StatusCompleted))
	require.NotNil(t, agent.CompletedAt)
}

func TestTransitionInvalid(t *testing.T) {
	cases := []struct {
		from, to AgentStatus
	}{
		{StatusInitializing, StatusCompleted},
		{StatusInitializing, StatusPaused},
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusCompleted},
		{StatusTerminated, StatusRunning},
		{StatusPaused, StatusCompleted},
	}
	for _, tc := range cases {
		agent := &Agent{Status: tc.from}
		err := agent.TransitionTo(tc.to)
		require.Error(t, err, "%s -> %s should be rejected", tc.from, tc.to)

		var invalid *ErrInvalidTransition
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, tc.from, invalid.From)
		assert.Equal(t, tc.to, invalid.To)
		assert.Equal(t, tc.from, agent.Status, "status must not change on rejection")
	}
}

func TestStartedAtSetOnce(t *testing.T) {
	agent := NewAgent(AgentTypeSynthetic, "p", AgentConfig{})
	require.NoError(t, agent.TransitionTo(StatusRunning))
	first := agent.StartedAt

	require.NoError(t, agent.TransitionTo(StatusPaused))
	require.NoError(t, agent.TransitionTo(StatusRunning))
	assert.Equal(t, first, agent.StartedAt)
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusTerminated.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusInitializing.Terminal())
	assert.False(t, StatusPaused.Terminal())
}

func TestMessageKindValid(t *testing.T) {
	for _, kind := range []MessageKind{
		MessageKindUser, MessageKindAssistant, MessageKindSystem,
		MessageKindTool, MessageKindResponse, MessageKindError,
	} {
		assert.True(t, kind.Valid())
	}
	assert.False(t, MessageKind("bogus").Valid())
	assert.False(t, MessageKind("").Valid())
}

func TestAgentTypeValid(t *testing.T) {
	assert.True(t, AgentTypeClaude.Valid())
	assert.True(t, AgentTypeGemini.Valid())
	assert.True(t, AgentTypeSynthetic.Valid())
	assert.False(t, AgentType("copilot").Valid())
}
