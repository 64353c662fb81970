package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/parser"
	"github.com/agentdev/agentd/internal/agent/process"
	"github.com/agentdev/agentd/internal/common/logger"
)

// shellRunner builds a CLI runner whose "provider" is a shell script.
func shellRunner(t *testing.T, script string) *CLIRunner {
	t.Helper()
	manager := process.NewManager(time.Second, logger.Default())
	build := func(agent *models.Agent) (process.SpawnRequest, func(), error) {
		return process.SpawnRequest{
			Command: "/bin/sh",
			Args:    []string{"-c", script},
		}, nil, nil
	}
	return newCLIRunner("fake-cli", manager, parser.NewClaudeParser(), build, logger.Default()).
		withCompletion(parser.IsComplete)
}

func TestCLIRunnerStreamsParsedMessages(t *testing.T) {
	script := `printf '%s\n%s\n' ` +
		`'{"type":"assistant","content":"working on it"}' ` +
		`'{"type":"result","subtype":"success","result":"done"}'`
	r := shellRunner(t, script)

	agent := models.NewAgent(models.AgentTypeClaude, "p", models.AgentConfig{})
	obs := &recordingObserver{}
	r.Subscribe(agent.ID, obs)

	require.NoError(t, r.Start(context.Background(), agent))

	waitFor(t, func() bool {
		_, _, completes := obs.snapshot()
		return completes == 1
	})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.messages, 2)
	assert.Equal(t, models.MessageKindAssistant, obs.messages[0].Kind)
	assert.Equal(t, "working on it", obs.messages[0].Content)
	assert.Equal(t, models.MessageKindResponse, obs.messages[1].Kind)
	assert.Equal(t, ResultSuccess, obs.completes[0].Status)
	assert.Equal(t, 2, obs.completes[0].MessageCount)
}

// Malformed frames are logged and skipped; the run still completes.
func TestCLIRunnerToleratesMalformedFrames(t *testing.T) {
	script := `printf '%s\n%s\n%s\n' ` +
		`'not json at all' ` +
		`'{"no_type":true}' ` +
		`'{"type":"assistant","content":"survived"}'`
	r := shellRunner(t, script)

	agent := models.NewAgent(models.AgentTypeClaude, "p", models.AgentConfig{})
	obs := &recordingObserver{}
	r.Subscribe(agent.ID, obs)
	require.NoError(t, r.Start(context.Background(), agent))

	waitFor(t, func() bool {
		_, _, completes := obs.snapshot()
		return completes == 1
	})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.messages, 1)
	assert.Equal(t, "survived", obs.messages[0].Content)
	assert.Empty(t, obs.errs)
}

func TestCLIRunnerNonZeroExit(t *testing.T) {
	r := shellRunner(t, `echo '{"type":"assistant","content":"partial"}'; exit 7`)

	agent := models.NewAgent(models.AgentTypeClaude, "p", models.AgentConfig{})
	obs := &recordingObserver{}
	r.Subscribe(agent.ID, obs)
	require.NoError(t, r.Start(context.Background(), agent))

	waitFor(t, func() bool {
		_, errs, _ := obs.snapshot()
		return errs == 1
	})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.errs, 1)
	assert.Contains(t, obs.errs[0].Error(), "exited with code 7")
	assert.Empty(t, obs.completes)

	waitFor(t, func() bool {
		_, err := r.Status(agent.ID)
		return err == ErrAgentNotRunning
	})
}

func TestCLIRunnerStop(t *testing.T) {
	r := shellRunner(t, `sleep 60`)

	agent := models.NewAgent(models.AgentTypeClaude, "p", models.AgentConfig{})
	obs := &recordingObserver{}
	r.Subscribe(agent.ID, obs)
	require.NoError(t, r.Start(context.Background(), agent))

	status, err := r.Status(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, status)

	require.NoError(t, r.Stop(context.Background(), agent.ID))

	waitFor(t, func() bool {
		_, errs, _ := obs.snapshot()
		return errs == 1
	})
}

func TestGeminiRequiresAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	manager := process.NewManager(time.Second, logger.Default())
	r := NewGeminiRunner("gemini", manager, logger.Default())

	agent := models.NewAgent(models.AgentTypeGemini, "p", models.AgentConfig{})
	err := r.Start(context.Background(), agent)
	require.ErrorIs(t, err, ErrMissingGeminiKey)
}

func TestClaudeCommandArgv(t *testing.T) {
	agent := models.NewAgent(models.AgentTypeClaude, "say hi", models.AgentConfig{
		OutputFormat:    "stream-json",
		Model:           "sonnet",
		SessionID:       "sess-1",
		AllowedTools:    []string{"Bash", "Read"},
		DisallowedTools: []string{"WebFetch"},
		CustomArgs:      []string{"--extra-flag"},
	})

	req, cleanup, err := buildClaudeCommand("claude", agent)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "claude", req.Command)
	assert.Equal(t, []string{
		"-p", "say hi",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--resume", "sess-1",
		"--model", "sonnet",
		"--allowed-tools", "Bash,Read",
		"--disallowed-tools", "WebFetch",
		"--extra-flag",
	}, req.Args)
}

func TestClaudeCommandMCPConfig(t *testing.T) {
	agent := models.NewAgent(models.AgentTypeClaude, "p", models.AgentConfig{
		MCPServers: []models.MCPServerConfig{
			{Name: "files", Command: "mcp-files", Args: []string{"--root", "/tmp"}, Transport: models.MCPTransportStdio},
		},
	})

	req, cleanup, err := buildClaudeCommand("claude", agent)
	require.NoError(t, err)
	defer cleanup()

	var configPath string
	for i, arg := range req.Args {
		if arg == "--mcp-config" {
			configPath = req.Args[i+1]
		}
	}
	require.NotEmpty(t, configPath, "argv must carry --mcp-config")
	assert.FileExists(t, configPath)

	cleanup()
	assert.NoFileExists(t, configPath)
}
