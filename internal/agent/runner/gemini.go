package runner

import (
	"errors"
	"os"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/parser"
	"github.com/agentdev/agentd/internal/agent/process"
	"github.com/agentdev/agentd/internal/common/logger"
)

// ErrMissingGeminiKey is returned when GEMINI_API_KEY is absent at launch.
var ErrMissingGeminiKey = errors.New("GEMINI_API_KEY is not set")

// NewGeminiRunner creates the runner for the Gemini CLI family.
func NewGeminiRunner(binary string, manager *process.Manager, log *logger.Logger) *CLIRunner {
	if binary == "" {
		binary = "gemini"
	}
	build := func(agent *models.Agent) (process.SpawnRequest, func(), error) {
		return buildGeminiCommand(binary, agent)
	}
	return newCLIRunner("gemini-cli", manager, parser.NewGeminiParser(), build, log)
}

func buildGeminiCommand(binary string, agent *models.Agent) (process.SpawnRequest, func(), error) {
	if os.Getenv("GEMINI_API_KEY") == "" {
		return process.SpawnRequest{}, nil, ErrMissingGeminiKey
	}

	args := []string{
		"-p", agent.Prompt,
		"--output-format", "stream-json",
	}
	args = append(args, agent.Config.CustomArgs...)

	return process.SpawnRequest{
		Command: binary,
		Args:    args,
		Dir:     agent.Config.WorkingDirectory,
	}, nil, nil
}
