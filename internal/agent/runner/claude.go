package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/parser"
	"github.com/agentdev/agentd/internal/agent/process"
	"github.com/agentdev/agentd/internal/common/logger"
)

// NewClaudeRunner creates the runner for the Claude Code CLI family.
func NewClaudeRunner(binary string, manager *process.Manager, log *logger.Logger) *CLIRunner {
	if binary == "" {
		binary = "claude"
	}
	build := func(agent *models.Agent) (process.SpawnRequest, func(), error) {
		return buildClaudeCommand(binary, agent)
	}
	return newCLIRunner("claude-code", manager, parser.NewClaudeParser(), build, log).
		withCompletion(parser.IsComplete)
}

// buildClaudeCommand assembles the Claude CLI argv from the agent config.
func buildClaudeCommand(binary string, agent *models.Agent) (process.SpawnRequest, func(), error) {
	cfg := agent.Config

	format := cfg.OutputFormat
	if format != "json" {
		format = "stream-json"
	}

	args := []string{
		"-p", agent.Prompt,
		"--output-format", format,
		"--verbose",
		"--include-partial-messages",
	}

	if cfg.SessionID != "" {
		args = append(args, "--resume", cfg.SessionID)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(cfg.AllowedTools, ","))
	}
	if len(cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(cfg.DisallowedTools, ","))
	}

	cleanup := func() {}
	if len(cfg.MCPServers) > 0 {
		path, err := writeMCPConfig(agent.ID, cfg.MCPServers)
		if err != nil {
			return process.SpawnRequest{}, nil, err
		}
		args = append(args, "--mcp-config", path)
		cleanup = func() { _ = os.Remove(path) }
	}

	args = append(args, cfg.CustomArgs...)

	return process.SpawnRequest{
		Command: binary,
		Args:    args,
		Dir:     cfg.WorkingDirectory,
	}, cleanup, nil
}

// mcpConfigFile is the on-disk shape the Claude CLI expects for --mcp-config.
type mcpConfigFile struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Transport string            `json:"transport,omitempty"`
}

// writeMCPConfig serializes the auxiliary tool server set to a temp file.
func writeMCPConfig(agentID string, servers []models.MCPServerConfig) (string, error) {
	cfg := mcpConfigFile{MCPServers: make(map[string]mcpServerEntry, len(servers))}
	for _, s := range servers {
		cfg.MCPServers[s.Name] = mcpServerEntry{
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			Transport: string(s.Transport),
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize mcp config: %w", err)
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("agentd-mcp-%s-%s.json", agentID, uuid.New().String()[:8]))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write mcp config: %w", err)
	}
	return path, nil
}
