package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentdev/agentd/internal/agent/models"
)

// ClaudeParser parses the Claude Code CLI stream-json format.
type ClaudeParser struct{}

// NewClaudeParser creates a Claude stream-json parser.
func NewClaudeParser() *ClaudeParser { return &ClaudeParser{} }

// topLevelFields are consumed directly and not copied into metadata.
var topLevelFields = map[string]bool{
	"type":    true,
	"message": true,
	"content": true,
	"role":    true,
}

// Parse translates one stream-json frame.
func (p *ClaudeParser) Parse(line string) (*ParsedMessage, error) {
	var frame map[string]any
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	typ, ok := frame["type"].(string)
	if !ok || typ == "" {
		return nil, ErrMissingType
	}

	switch typ {
	case "stream_event":
		return p.parseStreamEvent(frame, line)
	case "result":
		return p.parseResult(frame, line)
	default:
		return p.parseMessageFrame(typ, frame, line)
	}
}

// parseStreamEvent unwraps a stream_event envelope.
func (p *ClaudeParser) parseStreamEvent(frame map[string]any, line string) (*ParsedMessage, error) {
	event, ok := frame["event"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stream_event without event payload")
	}
	eventType, _ := event["type"].(string)

	switch eventType {
	case "message_start", "content_block_start", "content_block_stop", "message_stop":
		return nil, ErrSkip

	case "content_block_delta":
		delta, _ := event["delta"].(map[string]any)
		if deltaType, _ := delta["type"].(string); deltaType != "text_delta" {
			return nil, ErrSkip
		}
		text, _ := delta["text"].(string)
		return &ParsedMessage{
			Kind:    models.MessageKindAssistant,
			Role:    "assistant",
			Content: text,
			Raw:     line,
		}, nil

	case "message_delta":
		metadata := map[string]any{}
		if delta, ok := event["delta"]; ok {
			metadata["delta"] = delta
		}
		if usage, ok := event["usage"]; ok {
			metadata["usage"] = usage
		}
		return &ParsedMessage{
			Kind:     models.MessageKindSystem,
			Content:  "",
			Metadata: metadata,
			Raw:      line,
		}, nil

	default:
		return nil, ErrSkip
	}
}

// parseResult normalizes a top-level result frame to kind response.
func (p *ClaudeParser) parseResult(frame map[string]any, line string) (*ParsedMessage, error) {
	content, _ := frame["result"].(string)

	metadata := map[string]any{}
	for k, v := range frame {
		if k == "type" || k == "result" {
			continue
		}
		metadata[k] = v
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return &ParsedMessage{
		Kind:     models.MessageKindResponse,
		Content:  content,
		Metadata: metadata,
		Raw:      line,
	}, nil
}

// parseMessageFrame handles assistant/user/system frames, flattening any
// content-block array into display text.
func (p *ClaudeParser) parseMessageFrame(typ string, frame map[string]any, line string) (*ParsedMessage, error) {
	kind := normalizeKind(typ)

	role, _ := frame["role"].(string)
	content, hasContent := frame["content"]
	if msgObj, ok := frame["message"].(map[string]any); ok {
		if r, ok := msgObj["role"].(string); ok {
			role = r
		}
		if c, ok := msgObj["content"]; ok {
			content = c
			hasContent = true
		}
	}

	metadata := map[string]any{}
	for k, v := range frame {
		if topLevelFields[k] {
			continue
		}
		metadata[k] = v
	}

	_, hasStats := frame["stats"]
	if !hasContent || content == nil {
		// Empty content is valid for system and response frames; anything
		// else must carry content or stats.
		if kind != models.MessageKindSystem && kind != models.MessageKindResponse && !hasStats {
			return nil, fmt.Errorf("%w: type %q", ErrMissingContent, typ)
		}
		if len(metadata) == 0 {
			metadata = nil
		}
		return &ParsedMessage{Kind: kind, Role: role, Content: "", Metadata: metadata, Raw: line}, nil
	}

	switch c := content.(type) {
	case string:
		if len(metadata) == 0 {
			metadata = nil
		}
		return &ParsedMessage{Kind: kind, Role: role, Content: c, Metadata: metadata, Raw: line}, nil

	case []any:
		text, toolUse, hasToolResult := flattenBlocks(c)
		if len(toolUse) > 0 {
			kind = models.MessageKindTool
			metadata["tool_use"] = toolUse
		} else if hasToolResult {
			kind = models.MessageKindUser
		}
		if len(metadata) == 0 {
			metadata = nil
		}
		return &ParsedMessage{Kind: kind, Role: role, Content: text, Metadata: metadata, Raw: line}, nil

	default:
		return nil, fmt.Errorf("unsupported content shape %T", content)
	}
}

// normalizeKind maps a frame type onto the message kind enum.
func normalizeKind(typ string) models.MessageKind {
	switch typ {
	case "assistant":
		return models.MessageKindAssistant
	case "user":
		return models.MessageKindUser
	case "system":
		return models.MessageKindSystem
	case "tool":
		return models.MessageKindTool
	case "result", "response":
		return models.MessageKindResponse
	case "error":
		return models.MessageKindError
	default:
		return models.MessageKindSystem
	}
}

// flattenBlocks concatenates a content-block array into display text and
// collects the raw tool_use blocks.
func flattenBlocks(blocks []any) (text string, toolUse []any, hasToolResult bool) {
	var parts []string
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if t, ok := block["text"].(string); ok {
				parts = append(parts, t)
			}
		case "tool_use":
			toolUse = append(toolUse, block)
			parts = append(parts, renderToolUse(block))
		case "tool_result":
			hasToolResult = true
			parts = append(parts, renderToolResult(block))
		}
	}
	return strings.Join(parts, "\n"), toolUse, hasToolResult
}

// renderToolUse produces a human-readable one-line synopsis of a tool call.
func renderToolUse(block map[string]any) string {
	name, _ := block["name"].(string)
	input, _ := block["input"].(map[string]any)

	str := func(key string) string {
		s, _ := input[key].(string)
		return s
	}

	switch name {
	case "Bash":
		return fmt.Sprintf("[Bash] $ %s", str("command"))
	case "Read":
		return fmt.Sprintf("[Read] %s", str("file_path"))
	case "Write":
		return fmt.Sprintf("[Write] %s", str("file_path"))
	case "Edit":
		return fmt.Sprintf("[Edit] %s", str("file_path"))
	case "Grep":
		return fmt.Sprintf("[Grep] %q", str("pattern"))
	case "Glob":
		return fmt.Sprintf("[Glob] %s", str("pattern"))
	case "Task":
		return fmt.Sprintf("[Task] %s", str("description"))
	case "TodoWrite":
		if todos, ok := input["todos"].([]any); ok {
			return fmt.Sprintf("[TodoWrite] %d items", len(todos))
		}
		return "[TodoWrite]"
	default:
		data, err := json.Marshal(input)
		if err != nil {
			return fmt.Sprintf("[%s]", name)
		}
		return fmt.Sprintf("[%s] %s", name, data)
	}
}

// renderToolResult renders a tool_result block with a success/error indicator.
func renderToolResult(block map[string]any) string {
	indicator := "✓"
	if isErr, _ := block["is_error"].(bool); isErr {
		indicator = "✗"
	}

	switch c := block["content"].(type) {
	case string:
		return fmt.Sprintf("%s %s", indicator, c)
	case []any:
		var parts []string
		for _, raw := range c {
			if inner, ok := raw.(map[string]any); ok {
				if t, ok := inner["text"].(string); ok {
					parts = append(parts, t)
				}
			}
		}
		return fmt.Sprintf("%s %s", indicator, strings.Join(parts, "\n"))
	default:
		return indicator
	}
}

// IsComplete reports whether a message signals the end of a run. A run is
// complete on a response, a system frame with role result, or a system
// frame whose subtype is success or error.
func IsComplete(msg *ParsedMessage) bool {
	if msg == nil {
		return false
	}
	if msg.Kind == models.MessageKindResponse {
		return true
	}
	if msg.Kind != models.MessageKindSystem {
		return false
	}
	if msg.Role == "result" {
		return true
	}
	subtype, _ := msg.Metadata["subtype"].(string)
	return subtype == "success" || subtype == "error"
}

// IsTerminalSystem is the stricter completion predicate: it recognizes only
// system-typed terminal frames, not responses.
func IsTerminalSystem(msg *ParsedMessage) bool {
	if msg == nil || msg.Kind != models.MessageKindSystem {
		return false
	}
	if msg.Role == "result" {
		return true
	}
	subtype, _ := msg.Metadata["subtype"].(string)
	return subtype == "success" || subtype == "error"
}
