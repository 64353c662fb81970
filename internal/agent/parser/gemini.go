package parser

import (
	"encoding/json"

	"github.com/agentdev/agentd/internal/agent/models"
)

// GeminiParser parses the Gemini CLI stream-json format.
//
// The Gemini CLI interleaves plain-text warnings with JSON frames on the
// same stream, so anything that fails to parse is skipped rather than
// treated as an error.
type GeminiParser struct{}

// NewGeminiParser creates a Gemini stream-json parser.
func NewGeminiParser() *GeminiParser { return &GeminiParser{} }

// Parse translates one output line. Only type=message frames with a role
// and content produce a message; init and result frames are handled
// out-of-band by the runner and skipped here.
func (p *GeminiParser) Parse(line string) (*ParsedMessage, error) {
	var frame map[string]any
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return nil, ErrSkip
	}

	typ, _ := frame["type"].(string)
	switch typ {
	case "init", "result":
		return nil, ErrSkip
	case "message":
	default:
		return nil, ErrSkip
	}

	role, roleOK := frame["role"].(string)
	content, contentOK := frame["content"].(string)
	if !roleOK || !contentOK {
		return nil, ErrSkip
	}

	kind := models.MessageKind(role)
	if !kind.Valid() {
		return nil, ErrSkip
	}

	var metadata map[string]any
	for k, v := range frame {
		if k == "type" || k == "role" || k == "content" {
			continue
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[k] = v
	}

	return &ParsedMessage{
		Kind:     kind,
		Role:     role,
		Content:  content,
		Metadata: metadata,
		Raw:      line,
	}, nil
}
