// Package parser translates provider-specific stream-json lines into the
// unified message shape.
package parser

import (
	"errors"

	"github.com/agentdev/agentd/internal/agent/models"
)

var (
	// ErrSkip marks a frame that is deliberately ignored (protocol noise).
	ErrSkip = errors.New("skip frame")
	// ErrInvalidJSON marks a frame that is not valid JSON.
	ErrInvalidJSON = errors.New("invalid json")
	// ErrMissingType marks a JSON frame without a type discriminator.
	ErrMissingType = errors.New("missing type field")
	// ErrMissingContent marks a frame that carries neither content nor stats.
	ErrMissingContent = errors.New("missing content")
)

// ParsedMessage is the unified shape both parsers produce.
type ParsedMessage struct {
	Kind     models.MessageKind
	Role     string
	Content  string
	Metadata map[string]any
	Raw      string
}

// Parser translates one newline-delimited frame. A nil error returns a
// message; ErrSkip means the frame is ignored; any other error is a parse
// failure the caller logs and continues past.
type Parser interface {
	Parse(line string) (*ParsedMessage, error)
}
