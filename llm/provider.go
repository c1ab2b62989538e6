package llm

import (
	"context"
	"errors"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools            bool
	Streaming        bool
	StructuredOutput bool
}

// Provider turns a request (system prompt, history, tool definitions) into
// one assistant message that carries content, tool calls, or both.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}
