package agent

import (
	"context"

	"github.com/m2tx/weather_agent/internal/model"
)

// ToolChoiceAuto lets the model decide whether to call tools.
const ToolChoiceAuto = "auto"

// Completer is the completion service consumed by the loop.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

type CompletionRequest struct {
	// Messages is the full history, system message first when present.
	Messages   []model.Message
	Tools      []ToolSchema
	ToolChoice string
}

type CompletionResponse struct {
	// Message is always an assistant message, with or without tool requests.
	Message model.Message
	Usage   model.Usage
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return f(ctx, req)
}
