package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"google.golang.org/genai"

	"github.com/m2tx/weather_agent/internal/agent"
	"github.com/m2tx/weather_agent/internal/config"
	"github.com/m2tx/weather_agent/internal/model"
	"github.com/m2tx/weather_agent/internal/tracer"
)

var ErrEmptyResponse = errors.New("gemini: response has no candidates")

// ErrNoContent is returned when the candidate carries neither text nor
// function calls, typically because thinking used up the output budget.
var ErrNoContent = errors.New("gemini: candidate has no text or function calls")

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiCompleter implements agent.Completer on the Gemini API.
type GeminiCompleter struct {
	models          contentGenerator
	model           string
	temperature     float32
	maxOutputTokens int32
	thinkingBudget  *int32
}

func NewGeminiCompleter(client *genai.Client, cfg config.LLMConfig) *GeminiCompleter {
	return &GeminiCompleter{
		models:          client.Models,
		model:           cfg.Model,
		temperature:     cfg.Temperature,
		maxOutputTokens: cfg.MaxOutputTokens,
		thinkingBudget:  cfg.ThinkingBudget,
	}
}

func (g *GeminiCompleter) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.CompletionResponse, error) {
	ctx, span := tracer.StartGenerate(ctx, g.model, len(req.Messages))
	defer span.End()

	system, contents := toGenAIContents(req.Messages)

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.temperature),
		MaxOutputTokens: g.maxOutputTokens,
	}
	if g.thinkingBudget != nil {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(*g.thinkingBudget)}
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toGenAITools(req.Tools)
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: callingMode(req.ToolChoice)},
		}
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	msg, err := fromGenAIResponse(resp)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	usage := model.Usage{}
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	tracer.EndGenerate(span, msg, usage)

	return &agent.CompletionResponse{Message: msg, Usage: usage}, nil
}

func callingMode(choice string) genai.FunctionCallingConfigMode {
	switch choice {
	case "none":
		return genai.FunctionCallingConfigModeNone
	case "required", "any":
		return genai.FunctionCallingConfigModeAny
	default:
		return genai.FunctionCallingConfigModeAuto
	}
}

func toGenAITools(schemas []agent.ToolSchema) []*genai.Tool {
	functions := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		functions = append(functions, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.Parameters,
		})
	}

	return []*genai.Tool{
		{
			FunctionDeclarations: functions,
		},
	}
}

// toGenAIContents splits out the system instruction and converts the rest of
// the history. Consecutive tool results are grouped into one user turn.
func toGenAIContents(messages []model.Message) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)

		case model.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})

		case model.RoleAssistant:
			c := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
			}
			for _, r := range m.ToolRequests {
				c.Parts = append(c.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   r.ID,
						Name: r.Name,
						Args: r.Arguments,
					},
					ThoughtSignature: r.Signature,
				})
			}
			// Gemini rejects empty text parts.
			if len(c.Parts) == 0 {
				continue
			}
			contents = append(contents, c)

		case model.RoleTool:
			part := &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.ToolName,
					Response: map[string]any{"result": m.Content},
				},
			}
			if last := lastContent(contents); last != nil && isFunctionResponseTurn(last) {
				last.Parts = append(last.Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{part},
			})
		}
	}

	return strings.Join(system, "\n\n"), contents
}

func lastContent(contents []*genai.Content) *genai.Content {
	if len(contents) == 0 {
		return nil
	}
	return contents[len(contents)-1]
}

func isFunctionResponseTurn(c *genai.Content) bool {
	if c.Role != genai.RoleUser || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return true
}

// fromGenAIResponse converts the first candidate into an assistant message.
// Thought parts are dropped; function calls without an id get a ULID.
func fromGenAIResponse(resp *genai.GenerateContentResponse) (model.Message, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return model.Message{}, fmt.Errorf("%w: prompt blocked (%s)", ErrEmptyResponse, resp.PromptFeedback.BlockReason)
		}
		return model.Message{}, ErrEmptyResponse
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	var requests []model.ToolRequest

	if candidate.Content != nil {
		for _, p := range candidate.Content.Parts {
			if p == nil || p.Thought {
				continue
			}
			if p.FunctionCall != nil {
				id := p.FunctionCall.ID
				if id == "" {
					id = ulid.Make().String()
				}
				requests = append(requests, model.ToolRequest{
					ID:        id,
					Name:      p.FunctionCall.Name,
					Arguments: p.FunctionCall.Args,
					Signature: p.ThoughtSignature,
				})
				continue
			}
			text.WriteString(p.Text)
		}
	}

	if strings.TrimSpace(text.String()) == "" && len(requests) == 0 {
		return model.Message{}, fmt.Errorf("%w (finish reason %s)", ErrNoContent, candidate.FinishReason)
	}

	return model.NewAssistantMessage(text.String(), requests...), nil
}
