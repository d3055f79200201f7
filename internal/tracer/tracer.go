package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/m2tx/weather_agent/internal/config"
	"github.com/m2tx/weather_agent/internal/model"
)

const tracerName = "weather_agent"

// Span names, one per stage of a turn.
const (
	spanTurn       = "agent.turn"
	spanCompletion = "agent.completion"
	spanTool       = "agent.execute_tool"
	spanGenerate   = "llm.gemini.generate"
)

// Setup installs the global TracerProvider and returns its shutdown function.
// When cfg.Enabled is false, or the exporter is "noop", spans are dropped.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", tracerName),
		)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// newExporter returns nil when spans should not be exported at all.
func newExporter(cfg config.TracerConfig) (sdktrace.SpanExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	case "noop", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTurn opens the root span of one user turn.
func StartTurn(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return start(ctx, spanTurn, attribute.String("session.id", sessionID))
}

// EndTurn records the outcome of a finished turn on its span.
func EndTurn(span trace.Span, result *model.TurnResult) {
	span.SetAttributes(
		attribute.Int("agent.round_trips", result.RoundTrips),
		attribute.StringSlice("agent.tools_used", result.ToolsUsed),
		attribute.Bool("agent.truncated", result.Truncated),
		attribute.Int("llm.total_tokens", result.Usage.TotalTokens),
	)
	SetOK(span)
}

// StartCompletion opens the span around one completion call of a turn.
func StartCompletion(ctx context.Context, roundTrip int, messages int) (context.Context, trace.Span) {
	return start(ctx, spanCompletion,
		attribute.Int("agent.round_trip", roundTrip),
		attribute.Int("llm.messages", messages),
	)
}

// StartTool opens the span around the execution of req.
func StartTool(ctx context.Context, req model.ToolRequest) (context.Context, trace.Span) {
	return start(ctx, spanTool, ToolAttrs(req)...)
}

// ToolAttrs describes a tool request. Arguments are left out; they may carry
// user locations.
func ToolAttrs(req model.ToolRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tool.name", req.Name),
		attribute.String("tool.call_id", req.ID),
	}
}

// StartGenerate opens the span around a provider request.
func StartGenerate(ctx context.Context, modelName string, messages int) (context.Context, trace.Span) {
	return start(ctx, spanGenerate,
		attribute.String("llm.model", modelName),
		attribute.Int("llm.messages", messages),
	)
}

// EndGenerate records what the provider answered.
func EndGenerate(span trace.Span, msg model.Message, usage model.Usage) {
	span.SetAttributes(
		attribute.Int("llm.tool_requests", len(msg.ToolRequests)),
		attribute.Int("llm.prompt_tokens", usage.PromptTokens),
		attribute.Int("llm.completion_tokens", usage.CompletionTokens),
		attribute.Int("llm.total_tokens", usage.TotalTokens),
	)
	SetOK(span)
}

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK sets the span status to OK.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
