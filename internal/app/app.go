package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/genai"

	"github.com/m2tx/weather_agent/internal/agent"
	"github.com/m2tx/weather_agent/internal/config"
	"github.com/m2tx/weather_agent/internal/functions"
	"github.com/m2tx/weather_agent/internal/llm"
	"github.com/m2tx/weather_agent/internal/repository"
)

// Components is the wired application shared by the console and HTTP drivers.
type Components struct {
	Agent *agent.Agent
	// Archive is nil when archiving is disabled.
	Archive repository.TurnArchive

	closers []func(context.Context) error
}

// Close releases external connections in reverse creation order.
func (c *Components) Close(ctx context.Context) error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Build wires completer, tools, archive and agent from cfg.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Components, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.LLM.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}

	var completer agent.Completer = llm.NewGeminiCompleter(client, cfg.LLM)
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled {
		completer = llm.NewCircuitBreakerCompleter(completer, cb, log)
		log.Info("llm circuit breaker enabled",
			"max_failures", cb.MaxFailures,
			"timeout", cb.Timeout,
			"interval", cb.Interval,
		)
	}

	registry := agent.NewRegistry()
	if err := functions.RegisterAll(registry, cfg.Tools, nil); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	opts := agent.Options{
		SystemInstruction: cfg.Agent.SystemInstruction,
		MaxRoundTrips:     cfg.Agent.MaxRoundTrips,
		CompletionTimeout: cfg.Agent.CompletionTimeout,
		ToolTimeout:       cfg.Agent.ToolTimeout,
		MaxSessions:       cfg.Agent.MaxSessions,
		SessionIdleTTL:    cfg.Agent.SessionIdleTTL,
		Logger:            log,
	}

	c := &Components{}
	if !cfg.Archive.Enabled() {
		c.Agent = agent.New(completer, registry, opts)
		log.Info("agent ready", "model", cfg.LLM.Model, "tools", registry.Names())
		return c, nil
	}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Archive.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	c.closers = append(c.closers, mongoClient.Disconnect)

	archive := repository.NewMongoTurnArchive(mongoClient.Database(cfg.Archive.Database), cfg.Archive.Collection)
	if err := archive.EnsureIndexes(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("mongodb indexes: %w", err)
	}

	c.Archive = archive
	c.Agent = agent.NewWithArchive(completer, registry, opts, archive)
	log.Info("agent ready",
		"model", cfg.LLM.Model,
		"tools", registry.Names(),
		"archive", cfg.Archive.Database+"."+cfg.Archive.Collection,
	)
	return c, nil
}
