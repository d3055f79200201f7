package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oklog/ulid/v2"

	"github.com/m2tx/weather_agent/internal/agent"
	"github.com/m2tx/weather_agent/internal/app"
	"github.com/m2tx/weather_agent/internal/config"
	"github.com/m2tx/weather_agent/internal/logger"
	"github.com/m2tx/weather_agent/internal/model"
	"github.com/m2tx/weather_agent/internal/tracer"
)

const (
	banner = `Weather & Air Quality Assistant
Ask about current weather (city + country) or air quality (US ZIP code).
Type 'quit', 'exit' or 'bye' to leave.`
	troubleshootHint = "Please check your API keys, tool configuration, and internet connection."
)

type sender interface {
	Send(ctx context.Context, sessionID string, prompt string) (*model.TurnResult, error)
}

func main() {
	if err := start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func start() error {
	configPath := flag.String("config", os.Getenv("WEATHER_AGENT_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	components, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := components.Close(context.Background()); err != nil {
			log.Error("shutdown", "error", err)
		}
	}()

	return run(ctx, os.Stdin, os.Stdout, components.Agent, ulid.Make().String())
}

// run is the read-eval-print loop. It returns nil on EOF, on an exit word or
// when ctx is cancelled.
func run(ctx context.Context, in io.Reader, out io.Writer, a sender, sessionID string) error {
	fmt.Fprintln(out, banner)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\nYou: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		switch strings.ToLower(prompt) {
		case "quit", "exit", "bye":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		result, err := a.Send(ctx, sessionID, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "Error: %s\n", errorText(err))
			fmt.Fprintln(out, troubleshootHint)
			continue
		}

		fmt.Fprintf(out, "Assistant: %s\n", result.FinalMessage)
		fmt.Fprintf(out, "🛠️ %s\n", agent.FormatUsage(result.ToolsUsed))
	}
}

func errorText(err error) string {
	var cerr *agent.CompletionError
	if errors.As(err, &cerr) {
		return cerr.UserMessage()
	}
	return err.Error()
}
