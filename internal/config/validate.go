package config

import (
	"fmt"
	"strconv"
	"strings"
)

// maxRoundTripsLimit bounds the configurable round-trip cap.
const maxRoundTripsLimit = 20

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateArchive(cfg, ve)
	validateServer(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Agent.SystemInstruction) == "" {
		ve.Add("agent.system_instruction must not be empty")
	}
	if cfg.Agent.MaxRoundTrips < 1 || cfg.Agent.MaxRoundTrips > maxRoundTripsLimit {
		ve.Add("agent.max_round_trips must be between 1 and %d, got %d", maxRoundTripsLimit, cfg.Agent.MaxRoundTrips)
	}
	if cfg.Agent.CompletionTimeout <= 0 {
		ve.Add("agent.completion_timeout must be > 0")
	}
	if cfg.Agent.ToolTimeout <= 0 {
		ve.Add("agent.tool_timeout must be > 0")
	}
	if cfg.Agent.MaxSessions < 1 {
		ve.Add("agent.max_sessions must be >= 1")
	}
	if cfg.Agent.SessionIdleTTL < 0 {
		ve.Add("agent.session_idle_ttl must be >= 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.Model == "" {
		ve.Add("llm.model must not be empty")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		ve.Add("llm.temperature must be between 0 and 2")
	}
	if cfg.LLM.MaxOutputTokens <= 0 {
		ve.Add("llm.max_output_tokens must be > 0")
	}
	if b := cfg.LLM.ThinkingBudget; b != nil && (*b < -1 || *b >= cfg.LLM.MaxOutputTokens) {
		ve.Add("llm.thinking_budget must be -1, 0 or below llm.max_output_tokens, got %d", *b)
	}
	cb := cfg.LLM.CircuitBreaker
	if cb.Enabled && cb.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.OpenWeather.BaseURL == "" {
		ve.Add("tools.openweather.base_url must not be empty")
	}
	if cfg.Tools.AirNow.BaseURL == "" {
		ve.Add("tools.airnow.base_url must not be empty")
	}
	if cfg.Tools.AirNow.Distance <= 0 {
		ve.Add("tools.airnow.distance must be > 0")
	}
	if cfg.Tools.RequestsPerMinute < 0 {
		ve.Add("tools.requests_per_minute must be >= 0")
	}
}

func validateArchive(cfg *Config, ve *ValidationError) {
	if !cfg.Archive.Enabled() {
		return
	}
	if cfg.Archive.Database == "" {
		ve.Add("archive.database must not be empty when archive.mongodb_uri is set")
	}
	if cfg.Archive.Collection == "" {
		ve.Add("archive.collection must not be empty when archive.mongodb_uri is set")
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	port, err := strconv.Atoi(cfg.Server.Port)
	if err != nil || port <= 0 || port > 65535 {
		ve.Add("server.port %q is not a valid port", cfg.Server.Port)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not supported (text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported (stdout, noop)", cfg.Tracer.Exporter)
	}
}
