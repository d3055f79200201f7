package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/m2tx/weather_agent/assets"
)

// Config is the top-level application configuration. It is built once at
// startup and passed down to the agent, the completer and the tools.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	LLM     LLMConfig     `yaml:"llm"`
	Tools   ToolsConfig   `yaml:"tools"`
	Archive ArchiveConfig `yaml:"archive"`
	Server  ServerConfig  `yaml:"server"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// AgentConfig holds orchestration loop settings.
type AgentConfig struct {
	SystemInstruction string `yaml:"system_instruction"`

	// MaxRoundTrips caps completion calls per user turn.
	MaxRoundTrips     int           `yaml:"max_round_trips"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`

	// MaxSessions bounds the in-memory conversations; the least recently
	// used idle one is dropped first.
	MaxSessions    int           `yaml:"max_sessions"`
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`
}

// LLMConfig holds completion service settings.
type LLMConfig struct {
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"`

	// ThinkingBudget caps reasoning tokens, which count against
	// MaxOutputTokens. 0 turns thinking off, -1 lets the model decide, nil
	// leaves the model default.
	ThinkingBudget *int32               `yaml:"thinking_budget"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the breaker in front of the completion service.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ToolsConfig holds credentials and endpoints of the tool providers.
type ToolsConfig struct {
	OpenWeather OpenWeatherConfig `yaml:"openweather"`
	AirNow      AirNowConfig      `yaml:"airnow"`

	// RequestsPerMinute throttles outbound calls per provider; 0 disables it.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type OpenWeatherConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type AirNowConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Distance int    `yaml:"distance"`
}

// ArchiveConfig enables the MongoDB turn archive when MongoURI is set.
type ArchiveConfig struct {
	MongoURI   string `yaml:"mongodb_uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Enabled reports whether finished turns should be archived.
func (a ArchiveConfig) Enabled() bool { return a.MongoURI != "" }

type ServerConfig struct {
	Port string `yaml:"port"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stderr", "stdout" or a file path
}

type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Defaults returns the configuration used when no file is provided.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			SystemInstruction: assets.SystemInstruction,
			MaxRoundTrips:     5,
			CompletionTimeout: 60 * time.Second,
			ToolTimeout:       10 * time.Second,
			MaxSessions:       1000,
			SessionIdleTTL:    time.Hour,
		},
		LLM: LLMConfig{
			Model:           "gemini-2.5-flash",
			Temperature:     0.7,
			MaxOutputTokens: 1024,
			ThinkingBudget:  int32Ptr(0),
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Tools: ToolsConfig{
			OpenWeather: OpenWeatherConfig{
				BaseURL: "https://api.openweathermap.org/data/2.5/weather",
			},
			AirNow: AirNowConfig{
				BaseURL:  "https://www.airnowapi.org/aq/observation/zipCode/current/",
				Distance: 25,
			},
			RequestsPerMinute: 60,
		},
		Archive: ArchiveConfig{
			Database:   "agent_sessions",
			Collection: "turns",
		},
		Server: ServerConfig{Port: "8080"},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
	}
}

// Load reads a YAML config file on top of Defaults, applies env overrides and
// validates the result. An empty or missing path yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps environment variables to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENWEATHER_API_KEY"); v != "" {
		cfg.Tools.OpenWeather.APIKey = v
	}
	if v := os.Getenv("AIRNOW_API_KEY"); v != "" {
		cfg.Tools.AirNow.APIKey = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		cfg.Archive.MongoURI = v
	}
	if v := os.Getenv("MONGODB_DB"); v != "" {
		cfg.Archive.Database = v
	}
	if v := os.Getenv("WEATHER_AGENT_MAX_ROUND_TRIPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxRoundTrips = n
		}
	}
	if v := os.Getenv("WEATHER_AGENT_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Agent.ToolTimeout = d
		}
	}
	if v := os.Getenv("WEATHER_AGENT_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("WEATHER_AGENT_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("WEATHER_AGENT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("WEATHER_AGENT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func int32Ptr(v int32) *int32 { return &v }

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
