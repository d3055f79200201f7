package functions

import (
	"fmt"
	"net/http"

	"github.com/m2tx/weather_agent/internal/agent"
	"github.com/m2tx/weather_agent/internal/config"
)

// RegisterAll registers the weather and air-quality tools. Each provider is
// throttled by its own Fetcher.
func RegisterAll(reg *agent.Registry, cfg config.ToolsConfig, client *http.Client) error {
	declarations := []*agent.FunctionDeclaration{
		CreateWeatherFunctionDeclaration(cfg.OpenWeather, NewFetcher(client, cfg.RequestsPerMinute)),
		CreateAirQualityFunctionDeclaration(cfg.AirNow, NewFetcher(client, cfg.RequestsPerMinute)),
	}

	for _, fd := range declarations {
		if err := reg.Register(fd); err != nil {
			return fmt.Errorf("functions: %w", err)
		}
	}
	return nil
}
