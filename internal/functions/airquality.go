package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/m2tx/weather_agent/internal/agent"
	"github.com/m2tx/weather_agent/internal/config"
)

type airQualityObservation struct {
	HourObserved  json.Number `json:"HourObserved"`
	AQI           json.Number `json:"AQI"`
	ParameterName string      `json:"ParameterName"`
	Category      struct {
		Name string `json:"Name"`
	} `json:"Category"`
}

func CreateAirQualityFunctionDeclaration(cfg config.AirNowConfig, fetcher *Fetcher) *agent.FunctionDeclaration {
	return &agent.FunctionDeclaration{
		Name: "get_current_air_quality",
		Description: "Get the latest air quality index (AQI) for a US location by ZIP code using AirNow API. " +
			"Use this for queries about air quality, pollution, or AQI.",
		Parameters: []agent.Parameter{
			{
				Name:        "zip_code",
				Type:        agent.TypeString,
				Description: "US ZIP code, e.g., '10001' for New York City",
				Required:    true,
			},
		},
		FunctionCall: func(ctx context.Context, args map[string]any) string {
			zip, _ := args["zip_code"].(string)

			return currentAirQuality(ctx, cfg, fetcher, zip)
		},
	}
}

func currentAirQuality(ctx context.Context, cfg config.AirNowConfig, fetcher *Fetcher, zip string) string {
	if cfg.APIKey == "" {
		return "AirNow service is not configured (missing AIRNOW_API_KEY). Get a free key at https://docs.airnowapi.org."
	}

	params := url.Values{}
	params.Set("format", "JSON")
	params.Set("zipCode", zip)
	params.Set("API_KEY", cfg.APIKey)
	params.Set("distance", strconv.Itoa(cfg.Distance))

	resp, err := fetcher.get(ctx, cfg.BaseURL, params)
	if err != nil {
		return fmt.Sprintf("Error calling AirNow API: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Could not fetch air quality for ZIP '%s': HTTP %d", zip, resp.StatusCode)
	}

	var observations []airQualityObservation
	if err := json.Unmarshal(resp.Body, &observations); err != nil {
		return fmt.Sprintf("Error calling AirNow API: decode response: %v", err)
	}

	if len(observations) == 0 {
		return fmt.Sprintf("No air quality observations available for ZIP '%s'.", zip)
	}

	obs := observations[0]
	return fmt.Sprintf("Air quality at ZIP %s (%s:00): AQI %s (%s) for %s",
		zip,
		valueOr(obs.HourObserved.String(), "Unknown"),
		valueOr(obs.AQI.String(), "N/A"),
		valueOr(obs.Category.Name, "Unknown"),
		valueOr(obs.ParameterName, "Unknown"),
	)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
