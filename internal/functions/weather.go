package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/m2tx/weather_agent/internal/agent"
	"github.com/m2tx/weather_agent/internal/config"
)

type weatherResponse struct {
	Message string `json:"message"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      json.Number `json:"temp"`
		FeelsLike json.Number `json:"feels_like"`
		Humidity  json.Number `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed json.Number `json:"speed"`
	} `json:"wind"`
}

func CreateWeatherFunctionDeclaration(cfg config.OpenWeatherConfig, fetcher *Fetcher) *agent.FunctionDeclaration {
	return &agent.FunctionDeclaration{
		Name: "get_current_weather",
		Description: "Get the latest weather conditions for a city by calling an external " +
			"weather API. Use this whenever the user asks about current weather.",
		Parameters: []agent.Parameter{
			{
				Name:        "city",
				Type:        agent.TypeString,
				Description: "City name, e.g., 'Paris'",
				Required:    true,
			},
			{
				Name:        "country",
				Type:        agent.TypeString,
				Description: "Country code or name, e.g., 'FR' or 'France'",
				Required:    true,
			},
			{
				Name:        "units",
				Type:        agent.TypeString,
				Description: "Units: 'metric' for Celsius, 'imperial' for Fahrenheit",
				Enum:        []string{"metric", "imperial"},
				Required:    true,
				Default:     "metric",
			},
		},
		FunctionCall: func(ctx context.Context, args map[string]any) string {
			city, _ := args["city"].(string)
			country, _ := args["country"].(string)
			units, _ := args["units"].(string)

			return currentWeather(ctx, cfg, fetcher, city, country, units)
		},
	}
}

func currentWeather(ctx context.Context, cfg config.OpenWeatherConfig, fetcher *Fetcher, city, country, units string) string {
	if cfg.APIKey == "" {
		return "Weather service is not configured (missing OPENWEATHER_API_KEY)."
	}

	q := city + "," + country
	params := url.Values{}
	params.Set("q", q)
	params.Set("appid", cfg.APIKey)
	params.Set("units", units)

	resp, err := fetcher.get(ctx, cfg.BaseURL, params)
	if err != nil {
		return fmt.Sprintf("Error calling OpenWeather API: %v", err)
	}

	var data weatherResponse
	decodeErr := json.Unmarshal(resp.Body, &data)

	if resp.StatusCode != http.StatusOK {
		msg := data.Message
		if decodeErr != nil || msg == "" {
			msg = "Unknown error"
		}
		return fmt.Sprintf("Could not fetch weather for '%s': %s.", q, msg)
	}
	if decodeErr != nil {
		return fmt.Sprintf("Error calling OpenWeather API: decode response: %v", decodeErr)
	}

	desc := "No description"
	if len(data.Weather) > 0 {
		desc = data.Weather[0].Description
	}

	parts := []string{
		fmt.Sprintf("Weather in %s: %s", q, desc),
		fmt.Sprintf("Temperature: %s° (feels like %s°)", numberOr(data.Main.Temp), numberOr(data.Main.FeelsLike)),
		fmt.Sprintf("Humidity: %s%%", numberOr(data.Main.Humidity)),
		fmt.Sprintf("Wind speed: %s m/s", numberOr(data.Wind.Speed)),
	}
	return strings.Join(parts, " | ")
}

func numberOr(n json.Number) string {
	if n == "" {
		return "N/A"
	}
	return n.String()
}
