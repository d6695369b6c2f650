// Package weather fetches current conditions from OpenWeather and derives the
// delay-impact factors used as fusion features. Strictly best-effort: an
// unconfigured key or unreachable API yields neutral defaults, never an error.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.openweathermap.org/data/2.5/weather"

// Impact is the weather contribution to delay features.
type Impact struct {
	Rain1h          float64 `json:"rain1h"`
	Snow1h          float64 `json:"snow1h"`
	Temperature     float64 `json:"temperature"`
	WindSpeed       float64 `json:"windSpeed"`
	Humidity        float64 `json:"humidity"`
	VisibilityM     float64 `json:"visibilityMeters"`
	Condition       string  `json:"condition"`
	DelayMultiplier float64 `json:"delayMultiplier"`
}

// Client queries OpenWeather's current-weather endpoint.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewClient creates a weather client. An empty apiKey disables lookups; every
// call then returns the neutral default impact.
func NewClient(apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type openWeatherResponse struct {
	Weather []struct {
		Main string `json:"main"`
	} `json:"weather"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Rain struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
	Snow struct {
		OneHour float64 `json:"1h"`
	} `json:"snow"`
	Visibility float64 `json:"visibility"`
}

// GetImpact returns weather impact factors for a location.
func (c *Client) GetImpact(ctx context.Context, lat, lng float64) Impact {
	if c.apiKey == "" {
		return DefaultImpact()
	}

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", lat))
	q.Set("lon", fmt.Sprintf("%f", lng))
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return DefaultImpact()
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("Weather: fetch failed: %v", err)
		return DefaultImpact()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("Weather: unexpected status %d", resp.StatusCode)
		return DefaultImpact()
	}

	var body openWeatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Printf("Weather: decode failed: %v", err)
		return DefaultImpact()
	}

	impact := Impact{
		Rain1h:      body.Rain.OneHour,
		Snow1h:      body.Snow.OneHour,
		Temperature: body.Main.Temp,
		WindSpeed:   body.Wind.Speed,
		Humidity:    body.Main.Humidity,
		VisibilityM: body.Visibility,
		Condition:   "Unknown",
	}
	if impact.VisibilityM == 0 {
		impact.VisibilityM = 10000
	}
	if len(body.Weather) > 0 {
		impact.Condition = body.Weather[0].Main
	}
	impact.DelayMultiplier = delayMultiplier(impact)
	return impact
}

// DefaultImpact is the neutral impact used whenever real data is unavailable.
func DefaultImpact() Impact {
	return Impact{
		Temperature:     20,
		Humidity:        50,
		VisibilityM:     10000,
		Condition:       "Unknown",
		DelayMultiplier: 1.0,
	}
}

func delayMultiplier(i Impact) float64 {
	m := 1.0
	switch {
	case i.Rain1h > 5:
		m += 0.15
	case i.Rain1h > 2:
		m += 0.08
	}
	if i.Snow1h > 0 {
		m += 0.30
	}
	if i.Temperature < -10 {
		m += 0.10
	}
	if i.VisibilityM < 1000 {
		m += 0.12
	}
	return m
}

// EncodeCondition one-hot encodes the weather condition for the feature map.
func EncodeCondition(condition string) map[string]float64 {
	c := strings.ToLower(condition)
	oneHot := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}
	return map[string]float64{
		"weather_clear":        oneHot(c == "clear"),
		"weather_rain":         oneHot(c == "rain" || c == "drizzle"),
		"weather_snow":         oneHot(c == "snow"),
		"weather_fog":          oneHot(c == "fog" || c == "mist" || c == "haze"),
		"weather_clouds":       oneHot(c == "clouds"),
		"weather_thunderstorm": oneHot(c == "thunderstorm"),
		"weather_unknown":      oneHot(c == "unknown" || c == ""),
	}
}
