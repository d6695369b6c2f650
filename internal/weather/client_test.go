package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetImpactWithoutKey(t *testing.T) {
	c := NewClient("", time.Second)
	impact := c.GetImpact(context.Background(), 41.4, 2.17)
	if impact != DefaultImpact() {
		t.Errorf("expected default impact without an API key, got %+v", impact)
	}
}

func TestGetImpactParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"weather": [{"main": "Rain"}],
			"main": {"temp": 12.5, "humidity": 80},
			"wind": {"speed": 4.2},
			"rain": {"1h": 6.1},
			"visibility": 8000
		}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", time.Second)
	c.baseURL = srv.URL

	impact := c.GetImpact(context.Background(), 41.4, 2.17)
	if impact.Condition != "Rain" {
		t.Errorf("Condition = %q, expected Rain", impact.Condition)
	}
	if impact.Rain1h != 6.1 {
		t.Errorf("Rain1h = %v, expected 6.1", impact.Rain1h)
	}
	// Heavy rain adds 0.15 to the multiplier.
	if impact.DelayMultiplier != 1.15 {
		t.Errorf("DelayMultiplier = %v, expected 1.15", impact.DelayMultiplier)
	}
}

func TestGetImpactDegradesOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("test-key", time.Second)
	c.baseURL = srv.URL

	if impact := c.GetImpact(context.Background(), 0, 0); impact != DefaultImpact() {
		t.Errorf("expected default impact on server error, got %+v", impact)
	}
}

func TestDelayMultiplier(t *testing.T) {
	tests := []struct {
		name     string
		impact   Impact
		expected float64
	}{
		{"clear", Impact{VisibilityM: 10000}, 1.0},
		{"light rain", Impact{Rain1h: 3, VisibilityM: 10000}, 1.08},
		{"heavy rain", Impact{Rain1h: 10, VisibilityM: 10000}, 1.15},
		{"snow", Impact{Snow1h: 1, VisibilityM: 10000}, 1.30},
		{"deep cold", Impact{Temperature: -15, VisibilityM: 10000}, 1.10},
		{"fog", Impact{VisibilityM: 500}, 1.12},
		{"snowstorm in fog", Impact{Snow1h: 2, Temperature: -12, VisibilityM: 400}, 1.52},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := delayMultiplier(tc.impact)
			if diff := got - tc.expected; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("delayMultiplier = %v, expected %v", got, tc.expected)
			}
		})
	}
}

func TestEncodeCondition(t *testing.T) {
	enc := EncodeCondition("Drizzle")
	if enc["weather_rain"] != 1 {
		t.Error("drizzle should encode as rain")
	}
	enc = EncodeCondition("")
	if enc["weather_unknown"] != 1 {
		t.Error("empty condition should encode as unknown")
	}
}
