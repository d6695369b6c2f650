package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPredictETADisabledWithoutURL(t *testing.T) {
	c := NewClient("", time.Second)
	if p := c.PredictETA(context.Background(), Features{"x": 1}); p != nil {
		t.Errorf("disabled client returned a prediction: %+v", p)
	}
}

func TestPredictETAParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict-eta" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var features Features
		if err := json.NewDecoder(r.Body).Decode(&features); err != nil {
			t.Fatal(err)
		}
		if features["stops_remaining"] != float64(4) {
			t.Errorf("feature not forwarded: %v", features["stops_remaining"])
		}
		json.NewEncoder(w).Encode(ETAPrediction{ETASeconds: 420, Confidence: 0.85})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	p := c.PredictETA(context.Background(), Features{"stops_remaining": 4})
	if p == nil {
		t.Fatal("expected a prediction")
	}
	if p.ETASeconds != 420 || p.Confidence != 0.85 {
		t.Errorf("prediction = %+v", p)
	}
}

func TestPredictETARejectsImplausible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ETAPrediction{ETASeconds: -5, Confidence: 0.9})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if p := c.PredictETA(context.Background(), Features{}); p != nil {
		t.Errorf("negative ETA should be discarded, got %+v", p)
	}
}

func TestPredictETADegradesOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			c := NewClient(srv.URL, time.Second)
			if p := c.PredictETA(context.Background(), Features{}); p != nil {
				t.Errorf("expected nil prediction, got %+v", p)
			}
		})
	}
}

func TestPredictETATimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 20*time.Millisecond)
	if p := c.PredictETA(context.Background(), Features{}); p != nil {
		t.Errorf("expected timeout to yield nil, got %+v", p)
	}
}

func TestValidateArrival(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict-arrival" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(ArrivalValidation{Confirm: true, Probability: 0.92})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	v := c.ValidateArrival(context.Background(), Features{"report_count": 3})
	if v == nil {
		t.Fatal("expected a validation")
	}
	if !v.Confirm || v.Probability != 0.92 {
		t.Errorf("validation = %+v", v)
	}
}
