// Package ml integrates the external prediction service. The service is
// consumed over a plain request/response contract with short timeouts; any
// failure means "no opinion", never an error surfaced to callers.
package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Features is the flat numeric/boolean feature map sent to the predictor.
type Features map[string]any

// ETAPrediction is the predictor's answer to an ETA query.
type ETAPrediction struct {
	ETASeconds float64 `json:"eta_seconds"`
	Confidence float64 `json:"confidence"`
}

// ArrivalValidation is the predictor's judgement of a pending confirmation.
type ArrivalValidation struct {
	Confirm     bool    `json:"confirm"`
	Probability float64 `json:"confirm_probability"`
}

// Client talks to the prediction service. An empty base URL disables it:
// every call reports unavailability.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a predictor client with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a predictor endpoint is configured at all.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// PredictETA asks the predictor for an ETA. Returns nil (no opinion) when the
// service is disabled, unreachable, or answers garbage.
func (c *Client) PredictETA(ctx context.Context, features Features) *ETAPrediction {
	var out ETAPrediction
	if !c.post(ctx, "/predict-eta", features, &out) {
		return nil
	}
	if out.ETASeconds < 0 || out.Confidence < 0 || out.Confidence > 1 {
		log.Printf("ML: discarding implausible ETA prediction %+v", out)
		return nil
	}
	return &out
}

// ValidateArrival asks the predictor whether a quorum-satisfied arrival looks
// genuine. Returns nil when no judgement is available.
func (c *Client) ValidateArrival(ctx context.Context, features Features) *ArrivalValidation {
	var out ArrivalValidation
	if !c.post(ctx, "/predict-arrival", features, &out) {
		return nil
	}
	return &out
}

// StoreTrainingSample submits a labelled feature vector for later training.
// Fire and forget.
func (c *Client) StoreTrainingSample(ctx context.Context, endpoint string, features Features, extra map[string]any) {
	payload := make(map[string]any, len(features)+len(extra))
	for k, v := range features {
		payload[k] = v
	}
	for k, v := range extra {
		payload[k] = v
	}
	if !c.post(ctx, endpoint, payload, nil) {
		log.Printf("ML: failed to store training sample via %s", endpoint)
	}
}

// post sends a JSON body and decodes the response into out (when non-nil).
// Returns false on any failure.
func (c *Client) post(ctx context.Context, path string, body any, out any) bool {
	if !c.Enabled() {
		return false
	}

	raw, err := json.Marshal(body)
	if err != nil {
		log.Printf("ML: marshal failed: %v", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("ML: %s failed: %v", path, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("ML: %s returned status %d", path, resp.StatusCode)
		return false
	}
	if out == nil {
		return true
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Printf("ML: %s decode failed: %v", path, err)
		return false
	}
	return true
}

// String implements fmt.Stringer for log lines.
func (c *Client) String() string {
	if !c.Enabled() {
		return "ml predictor (disabled)"
	}
	return fmt.Sprintf("ml predictor at %s", c.baseURL)
}
