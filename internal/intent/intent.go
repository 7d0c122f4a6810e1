// Package intent wraps the external intent-detection collaborator. Detection
// is best effort: any failure or timeout yields an explicit unavailable
// result rather than an error, and callers own their fallback.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type Result struct {
	Intent     string
	Confidence float64
	Available  bool
}

// Unavailable is returned when the detector cannot produce an analysis.
func Unavailable() Result {
	return Result{Available: false}
}

type Detector interface {
	Detect(ctx context.Context, text string) Result
}

// HTTPDetector calls a remote intent-classification service.
type HTTPDetector struct {
	url    string
	client *http.Client
}

func NewHTTPDetector(url string) *HTTPDetector {
	return &HTTPDetector{
		url: url,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func (d *HTTPDetector) Detect(ctx context.Context, text string) Result {
	if d.url == "" || text == "" {
		return Unavailable()
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Unavailable()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return Unavailable()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Debug("intent detector unavailable", "error", err)
		return Unavailable()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Unavailable()
	}

	var out struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Intent == "" {
		return Unavailable()
	}

	return Result{Intent: out.Intent, Confidence: out.Confidence, Available: true}
}

// NoopDetector always reports unavailable, forcing keyword-only routing.
type NoopDetector struct{}

func (NoopDetector) Detect(ctx context.Context, text string) Result {
	return Unavailable()
}
