package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrStreamStarted    = errors.New("stream already started")
)

// AuthError means no credential could be resolved for a provider. It is
// raised before any upstream call is made.
type AuthError struct {
	Provider string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("no API key for provider %s: pass the X-%s-Key header or configure a server default", e.Provider, headerCase(e.Provider))
}

// InvalidModelError means the model id is unknown or its provider segment has
// no registered adapter.
type InvalidModelError struct {
	Model string
}

func (e *InvalidModelError) Error() string {
	return fmt.Sprintf("unknown model %q", e.Model)
}

// ProviderError is a failed upstream call. Retryable errors drive the
// non-streaming fallback chain; non-retryable ones surface immediately.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error: status=%d %s", e.Provider, e.Status, e.Message)
}

// BudgetExceededError is raised pre-dispatch when the estimated cost of the
// cheapest acceptable model would exceed the request's budget cap.
type BudgetExceededError struct {
	CapUSD       float64
	EstimatedUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("estimated cost $%.6f exceeds budget cap $%.6f", e.EstimatedUSD, e.CapUSD)
}

// RateLimitError is raised pre-dispatch when the limiter rejects the caller.
type RateLimitError struct {
	Key     string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

// StreamError is a failure after streaming has begun. It is emitted as a
// terminal SSE error event and never retried.
type StreamError struct {
	Provider string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream error: %v", e.Provider, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Retryable reports whether err should trigger a walk of the fallback chain.
// Only provider errors from the retryable subset (5xx, 429, transport
// failures) qualify; auth, validation, and pre-dispatch errors never do.
func Retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// RetryableStatus classifies an upstream HTTP status. 429 and all 5xx are
// worth trying on another model; 4xx means the request itself is bad.
func RetryableStatus(status int) bool {
	return status == 429 || status >= 500
}

func headerCase(provider string) string {
	switch provider {
	case "openai":
		return "OpenAI"
	case "anthropic":
		return "Anthropic"
	case "google":
		return "Google"
	case "groq":
		return "Groq"
	case "deepseek":
		return "DeepSeek"
	default:
		return provider
	}
}
