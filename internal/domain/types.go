// Package domain holds the canonical, provider-agnostic data shapes shared by
// every component of the gateway. The wire format is modeled on the OpenAI
// chat-completion schema; provider adapters translate to and from it.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`

	// TokenRouter extensions.
	BudgetCap *float64 `json:"budget_cap,omitempty"`
	AutoRoute bool     `json:"auto_route,omitempty"`
	Prefer    string   `json:"prefer,omitempty"`
}

// TemperatureOrDefault returns the requested temperature, defaulting to 1.0.
func (r ChatRequest) TemperatureOrDefault() float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return 1.0
}

// LastUserText returns the content of the most recent user-role message.
func (r ChatRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// TokenRouter extensions.
	CostUSD  *float64 `json:"cost_usd,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one element of a streaming response. A stream is terminated
// by a chunk whose first choice carries a non-empty finish reason, relayed to
// clients as SSE and closed with a literal "data: [DONE]" event.
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Terminal reports whether this chunk ends the stream.
func (c StreamChunk) Terminal() bool {
	return len(c.Choices) > 0 && c.Choices[0].FinishReason != ""
}

// NewCompletionID generates an OpenAI-style "chatcmpl-" identifier.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// TokenPricing is USD per one million tokens.
type TokenPricing struct {
	InputPerMTok  float64 `json:"input_per_1m"`
	OutputPerMTok float64 `json:"output_per_1m"`
}

// Estimate returns the USD cost for the given token counts.
func (p TokenPricing) Estimate(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*p.InputPerMTok + float64(outputTokens)*p.OutputPerMTok) / 1_000_000
}

// ModelInfo describes one catalog entry. IDs are always "provider/name".
type ModelInfo struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Provider    string       `json:"provider"`
	MaxTokens   int          `json:"max_tokens"`
	Pricing     TokenPricing `json:"pricing"`
	QualityTier int          `json:"quality_tier"` // 1 = highest, 3 = lowest
}

type Difficulty string

const (
	DifficultySimple  Difficulty = "simple"
	DifficultyMedium  Difficulty = "medium"
	DifficultyComplex Difficulty = "complex"
)

type Strategy string

const (
	StrategyQuality  Strategy = "quality"
	StrategyBalanced Strategy = "balanced"
	StrategyEconomy  Strategy = "economy"
)

const (
	PreferSpeed   = "speed"
	PreferQuality = "quality"
	PreferCost    = "cost"
)

// RoutingDecision is the output of the smart router. Candidates and the
// fallback chain are ordered; both reference catalog model ids.
type RoutingDecision struct {
	Difficulty    Difficulty `json:"difficulty"`
	Intent        string     `json:"intent"`
	Confidence    float64    `json:"confidence"`
	Candidates    []string   `json:"candidates"`
	FallbackChain []string   `json:"fallback_chain"`
}

// KeySource records where a provider credential came from.
type KeySource string

const (
	KeySourceHeader KeySource = "per_request_header"
	KeySourceStored KeySource = "user_stored"
	KeySourceServer KeySource = "server_default"
)

// ResolvedKey is a per-request provider credential. Header-sourced keys must
// never outlive the request.
type ResolvedKey struct {
	Provider string
	Secret   string
	Source   KeySource
}

type Model struct {
	ID          string       `json:"id"`
	Object      string       `json:"object"`
	Created     int64        `json:"created"`
	OwnedBy     string       `json:"owned_by"`
	Pricing     TokenPricing `json:"pricing"`
	QualityTier int          `json:"quality_tier"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type ModelRecommendation struct {
	Model         string  `json:"model"`
	Provider      string  `json:"provider"`
	Reason        string  `json:"reason"`
	EstimatedCost float64 `json:"estimated_cost"`
	QualityTier   int     `json:"quality_tier"`
}

type RouteResponse struct {
	Intent          string                `json:"intent"`
	Confidence      float64               `json:"confidence"`
	Difficulty      Difficulty            `json:"difficulty"`
	Recommendations []ModelRecommendation `json:"recommendations"`
	FallbackChain   []string              `json:"fallback_chain"`
}

type StatsResponse struct {
	TotalRequests      int64            `json:"total_requests"`
	TotalTokens        int64            `json:"total_tokens"`
	TotalCostUSD       float64          `json:"total_cost_usd"`
	RequestsByProvider map[string]int64 `json:"requests_by_provider"`
	RequestsByModel    map[string]int64 `json:"requests_by_model"`
	AvgLatencyMs       float64          `json:"avg_latency_ms"`
	Failures           int64            `json:"failures"`
}

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	APIKeyHash   string
	CreatedAt    time.Time
}

// ProviderKey is a user-stored BYOK credential, encrypted at rest.
type ProviderKey struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	EncryptedKey string    `json:"encrypted_key"`
	Label        string    `json:"label"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SplitModelID parses a "provider/name" id into its two segments.
func SplitModelID(id string) (provider, name string, err error) {
	provider, name, ok := strings.Cut(id, "/")
	if !ok || provider == "" || name == "" {
		return "", "", fmt.Errorf("model id %q is not of the form provider/name", id)
	}
	return provider, name, nil
}
