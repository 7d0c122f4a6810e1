// Package anthropic implements the provider adapter for the Anthropic
// Messages API. Translation rules:
//
//   - the first system-role message is lifted into the top-level "system"
//     field; remaining messages pass through as {role, content}
//   - response text is the concatenation of all "text" content blocks
//   - stop_reason "end_turn" maps to the canonical "stop"; all other values
//     pass through verbatim
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tokenrouter/gateway/internal/domain"
	"github.com/tokenrouter/gateway/internal/httputil"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

var modelAliases = map[string]string{
	"claude-opus":   "claude-opus-4-20250514",
	"claude-sonnet": "claude-sonnet-4-20250514",
	"claude-haiku":  "claude-haiku-4-5-20251001",
}

var catalog = []domain.ModelInfo{
	{ID: "anthropic/claude-opus", Name: "Claude Opus 4", Provider: "anthropic", MaxTokens: 8192, Pricing: domain.TokenPricing{InputPerMTok: 15.00, OutputPerMTok: 75.00}, QualityTier: 1},
	{ID: "anthropic/claude-sonnet", Name: "Claude Sonnet 4", Provider: "anthropic", MaxTokens: 8192, Pricing: domain.TokenPricing{InputPerMTok: 3.00, OutputPerMTok: 15.00}, QualityTier: 1},
	{ID: "anthropic/claude-haiku", Name: "Claude Haiku 3.5", Provider: "anthropic", MaxTokens: 8192, Pricing: domain.TokenPricing{InputPerMTok: 0.80, OutputPerMTok: 4.00}, QualityTier: 2},
}

type Adapter struct {
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

func New() *Adapter {
	return NewWithBaseURL(defaultBaseURL)
}

func NewWithBaseURL(baseURL string) *Adapter {
	return &Adapter{
		baseURL:      baseURL,
		client:       httputil.RequestClient(),
		streamClient: httputil.StreamClient(),
	}
}

func (a *Adapter) Name() string {
	return "anthropic"
}

func (a *Adapter) ResolveNativeModel(name string) string {
	if native, ok := modelAliases[name]; ok {
		return native
	}
	return name
}

func (a *Adapter) Pricing(name string) domain.TokenPricing {
	for _, m := range catalog {
		if m.ID == "anthropic/"+name || m.ID == name {
			return m.Pricing
		}
	}
	return domain.TokenPricing{InputPerMTok: 3.00, OutputPerMTok: 15.00}
}

func (a *Adapter) Models() []domain.ModelInfo {
	return catalog
}

type nativeRequest struct {
	Model       string          `json:"model"`
	Messages    []nativeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	System      string          `json:"system,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type nativeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type nativeResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      nativeUsage    `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type nativeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type  string       `json:"type"`
	Delta *streamDelta `json:"delta,omitempty"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// encode lifts the first system message into the dedicated field and keeps
// the remaining messages in order.
func (a *Adapter) encode(req domain.ChatRequest, stream bool) ([]byte, error) {
	var system string
	messages := make([]nativeMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" && system == "" {
			system = m.Content
			continue
		}
		messages = append(messages, nativeMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return json.Marshal(nativeRequest{
		Model:       a.ResolveNativeModel(req.Model),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.TemperatureOrDefault(),
		System:      system,
		Stream:      stream,
	})
}

func mapStopReason(reason string) string {
	if reason == "end_turn" {
		return "stop"
	}
	return reason
}

func (a *Adapter) ChatCompletion(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
	if key.Secret == "" {
		return nil, &domain.AuthError{Provider: a.Name()}
	}

	body, err := a.encode(req, false)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key.Secret)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &domain.ProviderError{Provider: a.Name(), Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &domain.ProviderError{
			Provider:  a.Name(),
			Status:    resp.StatusCode,
			Message:   string(bodyBytes),
			Retryable: domain.RetryableStatus(resp.StatusCode),
		}
	}

	var native nativeResponse
	if err := json.NewDecoder(resp.Body).Decode(&native); err != nil {
		return nil, &domain.ProviderError{Provider: a.Name(), Status: resp.StatusCode, Message: "malformed response: " + err.Error(), Retryable: true}
	}

	return a.decode(native, req.Model), nil
}

func (a *Adapter) decode(native nativeResponse, model string) *domain.ChatResponse {
	var content strings.Builder
	for _, block := range native.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.ChatResponse{
		ID:      domain.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "anthropic/" + model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &domain.Message{Role: "assistant", Content: content.String()},
				FinishReason: mapStopReason(native.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     native.Usage.InputTokens,
			CompletionTokens: native.Usage.OutputTokens,
			TotalTokens:      native.Usage.InputTokens + native.Usage.OutputTokens,
		},
		Provider: a.Name(),
	}
}

func (a *Adapter) ChatCompletionStream(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if key.Secret == "" {
			errs <- &domain.AuthError{Provider: a.Name()}
			return
		}

		body, err := a.encode(req, true)
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", key.Secret)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := a.streamClient.Do(httpReq)
		if err != nil {
			errs <- &domain.ProviderError{Provider: a.Name(), Message: err.Error(), Retryable: true}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errs <- &domain.ProviderError{
				Provider:  a.Name(),
				Status:    resp.StatusCode,
				Message:   string(bodyBytes),
				Retryable: domain.RetryableStatus(resp.StatusCode),
			}
			return
		}

		chunkID := domain.NewCompletionID()
		created := time.Now().Unix()
		model := "anthropic/" + req.Model

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				chunk := domain.StreamChunk{
					ID:      chunkID,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   model,
					Choices: []domain.Choice{
						{Index: 0, Delta: &domain.Delta{Content: event.Delta.Text}},
					},
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}

			case "message_stop":
				terminal := domain.StreamChunk{
					ID:      chunkID,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   model,
					Choices: []domain.Choice{
						{Index: 0, Delta: &domain.Delta{}, FinishReason: "stop"},
					},
				}
				select {
				case chunks <- terminal:
				case <-ctx.Done():
				}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- &domain.StreamError{Provider: a.Name(), Err: err}
		}
	}()

	return chunks, errs
}
