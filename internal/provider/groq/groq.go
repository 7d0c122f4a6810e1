// Package groq implements the provider adapter for the Groq API, which
// speaks an OpenAI-compatible protocol. Only the model name and the response
// model field are rewritten.
package groq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tokenrouter/gateway/internal/domain"
	"github.com/tokenrouter/gateway/internal/httputil"
)

const defaultBaseURL = "https://api.groq.com/openai/v1"

var modelAliases = map[string]string{
	"llama-3.3-70b": "llama-3.3-70b-versatile",
	"mixtral-8x7b":  "mixtral-8x7b-32768",
}

var catalog = []domain.ModelInfo{
	{ID: "groq/llama-3.3-70b", Name: "Llama 3.3 70B", Provider: "groq", MaxTokens: 8192, Pricing: domain.TokenPricing{InputPerMTok: 0.59, OutputPerMTok: 0.79}, QualityTier: 2},
	{ID: "groq/mixtral-8x7b", Name: "Mixtral 8x7B", Provider: "groq", MaxTokens: 32768, Pricing: domain.TokenPricing{InputPerMTok: 0.24, OutputPerMTok: 0.24}, QualityTier: 3},
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
	return "groq"
}

func (a *Adapter) ResolveNativeModel(name string) string {
	if native, ok := modelAliases[name]; ok {
		return native
	}
	return name
}

func (a *Adapter) Pricing(name string) domain.TokenPricing {
	for _, m := range catalog {
		if m.ID == "groq/"+name || m.ID == name {
			return m.Pricing
		}
	}
	return domain.TokenPricing{InputPerMTok: 0.59, OutputPerMTok: 0.79}
}

func (a *Adapter) Models() []domain.ModelInfo {
	return catalog
}

type nativeRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

func (a *Adapter) encode(req domain.ChatRequest, stream bool) ([]byte, error) {
	return json.Marshal(nativeRequest{
		Model:       a.ResolveNativeModel(req.Model),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	})
}

func (a *Adapter) ChatCompletion(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
	if key.Secret == "" {
		return nil, &domain.AuthError{Provider: a.Name()}
	}

	body, err := a.encode(req, false)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key.Secret)

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

	var chatResp domain.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &domain.ProviderError{Provider: a.Name(), Status: resp.StatusCode, Message: "malformed response: " + err.Error(), Retryable: true}
	}

	chatResp.Model = "groq/" + req.Model
	chatResp.Provider = a.Name()
	return &chatResp, nil
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

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+key.Secret)
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

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk domain.StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			chunk.Model = "groq/" + req.Model

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- &domain.StreamError{Provider: a.Name(), Err: err}
		}
	}()

	return chunks, errs
}
