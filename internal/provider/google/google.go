// Package google implements the provider adapter for the Gemini API.
// Translation rules:
//
//   - the system message becomes "systemInstruction"
//   - the "assistant" role renames to "model"
//   - each streamed candidate event concatenates its parts[].text into one
//     delta; finishReason "STOP" synthesizes a terminal chunk with the
//     canonical finish_reason "stop"
package google

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var modelAliases = map[string]string{
	"gemini-2.5-pro":   "gemini-2.5-pro-preview-06-05",
	"gemini-2.5-flash": "gemini-2.5-flash-preview-05-20",
}

var catalog = []domain.ModelInfo{
	{ID: "google/gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: "google", MaxTokens: 8192, Pricing: domain.TokenPricing{InputPerMTok: 1.25, OutputPerMTok: 5.00}, QualityTier: 1},
	{ID: "google/gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: "google", MaxTokens: 8192, Pricing: domain.TokenPricing{InputPerMTok: 0.15, OutputPerMTok: 0.60}, QualityTier: 2},
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
	return "google"
}

func (a *Adapter) ResolveNativeModel(name string) string {
	if native, ok := modelAliases[name]; ok {
		return native
	}
	return name
}

func (a *Adapter) Pricing(name string) domain.TokenPricing {
	for _, m := range catalog {
		if m.ID == "google/"+name || m.ID == name {
			return m.Pricing
		}
	}
	return domain.TokenPricing{InputPerMTok: 1.25, OutputPerMTok: 5.00}
}

func (a *Adapter) Models() []domain.ModelInfo {
	return catalog
}

type nativeRequest struct {
	Contents          []nativeContent   `json:"contents"`
	GenerationConfig  generationConfig  `json:"generationConfig"`
	SystemInstruction *systemInstr      `json:"systemInstruction,omitempty"`
}

type nativeContent struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type systemInstr struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type nativeResponse struct {
	Candidates    []candidate `json:"candidates"`
	UsageMetadata usageMeta   `json:"usageMetadata"`
}

type candidate struct {
	Content      nativeContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type usageMeta struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (a *Adapter) encode(req domain.ChatRequest) ([]byte, error) {
	var system string
	var contents []nativeContent

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			contents = append(contents, nativeContent{Role: "user", Parts: []part{{Text: m.Content}}})
		case "assistant":
			contents = append(contents, nativeContent{Role: "model", Parts: []part{{Text: m.Content}}})
		}
	}

	native := nativeRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			Temperature: req.TemperatureOrDefault(),
		},
	}
	if req.MaxTokens != nil {
		native.GenerationConfig.MaxOutputTokens = *req.MaxTokens
	}
	if system != "" {
		native.SystemInstruction = &systemInstr{Parts: []part{{Text: system}}}
	}

	return json.Marshal(native)
}

func joinParts(parts []part) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (a *Adapter) ChatCompletion(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
	if key.Secret == "" {
		return nil, &domain.AuthError{Provider: a.Name()}
	}

	body, err := a.encode(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, a.ResolveNativeModel(req.Model), key.Secret)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var content string
	if len(native.Candidates) > 0 {
		content = joinParts(native.Candidates[0].Content.Parts)
	}

	return &domain.ChatResponse{
		ID:      domain.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "google/" + req.Model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &domain.Message{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: domain.Usage{
			PromptTokens:     native.UsageMetadata.PromptTokenCount,
			CompletionTokens: native.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      native.UsageMetadata.TotalTokenCount,
		},
		Provider: a.Name(),
	}, nil
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

		body, err := a.encode(req)
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", a.baseURL, a.ResolveNativeModel(req.Model), key.Secret)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

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
		model := "google/" + req.Model

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event nativeResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			if len(event.Candidates) == 0 {
				continue
			}

			cand := event.Candidates[0]
			if text := joinParts(cand.Content.Parts); text != "" {
				chunk := domain.StreamChunk{
					ID:      chunkID,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   model,
					Choices: []domain.Choice{
						{Index: 0, Delta: &domain.Delta{Content: text}},
					},
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}

			if cand.FinishReason == "STOP" {
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
