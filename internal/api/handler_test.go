package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tokenrouter/gateway/internal/crypto"
	"github.com/tokenrouter/gateway/internal/domain"
	"github.com/tokenrouter/gateway/internal/gateway"
	"github.com/tokenrouter/gateway/internal/intent"
	"github.com/tokenrouter/gateway/internal/ratelimit"
	"github.com/tokenrouter/gateway/internal/registry"
	"github.com/tokenrouter/gateway/internal/router"
	"github.com/tokenrouter/gateway/internal/stats"
	"github.com/tokenrouter/gateway/internal/users"
)

type fakeAdapter struct {
	name     string
	models   []domain.ModelInfo
	lastKey  domain.ResolvedKey
	chatFn   func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error)
	streamFn func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (<-chan domain.StreamChunk, <-chan error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) ChatCompletion(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
	f.lastKey = key
	return f.chatFn(ctx, req, key)
}

func (f *fakeAdapter) ChatCompletionStream(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (<-chan domain.StreamChunk, <-chan error) {
	f.lastKey = key
	return f.streamFn(ctx, req, key)
}

func (f *fakeAdapter) ResolveNativeModel(name string) string { return name }

func (f *fakeAdapter) Pricing(name string) domain.TokenPricing {
	return domain.TokenPricing{InputPerMTok: 1, OutputPerMTok: 1}
}

func (f *fakeAdapter) Models() []domain.ModelInfo { return f.models }

type testEnv struct {
	handler *Handler
	adapter *fakeAdapter
	users   *users.Service
}

func newTestEnv(t *testing.T, apiKeys ...string) *testEnv {
	t.Helper()

	adapter := &fakeAdapter{
		name: "fake",
		models: []domain.ModelInfo{
			{ID: "fake/model-a", Name: "Model A", Provider: "fake", MaxTokens: 8192, Pricing: domain.TokenPricing{InputPerMTok: 1, OutputPerMTok: 1}, QualityTier: 2},
		},
		chatFn: func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{
				ID:      domain.NewCompletionID(),
				Object:  "chat.completion",
				Created: time.Now().Unix(),
				Model:   "fake/model-a",
				Choices: []domain.Choice{
					{Index: 0, Message: &domain.Message{Role: "assistant", Content: "ok"}, FinishReason: "stop"},
				},
				Usage: domain.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
			}, nil
		},
		streamFn: func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (<-chan domain.StreamChunk, <-chan error) {
			chunks := make(chan domain.StreamChunk, 3)
			errs := make(chan error, 1)
			chunks <- domain.StreamChunk{ID: "s", Object: "chat.completion.chunk", Choices: []domain.Choice{{Delta: &domain.Delta{Content: "hel"}}}}
			chunks <- domain.StreamChunk{ID: "s", Object: "chat.completion.chunk", Choices: []domain.Choice{{Delta: &domain.Delta{Content: "lo"}}}}
			chunks <- domain.StreamChunk{ID: "s", Object: "chat.completion.chunk", Choices: []domain.Choice{{Delta: &domain.Delta{}, FinishReason: "stop"}}}
			close(chunks)
			close(errs)
			return chunks, errs
		},
	}

	reg := registry.New()
	reg.Register(adapter)

	store := stats.NewInMemoryStore()
	vault, err := crypto.NewKeyVault("test-key")
	if err != nil {
		t.Fatalf("NewKeyVault: %v", err)
	}
	userService := users.NewService(users.NewInMemoryStore(), vault, "jwt-secret", time.Hour)

	gw := gateway.New(gateway.Options{
		Registry:    reg,
		Router:      router.New(reg, intent.NoopDetector{}),
		Limiter:     ratelimit.NewInMemoryRateLimiter(),
		Stats:       store,
		StoredKeys:  userService,
		DefaultKeys: map[string]string{"fake": "server-default"},
	})

	handler := NewHandler(HandlerConfig{
		Gateway:  gw,
		Registry: reg,
		Stats:    store,
		Users:    userService,
		APIKeys:  apiKeys,
	})

	return &testEnv{handler: handler, adapter: adapter, users: userService}
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func completionBody(model string, stream bool) map[string]interface{} {
	return map[string]interface{}{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
		"stream":   stream,
	}
}

func TestChatCompletionsJSON(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env.handler, "/v1/chat/completions", completionBody("fake/model-a", false), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Provider != "fake" || resp.CostUSD == nil {
		t.Errorf("resp = %+v", resp)
	}
	if env.adapter.lastKey.Secret != "server-default" || env.adapter.lastKey.Source != domain.KeySourceServer {
		t.Errorf("key = %+v, want server default", env.adapter.lastKey)
	}
}

func TestExtractProviderKeys(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("X-OpenAI-Key", "sk-byok")
	req.Header.Set("X-Anthropic-Key", "sk-ant-byok")

	keys := extractProviderKeys(req)
	if keys["openai"] != "sk-byok" || keys["anthropic"] != "sk-ant-byok" {
		t.Errorf("keys = %v", keys)
	}
	if _, ok := keys["groq"]; ok {
		t.Error("absent header produced a key")
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env.handler, "/v1/chat/completions", map[string]interface{}{"messages": []interface{}{}}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing model: status = %d, want 400", w.Code)
	}

	w = postJSON(t, env.handler, "/v1/chat/completions", completionBody("unknown/model", false), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown model: status = %d, want 400", w.Code)
	}
}

func TestChatCompletionsAuthErrorMapsTo401(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.chatFn = func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
		return nil, &domain.AuthError{Provider: "fake"}
	}

	w := postJSON(t, env.handler, "/v1/chat/completions", completionBody("fake/model-a", false), nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestChatCompletionsProviderErrorMapsTo502(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.chatFn = func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
		return nil, &domain.ProviderError{Provider: "fake", Status: 400, Message: "bad", Retryable: false}
	}

	w := postJSON(t, env.handler, "/v1/chat/completions", completionBody("fake/model-a", false), nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestChatCompletionsSSERelay(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env.handler, "/v1/chat/completions", completionBody("fake/model-a", true), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var events []string
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}

	if len(events) != 4 {
		t.Fatalf("events = %d (%v), want 3 chunks + [DONE]", len(events), events)
	}
	if events[len(events)-1] != "[DONE]" {
		t.Errorf("last event = %q, want [DONE]", events[len(events)-1])
	}

	var first domain.StreamChunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("first event not chunk JSON: %v", err)
	}
	if first.Choices[0].Delta.Content != "hel" {
		t.Errorf("first delta = %q", first.Choices[0].Delta.Content)
	}
}

func TestStreamErrorNeverDroppedForDone(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.streamFn = func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (<-chan domain.StreamChunk, <-chan error) {
		chunks := make(chan domain.StreamChunk, 1)
		errs := make(chan error, 1)
		chunks <- domain.StreamChunk{ID: "s", Object: "chat.completion.chunk", Choices: []domain.Choice{{Delta: &domain.Delta{Content: "par"}}}}
		errs <- &domain.StreamError{Provider: "fake", Err: errors.New("connection reset")}
		close(chunks)
		close(errs)
		return chunks, errs
	}

	// The relay delivers the error and channel closes near-simultaneously;
	// repeat to cover both select orderings.
	for i := 0; i < 200; i++ {
		w := postJSON(t, env.handler, "/v1/chat/completions", completionBody("fake/model-a", true), nil)
		body := w.Body.String()
		if strings.Contains(body, "[DONE]") {
			t.Fatalf("run %d: clean termination despite mid-stream error:\n%s", i, body)
		}
		if !strings.Contains(body, "stream_error") {
			t.Fatalf("run %d: no error event emitted:\n%s", i, body)
		}
	}
}

func TestRouteEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env.handler, "/v1/route", map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "Summarize this article"}},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp domain.RouteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Difficulty != domain.DifficultySimple {
		t.Errorf("difficulty = %s, want simple", resp.Difficulty)
	}
	if len(resp.FallbackChain) == 0 {
		t.Error("no fallback chain")
	}
}

func TestModelsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	var resp domain.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Data[0].ID != "fake/model-a" || resp.Data[0].OwnedBy != "fake" {
		t.Errorf("model = %+v", resp.Data[0])
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	postJSON(t, env.handler, "/v1/chat/completions", completionBody("fake/model-a", false), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	var resp domain.StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalRequests != 1 || resp.RequestsByProvider["fake"] != 1 {
		t.Errorf("stats = %+v", resp)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "healthy" {
		t.Errorf("health = %+v", resp)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	env := newTestEnv(t, "gw-key-1")

	w := postJSON(t, env.handler, "/v1/chat/completions", completionBody("fake/model-a", false), nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	w = postJSON(t, env.handler, "/v1/chat/completions", completionBody("fake/model-a", false), map[string]string{
		"Authorization": "Bearer wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}

	w = postJSON(t, env.handler, "/v1/chat/completions", completionBody("fake/model-a", false), map[string]string{
		"Authorization": "Bearer gw-key-1",
	})
	if w.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", w.Code)
	}

	w = postJSON(t, env.handler, "/v1/chat/completions", completionBody("fake/model-a", false), map[string]string{
		"X-API-Key": "gw-key-1",
	})
	if w.Code != http.StatusOK {
		t.Errorf("X-API-Key: status = %d, want 200", w.Code)
	}
}

func TestRegisterLoginAndStoredKeys(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(t, env.handler, "/v1/auth/register", map[string]string{
		"email":    "dev@example.com",
		"password": "hunter2!",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, body = %s", w.Code, w.Body.String())
	}
	var reg map[string]string
	json.Unmarshal(w.Body.Bytes(), &reg)
	apiKey := reg["api_key"]
	if !strings.HasPrefix(apiKey, "tr-") {
		t.Fatalf("api_key = %q", apiKey)
	}

	w = postJSON(t, env.handler, "/v1/auth/login", map[string]string{
		"email":    "dev@example.com",
		"password": "hunter2!",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body = %s", w.Code, w.Body.String())
	}
	var login map[string]string
	json.Unmarshal(w.Body.Bytes(), &login)
	if login["token"] == "" {
		t.Fatal("login returned no token")
	}

	auth := map[string]string{"Authorization": "Bearer " + apiKey}

	// Store a provider key, then the gateway resolves it for dispatch.
	w = postJSON(t, env.handler, "/v1/settings/keys/openai", map[string]string{"key": "sk-stored"}, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("put key: status = %d, body = %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/settings/keys", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list keys: status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-stored") {
		t.Error("plaintext or ciphertext key leaked in listing")
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/settings/keys/openai", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete key: status = %d, want 204", rec.Code)
	}
}

func TestSettingsRequireUser(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/settings/keys", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous settings access: status = %d, want 401", w.Code)
	}
}
