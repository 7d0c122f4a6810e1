package gateway

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/tokenrouter/gateway/internal/domain"
	"github.com/tokenrouter/gateway/internal/intent"
	"github.com/tokenrouter/gateway/internal/ratelimit"
	"github.com/tokenrouter/gateway/internal/registry"
	"github.com/tokenrouter/gateway/internal/router"
	"github.com/tokenrouter/gateway/internal/stats"
)

// fakeAdapter serves a configurable catalog with function-field behavior.
type fakeAdapter struct {
	name     string
	models   []domain.ModelInfo
	chatFn   func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error)
	streamFn func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (<-chan domain.StreamChunk, <-chan error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) ChatCompletion(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
	return f.chatFn(ctx, req, key)
}

func (f *fakeAdapter) ChatCompletionStream(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (<-chan domain.StreamChunk, <-chan error) {
	return f.streamFn(ctx, req, key)
}

func (f *fakeAdapter) ResolveNativeModel(name string) string { return name }

func (f *fakeAdapter) Pricing(name string) domain.TokenPricing {
	return domain.TokenPricing{InputPerMTok: 1, OutputPerMTok: 2}
}

func (f *fakeAdapter) Models() []domain.ModelInfo { return f.models }

func okResponse(model string) *domain.ChatResponse {
	return &domain.ChatResponse{
		ID:      domain.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{Index: 0, Message: &domain.Message{Role: "assistant", Content: "ok"}, FinishReason: "stop"},
		},
		Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func retryableErr(provider string) error {
	return &domain.ProviderError{Provider: provider, Status: 503, Message: "unavailable", Retryable: true}
}

func newTestGateway(t *testing.T, adapters ...*fakeAdapter) (*Gateway, *stats.InMemoryStore) {
	t.Helper()

	reg := registry.New()
	for _, a := range adapters {
		reg.Register(a)
	}

	store := stats.NewInMemoryStore()
	keys := map[string]string{}
	for _, a := range adapters {
		keys[a.name] = "server-key-" + a.name
	}

	gw := New(Options{
		Registry:    reg,
		Router:      router.New(reg, intent.NoopDetector{}),
		Limiter:     ratelimit.NewInMemoryRateLimiter(),
		Stats:       store,
		DefaultKeys: keys,
		RateLimit:   0, // disabled unless a test opts in
		Logger:      slog.Default(),
	})
	return gw, store
}

func simpleModels(provider string, names ...string) []domain.ModelInfo {
	models := make([]domain.ModelInfo, 0, len(names))
	for i, n := range names {
		models = append(models, domain.ModelInfo{
			ID:          provider + "/" + n,
			Name:        n,
			Provider:    provider,
			MaxTokens:   8192,
			Pricing:     domain.TokenPricing{InputPerMTok: float64(i + 1), OutputPerMTok: float64(i + 1)},
			QualityTier: 2,
		})
	}
	return models
}

func chatRequest(model string) Request {
	return Request{
		Chat: domain.ChatRequest{
			Model:    model,
			Messages: []domain.Message{{Role: "user", Content: "hello"}},
		},
		UserID: "u1",
	}
}

func TestKeyResolutionPrecedence(t *testing.T) {
	adapter := &fakeAdapter{name: "p", models: simpleModels("p", "m")}
	gw, _ := newTestGateway(t, adapter)

	tests := []struct {
		name       string
		headerKeys map[string]string
		stored     map[string]string
		wantSecret string
		wantSource domain.KeySource
	}{
		{
			name:       "header wins over stored and server",
			headerKeys: map[string]string{"p": "header-key"},
			stored:     map[string]string{"p": "stored-key"},
			wantSecret: "header-key",
			wantSource: domain.KeySourceHeader,
		},
		{
			name:       "stored wins over server",
			stored:     map[string]string{"p": "stored-key"},
			wantSecret: "stored-key",
			wantSource: domain.KeySourceStored,
		},
		{
			name:       "server default last",
			wantSecret: "server-key-p",
			wantSource: domain.KeySourceServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw.storedKeys = stubKeyLookup(tt.stored)
			req := chatRequest("p/m")
			req.HeaderKeys = tt.headerKeys

			key, err := gw.ResolveKey(context.Background(), req, "p")
			if err != nil {
				t.Fatalf("ResolveKey: %v", err)
			}
			if key.Secret != tt.wantSecret || key.Source != tt.wantSource {
				t.Errorf("key = %+v, want secret %q source %q", key, tt.wantSecret, tt.wantSource)
			}
		})
	}
}

type stubKeyLookup map[string]string

func (s stubKeyLookup) ProviderKey(ctx context.Context, userID, provider string) (string, error) {
	if k, ok := s[provider]; ok {
		return k, nil
	}
	return "", errors.New("not found")
}

func TestKeyResolutionAuthError(t *testing.T) {
	adapter := &fakeAdapter{name: "p", models: simpleModels("p", "m")}
	gw, _ := newTestGateway(t, adapter)
	gw.defaultKeys = map[string]string{}

	_, err := gw.ResolveKey(context.Background(), chatRequest("p/m"), "p")
	var authErr *domain.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %T, want *domain.AuthError", err)
	}
}

func TestChatCompletionSuccess(t *testing.T) {
	adapter := &fakeAdapter{
		name:   "p",
		models: simpleModels("p", "m"),
		chatFn: func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
			if req.Model != "m" {
				t.Errorf("adapter got model %q, want bare name", req.Model)
			}
			if key.Secret != "server-key-p" {
				t.Errorf("key = %q", key.Secret)
			}
			return okResponse("p/m"), nil
		},
	}
	gw, store := newTestGateway(t, adapter)

	resp, err := gw.ChatCompletion(context.Background(), chatRequest("p/m"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.CostUSD == nil || *resp.CostUSD <= 0 {
		t.Errorf("cost not attached: %v", resp.CostUSD)
	}
	if resp.Provider != "p" {
		t.Errorf("provider = %q", resp.Provider)
	}

	snap, _ := store.Snapshot(context.Background())
	if snap.TotalRequests != 1 || snap.Failures != 0 {
		t.Errorf("stats = %+v", snap)
	}
	if snap.TotalTokens != 15 {
		t.Errorf("tokens = %d, want 15", snap.TotalTokens)
	}
}

func TestFallbackExhaustion(t *testing.T) {
	// First two chain candidates fail retryably, third succeeds: at most
	// three dispatches, third response returned.
	dispatches := 0
	adapter := &fakeAdapter{
		name:   "p",
		models: simpleModels("p", "m1", "m2", "m3"),
		chatFn: func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
			dispatches++
			if req.Model == "m3" {
				return okResponse("p/m3"), nil
			}
			return nil, retryableErr("p")
		},
	}
	gw, store := newTestGateway(t, adapter)

	resp, err := gw.ChatCompletion(context.Background(), chatRequest("p/m1"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if dispatches != 3 {
		t.Errorf("dispatches = %d, want 3", dispatches)
	}
	if resp.Model != "p/m3" {
		t.Errorf("model = %q, want p/m3", resp.Model)
	}

	snap, _ := store.Snapshot(context.Background())
	if snap.Failures != 2 {
		t.Errorf("failures recorded = %d, want 2", snap.Failures)
	}
}

func TestFallbackSkipsFailedModel(t *testing.T) {
	var models []string
	adapter := &fakeAdapter{
		name:   "p",
		models: simpleModels("p", "m1", "m2"),
		chatFn: func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
			models = append(models, req.Model)
			return nil, retryableErr("p")
		},
	}
	gw, _ := newTestGateway(t, adapter)

	_, err := gw.ChatCompletion(context.Background(), chatRequest("p/m1"))
	if err == nil {
		t.Fatal("want error after chain exhaustion")
	}

	// m1 failed first, so the chain walk must not attempt it again.
	if len(models) != 2 || models[0] != "m1" || models[1] != "m2" {
		t.Errorf("dispatch sequence = %v, want [m1 m2]", models)
	}
}

func TestNonRetryableErrorNoFallback(t *testing.T) {
	dispatches := 0
	adapter := &fakeAdapter{
		name:   "p",
		models: simpleModels("p", "m1", "m2"),
		chatFn: func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
			dispatches++
			return nil, &domain.ProviderError{Provider: "p", Status: 400, Message: "bad request", Retryable: false}
		},
	}
	gw, _ := newTestGateway(t, adapter)

	_, err := gw.ChatCompletion(context.Background(), chatRequest("p/m1"))
	if err == nil {
		t.Fatal("want error")
	}
	if dispatches != 1 {
		t.Errorf("dispatches = %d, want 1 (no fallback on non-retryable)", dispatches)
	}
}

func TestInvalidModelPreDispatch(t *testing.T) {
	adapter := &fakeAdapter{name: "p", models: simpleModels("p", "m")}
	gw, _ := newTestGateway(t, adapter)

	_, err := gw.ChatCompletion(context.Background(), chatRequest("nope/m"))
	var modelErr *domain.InvalidModelError
	if !errors.As(err, &modelErr) {
		t.Fatalf("error = %T, want *domain.InvalidModelError", err)
	}
}

func TestBudgetExceededPreDispatch(t *testing.T) {
	dispatches := 0
	adapter := &fakeAdapter{
		name:   "p",
		models: simpleModels("p", "m"),
		chatFn: func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
			dispatches++
			return okResponse("p/m"), nil
		},
	}
	gw, _ := newTestGateway(t, adapter)

	req := chatRequest("p/m")
	tiny := 0.0000000001
	req.Chat.BudgetCap = &tiny

	_, err := gw.ChatCompletion(context.Background(), req)
	var budgetErr *domain.BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("error = %T, want *domain.BudgetExceededError", err)
	}
	if dispatches != 0 {
		t.Errorf("dispatched %d times despite budget rejection", dispatches)
	}
}

func TestRateLimitPreDispatch(t *testing.T) {
	dispatches := 0
	adapter := &fakeAdapter{
		name:   "p",
		models: simpleModels("p", "m"),
		chatFn: func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
			dispatches++
			return okResponse("p/m"), nil
		},
	}
	gw, _ := newTestGateway(t, adapter)
	gw.rateLimitRPM = 2

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := gw.ChatCompletion(ctx, chatRequest("p/m")); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	_, err := gw.ChatCompletion(ctx, chatRequest("p/m"))
	var rateErr *domain.RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("error = %T, want *domain.RateLimitError", err)
	}
	if dispatches != 2 {
		t.Errorf("dispatches = %d, want 2", dispatches)
	}
}

func TestAutoRouteSelectsFirstCandidate(t *testing.T) {
	var gotModel string
	adapters := []*fakeAdapter{
		{name: "groq"},
		{name: "deepseek"},
	}
	chatFn := func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (*domain.ChatResponse, error) {
		gotModel = req.Model
		return okResponse(req.Model), nil
	}
	adapters[0].models = []domain.ModelInfo{
		{ID: "groq/llama-3.3-70b", Provider: "groq", Pricing: domain.TokenPricing{InputPerMTok: 0.59, OutputPerMTok: 0.79}, QualityTier: 3},
		{ID: "groq/mixtral-8x7b", Provider: "groq", Pricing: domain.TokenPricing{InputPerMTok: 0.24, OutputPerMTok: 0.24}, QualityTier: 3},
	}
	adapters[1].models = []domain.ModelInfo{
		{ID: "deepseek/deepseek-v3", Provider: "deepseek", Pricing: domain.TokenPricing{InputPerMTok: 0.27, OutputPerMTok: 1.10}, QualityTier: 2},
	}
	adapters[0].chatFn = chatFn
	adapters[1].chatFn = chatFn

	gw, _ := newTestGateway(t, adapters[0], adapters[1])

	req := chatRequest("auto")
	req.Chat.Messages = []domain.Message{{Role: "user", Content: "Summarize this article"}}

	if _, err := gw.ChatCompletion(context.Background(), req); err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	// "summarize" routes simple; the simple bucket starts with
	// groq/llama-3.3-70b.
	if gotModel != "llama-3.3-70b" {
		t.Errorf("dispatched model = %q, want llama-3.3-70b", gotModel)
	}
}

func TestStreamOrderPreserved(t *testing.T) {
	adapter := &fakeAdapter{
		name:   "p",
		models: simpleModels("p", "m"),
		streamFn: func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (<-chan domain.StreamChunk, <-chan error) {
			chunks := make(chan domain.StreamChunk, 4)
			errs := make(chan error, 1)
			for _, content := range []string{"c1", "c2", "c3"} {
				chunks <- domain.StreamChunk{
					ID:      "s",
					Choices: []domain.Choice{{Delta: &domain.Delta{Content: content}}},
				}
			}
			chunks <- domain.StreamChunk{
				ID:      "s",
				Choices: []domain.Choice{{Delta: &domain.Delta{}, FinishReason: "stop"}},
			}
			close(chunks)
			close(errs)
			return chunks, errs
		},
	}
	gw, store := newTestGateway(t, adapter)

	chunks, errs, err := gw.ChatCompletionStream(context.Background(), chatRequest("p/m"))
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var got []string
	var terminal bool
	for chunk := range chunks {
		if chunk.Terminal() {
			terminal = true
			continue
		}
		got = append(got, chunk.Choices[0].Delta.Content)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(got) != 3 || got[0] != "c1" || got[1] != "c2" || got[2] != "c3" {
		t.Errorf("relay order = %v, want [c1 c2 c3]", got)
	}
	if !terminal {
		t.Error("terminal chunk not relayed")
	}

	snap, _ := store.Snapshot(context.Background())
	if snap.TotalRequests != 1 || snap.Failures != 0 {
		t.Errorf("stream not recorded: %+v", snap)
	}
}

func TestStreamErrorNeverRetries(t *testing.T) {
	streams := 0
	adapter := &fakeAdapter{
		name:   "p",
		models: simpleModels("p", "m1", "m2"),
		streamFn: func(ctx context.Context, req domain.ChatRequest, key domain.ResolvedKey) (<-chan domain.StreamChunk, <-chan error) {
			streams++
			chunks := make(chan domain.StreamChunk, 1)
			errs := make(chan error, 1)
			chunks <- domain.StreamChunk{ID: "s", Choices: []domain.Choice{{Delta: &domain.Delta{Content: "partial"}}}}
			errs <- &domain.StreamError{Provider: "p", Err: errors.New("connection reset")}
			close(chunks)
			close(errs)
			return chunks, errs
		},
	}
	gw, store := newTestGateway(t, adapter)

	chunks, errs, err := gw.ChatCompletionStream(context.Background(), chatRequest("p/m1"))
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	for range chunks {
	}
	streamErr := <-errs
	var se *domain.StreamError
	if !errors.As(streamErr, &se) {
		t.Fatalf("error = %T, want *domain.StreamError", streamErr)
	}
	if streams != 1 {
		t.Errorf("streams opened = %d, want 1 (no retry)", streams)
	}

	snap, _ := store.Snapshot(context.Background())
	if snap.Failures != 1 {
		t.Errorf("failure not recorded: %+v", snap)
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&domain.AuthError{Provider: "p"}, "auth"},
		{&domain.InvalidModelError{Model: "x"}, "invalid_model"},
		{retryableErr("p"), "provider"},
		{&domain.BudgetExceededError{}, "budget"},
		{&domain.RateLimitError{}, "rate_limit"},
		{&domain.StreamError{Provider: "p", Err: errors.New("x")}, "stream"},
		{context.Canceled, "canceled"},
		{errors.New("weird"), "internal"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := errorType(tt.err); got != tt.want {
			t.Errorf("errorType(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
