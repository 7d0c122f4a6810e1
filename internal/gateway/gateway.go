// Package gateway orchestrates the lifecycle of a chat-completion request:
// credential resolution, budget and rate pre-checks, routing, dispatch to a
// provider adapter, the non-streaming fallback walk, and stats recording.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tokenrouter/gateway/internal/budget"
	"github.com/tokenrouter/gateway/internal/domain"
	"github.com/tokenrouter/gateway/internal/metrics"
	"github.com/tokenrouter/gateway/internal/ratelimit"
	"github.com/tokenrouter/gateway/internal/registry"
	"github.com/tokenrouter/gateway/internal/router"
	"github.com/tokenrouter/gateway/internal/stats"
	"github.com/tokenrouter/gateway/internal/telemetry"
)

// Rough prompt-size heuristic used only for budget estimates, not billing.
const charsPerToken = 4

// Expected completion size when the request does not set max_tokens.
const defaultEstimatedOutputTokens = 500

// StoredKeyLookup returns a user's stored BYOK credential for a provider, or
// an error when none exists. Satisfied by users.Service.
type StoredKeyLookup interface {
	ProviderKey(ctx context.Context, userID, provider string) (string, error)
}

// Request is one inbound chat-completion call with its request-scoped
// credentials. HeaderKeys maps provider name to the BYOK header value and must
// not be retained past the request.
type Request struct {
	Chat       domain.ChatRequest
	HeaderKeys map[string]string
	UserID     string
	// RateKey identifies the caller for rate limiting. Falls back to UserID.
	RateKey string
}

func (r Request) rateKey() string {
	if r.RateKey != "" {
		return r.RateKey
	}
	if r.UserID != "" {
		return r.UserID
	}
	return "anonymous"
}

type Gateway struct {
	registry     *registry.Registry
	router       *router.Router
	limiter      ratelimit.RateLimiter
	stats        stats.Store
	budget       *budget.Monitor
	storedKeys   StoredKeyLookup
	defaultKeys  map[string]string
	rateLimitRPM int
	logger       *slog.Logger
}

type Options struct {
	Registry    *registry.Registry
	Router      *router.Router
	Limiter     ratelimit.RateLimiter
	Stats       stats.Store
	Budget      *budget.Monitor
	StoredKeys  StoredKeyLookup // optional
	DefaultKeys map[string]string
	RateLimit   int
	Logger      *slog.Logger
}

func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry:     opts.Registry,
		router:       opts.Router,
		limiter:      opts.Limiter,
		stats:        opts.Stats,
		budget:       opts.Budget,
		storedKeys:   opts.StoredKeys,
		defaultKeys:  opts.DefaultKeys,
		rateLimitRPM: opts.RateLimit,
		logger:       logger,
	}
}

// ResolveKey finds a credential for the provider: per-request header first,
// then the user's stored key, then the server default.
func (g *Gateway) ResolveKey(ctx context.Context, req Request, provider string) (domain.ResolvedKey, error) {
	if secret, ok := req.HeaderKeys[provider]; ok && secret != "" {
		return domain.ResolvedKey{Provider: provider, Secret: secret, Source: domain.KeySourceHeader}, nil
	}
	if g.storedKeys != nil && req.UserID != "" {
		if secret, err := g.storedKeys.ProviderKey(ctx, req.UserID, provider); err == nil && secret != "" {
			return domain.ResolvedKey{Provider: provider, Secret: secret, Source: domain.KeySourceStored}, nil
		}
	}
	if secret, ok := g.defaultKeys[provider]; ok && secret != "" {
		return domain.ResolvedKey{Provider: provider, Secret: secret, Source: domain.KeySourceServer}, nil
	}
	return domain.ResolvedKey{}, &domain.AuthError{Provider: provider}
}

// Route runs the smart router for the request without dispatching.
func (g *Gateway) Route(ctx context.Context, messages []domain.Message, budgetCap *float64, prefer string) domain.RoutingDecision {
	return g.router.Route(ctx, messages, router.Constraints{BudgetCap: budgetCap, Prefer: prefer})
}

// RouteResponse builds the /v1/route payload for a decision.
func (g *Gateway) RouteResponse(decision domain.RoutingDecision) domain.RouteResponse {
	return g.router.BuildResponse(decision)
}

// ChatCompletion runs a non-streaming request end to end, walking the
// fallback chain on retryable provider errors.
func (g *Gateway) ChatCompletion(ctx context.Context, req Request) (*domain.ChatResponse, error) {
	modelID, decision, err := g.prepare(ctx, &req)
	if err != nil {
		return nil, err
	}

	attempted := map[string]bool{}
	resp, lastErr := g.dispatchOnce(ctx, req, modelID)
	attempted[modelID] = true
	if lastErr == nil {
		return resp, nil
	}
	if !domain.Retryable(lastErr) {
		return nil, lastErr
	}

	for _, candidate := range g.fallbackChain(req, decision) {
		if attempted[candidate] {
			continue
		}
		attempted[candidate] = true
		metrics.RecordFallback(modelID, candidate)
		g.logger.Warn("falling back",
			slog.String("from", modelID),
			slog.String("to", candidate),
			slog.Any("error", lastErr),
		)

		resp, err := g.dispatchOnce(ctx, req, candidate)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			break
		}
	}
	return nil, lastErr
}

// ChatCompletionStream runs a streaming request. The fallback chain is never
// walked: any upstream failure, before or after the first byte, surfaces on
// the error channel and ends the stream.
func (g *Gateway) ChatCompletionStream(ctx context.Context, req Request) (<-chan domain.StreamChunk, <-chan error, error) {
	modelID, _, err := g.prepare(ctx, &req)
	if err != nil {
		return nil, nil, err
	}

	adapter, bareName, err := g.registry.Resolve(modelID)
	if err != nil {
		return nil, nil, err
	}
	key, err := g.ResolveKey(ctx, req, adapter.Name())
	if err != nil {
		return nil, nil, err
	}

	upstream := req.Chat
	upstream.Model = bareName

	chunks, errs := adapter.ChatCompletionStream(ctx, upstream, key)

	metrics.ActiveStreams.Inc()
	out := make(chan domain.StreamChunk)
	outErrs := make(chan error, 1)
	start := time.Now()

	go func() {
		defer close(out)
		defer close(outErrs)
		defer metrics.ActiveStreams.Dec()

		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					g.recordStream(ctx, req, modelID, adapter.Name(), start, ctx.Err())
					return
				}
				if chunk.Terminal() {
					g.recordStream(ctx, req, modelID, adapter.Name(), start, nil)
					return
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					outErrs <- err
					g.recordStream(ctx, req, modelID, adapter.Name(), start, err)
					return
				}
			case <-ctx.Done():
				g.recordStream(ctx, req, modelID, adapter.Name(), start, ctx.Err())
				return
			}
		}
		g.recordStream(ctx, req, modelID, adapter.Name(), start, nil)
	}()

	return out, outErrs, nil
}

// prepare resolves the target model (routing when asked), then runs the
// pre-dispatch checks: model validity, budget cap, rate limit. No upstream
// call happens before all three pass.
func (g *Gateway) prepare(ctx context.Context, req *Request) (string, *domain.RoutingDecision, error) {
	var decision *domain.RoutingDecision

	modelID := req.Chat.Model
	if modelID == "auto" || req.Chat.AutoRoute {
		d := g.router.Route(ctx, req.Chat.Messages, router.Constraints{
			BudgetCap: req.Chat.BudgetCap,
			Prefer:    req.Chat.Prefer,
		})
		decision = &d
		modelID = d.Candidates[0]
		g.logger.Info("auto-routed",
			slog.String("model", modelID),
			slog.String("difficulty", string(d.Difficulty)),
			slog.String("intent", d.Intent),
		)
	}

	if _, _, err := g.registry.Resolve(modelID); err != nil {
		return "", nil, err
	}

	if err := g.checkBudget(*req, modelID); err != nil {
		return "", nil, err
	}

	if g.limiter != nil && g.rateLimitRPM > 0 {
		allowed, _, resetAt, err := g.limiter.Allow(ctx, req.rateKey(), g.rateLimitRPM)
		if err != nil {
			g.logger.Warn("rate limiter unavailable", slog.Any("error", err))
		} else if !allowed {
			metrics.RateLimitHits.Inc()
			return "", nil, &domain.RateLimitError{Key: req.rateKey(), ResetAt: resetAt}
		}
	}

	return modelID, decision, nil
}

// checkBudget enforces the per-request cap for an explicitly chosen model.
// Auto-routed requests already had the cap applied during candidate
// selection.
func (g *Gateway) checkBudget(req Request, modelID string) error {
	if req.Chat.BudgetCap == nil || req.Chat.Model == "auto" || req.Chat.AutoRoute {
		return nil
	}
	in, out := g.estimateTokens(req.Chat)
	estimated := g.registry.EstimateCost(modelID, in, out)
	if estimated > *req.Chat.BudgetCap {
		return &domain.BudgetExceededError{CapUSD: *req.Chat.BudgetCap, EstimatedUSD: estimated}
	}
	return nil
}

func (g *Gateway) estimateTokens(req domain.ChatRequest) (inputTokens, outputTokens int) {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	inputTokens = chars / charsPerToken
	outputTokens = defaultEstimatedOutputTokens
	if req.MaxTokens != nil {
		outputTokens = *req.MaxTokens
	}
	return inputTokens, outputTokens
}

func (g *Gateway) fallbackChain(req Request, decision *domain.RoutingDecision) []string {
	if decision != nil {
		return decision.FallbackChain
	}
	strategy := domain.StrategyBalanced
	if req.Chat.Prefer == domain.PreferQuality {
		strategy = domain.StrategyQuality
	} else if req.Chat.Prefer == domain.PreferCost {
		strategy = domain.StrategyEconomy
	}
	return g.registry.FallbackChain(strategy)
}

// dispatchOnce makes exactly one upstream attempt against modelID, recording
// stats and metrics for the outcome.
func (g *Gateway) dispatchOnce(ctx context.Context, req Request, modelID string) (*domain.ChatResponse, error) {
	adapter, bareName, err := g.registry.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	key, err := g.ResolveKey(ctx, req, adapter.Name())
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "gateway.dispatch")
	span.SetAttributes(
		attribute.String("llm.provider", adapter.Name()),
		attribute.String("llm.model", modelID),
		attribute.String("llm.key_source", string(key.Source)),
	)
	defer span.End()

	upstream := req.Chat
	upstream.Model = bareName

	start := time.Now()
	resp, err := adapter.ChatCompletion(ctx, upstream, key)
	latency := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordRequest(adapter.Name(), modelID, "error", latency.Seconds())
		metrics.RecordProviderError(adapter.Name(), errorType(err))
		g.record(ctx, req, adapter.Name(), modelID, 0, 0, 0, latency, err)
		return nil, err
	}

	cost := g.registry.EstimateCost(modelID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	resp.CostUSD = &cost
	resp.Provider = adapter.Name()

	metrics.RecordRequest(adapter.Name(), modelID, "success", latency.Seconds())
	metrics.RecordTokens(adapter.Name(), modelID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	metrics.RecordCost(adapter.Name(), modelID, cost)
	g.record(ctx, req, adapter.Name(), modelID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost, latency, nil)

	g.logger.Info("completion",
		slog.String("provider", adapter.Name()),
		slog.String("model", modelID),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Float64("cost_usd", cost),
		slog.Duration("latency", latency),
	)
	return resp, nil
}

func (g *Gateway) record(ctx context.Context, req Request, provider, modelID string, inTok, outTok int, cost float64, latency time.Duration, dispatchErr error) {
	entry := stats.Entry{
		RequestID:    domain.NewCompletionID(),
		UserID:       req.UserID,
		Provider:     provider,
		Model:        modelID,
		InputTokens:  inTok,
		OutputTokens: outTok,
		CostUSD:      cost,
		LatencyMs:    latency.Milliseconds(),
		Success:      dispatchErr == nil,
		ErrorType:    errorType(dispatchErr),
		Timestamp:    time.Now().UTC(),
	}
	if err := g.stats.Record(ctx, entry); err != nil {
		g.logger.Warn("stats record failed", slog.Any("error", err))
	}
	if g.budget != nil && req.UserID != "" && dispatchErr == nil {
		_ = g.budget.Check(ctx, req.UserID)
	}
}

func (g *Gateway) recordStream(ctx context.Context, req Request, modelID, provider string, start time.Time, streamErr error) {
	status := "success"
	if streamErr != nil {
		status = "error"
		metrics.RecordProviderError(provider, errorType(streamErr))
	}
	latency := time.Since(start)
	metrics.RecordRequest(provider, modelID, status, latency.Seconds())
	// Token counts are unknown for most streams; record the request itself.
	g.record(context.WithoutCancel(ctx), req, provider, modelID, 0, 0, 0, latency, streamErr)
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	var (
		authErr   *domain.AuthError
		modelErr  *domain.InvalidModelError
		provErr   *domain.ProviderError
		budgetErr *domain.BudgetExceededError
		rateErr   *domain.RateLimitError
		streamErr *domain.StreamError
	)
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &modelErr):
		return "invalid_model"
	case errors.As(err, &provErr):
		return "provider"
	case errors.As(err, &budgetErr):
		return "budget"
	case errors.As(err, &rateErr):
		return "rate_limit"
	case errors.As(err, &streamErr):
		return "stream"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
