// Package api is the HTTP surface of the gateway: the OpenAI-shaped
// completion endpoints, routing preview, catalog, stats, account and
// BYOK-key management, health, and metrics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokenrouter/gateway/internal/domain"
	"github.com/tokenrouter/gateway/internal/gateway"
	"github.com/tokenrouter/gateway/internal/registry"
	"github.com/tokenrouter/gateway/internal/stats"
	"github.com/tokenrouter/gateway/internal/users"
)

const version = "1.0.0"

// BYOK headers, one per provider. A present header overrides every other key
// source for that provider on this request only.
var byokHeaders = map[string]string{
	"openai":    "X-OpenAI-Key",
	"anthropic": "X-Anthropic-Key",
	"groq":      "X-Groq-Key",
	"google":    "X-Google-Key",
	"deepseek":  "X-DeepSeek-Key",
}

type HandlerConfig struct {
	Gateway  *gateway.Gateway
	Registry *registry.Registry
	Stats    stats.Store
	Users    *users.Service // optional; nil disables account endpoints
	// Gateway API keys. Empty means open/dev mode.
	APIKeys []string
	Logger  *slog.Logger
}

type Handler struct {
	gateway  *gateway.Gateway
	registry *registry.Registry
	stats    stats.Store
	users    *users.Service
	apiKeys  map[string]bool
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	apiKeys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		apiKeys[k] = true
	}

	h := &Handler{
		gateway:  cfg.Gateway,
		registry: cfg.Registry,
		stats:    cfg.Stats,
		users:    cfg.Users,
		apiKeys:  apiKeys,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.requireAuth(h.handleChatCompletions))
	h.mux.HandleFunc("POST /v1/route", h.requireAuth(h.handleRoute))
	h.mux.HandleFunc("GET /v1/models", h.requireAuth(h.handleListModels))
	h.mux.HandleFunc("GET /v1/stats", h.requireAuth(h.handleStats))
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	if h.users != nil {
		h.mux.HandleFunc("POST /v1/auth/register", h.handleRegister)
		h.mux.HandleFunc("POST /v1/auth/login", h.handleLogin)
		h.mux.HandleFunc("GET /v1/settings/keys", h.requireUser(h.handleListKeys))
		h.mux.HandleFunc("PUT /v1/settings/keys/{provider}", h.requireUser(h.handlePutKey))
		h.mux.HandleFunc("DELETE /v1/settings/keys/{provider}", h.requireUser(h.handleDeleteKey))
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request, userID string) {
	ctx := r.Context()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var chat domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&chat); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if chat.Model == "" || len(chat.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	req := gateway.Request{
		Chat:       chat,
		HeaderKeys: extractProviderKeys(r),
		UserID:     userID,
		RateKey:    rateKey(r, userID),
	}

	if chat.Stream {
		h.handleStreamingResponse(w, r, req, requestID)
		return
	}

	start := time.Now()
	resp, err := h.gateway.ChatCompletion(ctx, req)
	if err != nil {
		h.logger.Warn("completion failed",
			slog.String("request_id", requestID),
			slog.String("model", chat.Model),
			slog.Any("error", err),
		)
		writeDomainError(w, err)
		return
	}

	h.logger.Info("request completed",
		slog.String("request_id", requestID),
		slog.String("provider", resp.Provider),
		slog.String("model", resp.Model),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStreamingResponse(w http.ResponseWriter, r *http.Request, req gateway.Request, requestID string) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	chunks, errs, err := h.gateway.ChatCompletionStream(ctx, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", requestID)

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// The error channel is buffered and may hold a failure
				// delivered just before both channels closed. A queued
				// error always wins over a clean termination.
				if streamErr := pendingStreamErr(errs); streamErr != nil {
					h.writeStreamError(w, flusher, requestID, streamErr)
					return
				}
				w.Write([]byte("data: [DONE]\n\n"))
				flusher.Flush()
				return
			}
			data, _ := json.Marshal(chunk)
			w.Write([]byte("data: " + string(data) + "\n\n"))
			flusher.Flush()

		case streamErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if streamErr != nil {
				h.writeStreamError(w, flusher, requestID, streamErr)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// pendingStreamErr drains a queued error without blocking. A nil or closed
// channel yields nil.
func pendingStreamErr(errs <-chan error) error {
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func (h *Handler) writeStreamError(w http.ResponseWriter, flusher http.Flusher, requestID string, streamErr error) {
	h.logger.Error("streaming error",
		slog.String("request_id", requestID),
		slog.Any("error", streamErr),
	)
	event, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"message": streamErr.Error(),
			"type":    "stream_error",
		},
	})
	w.Write([]byte("data: " + string(event) + "\n\n"))
	flusher.Flush()
}

func (h *Handler) handleRoute(w http.ResponseWriter, r *http.Request, userID string) {
	var body struct {
		Messages  []domain.Message `json:"messages"`
		BudgetCap *float64         `json:"budget_cap,omitempty"`
		Prefer    string           `json:"prefer,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	decision := h.gateway.Route(r.Context(), body.Messages, body.BudgetCap, body.Prefer)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.gateway.RouteResponse(decision))
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request, userID string) {
	infos := h.registry.List()
	models := make([]domain.Model, 0, len(infos))
	for _, info := range infos {
		models = append(models, domain.Model{
			ID:          info.ID,
			Object:      "model",
			OwnedBy:     info.Provider,
			Pricing:     info.Pricing,
			QualityTier: info.QualityTier,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.ModelsResponse{Object: "list", Data: models})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, userID string) {
	snapshot, err := h.stats.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("stats snapshot failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]bool)
	for _, info := range h.registry.List() {
		providers[info.Provider] = true
	}
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"version":   version,
		"providers": names,
		"models":    len(h.registry.List()),
	})
}

// extractProviderKeys pulls the per-request BYOK headers. The returned map is
// request-scoped and never persisted.
func extractProviderKeys(r *http.Request) map[string]string {
	keys := make(map[string]string)
	for provider, header := range byokHeaders {
		if value := r.Header.Get(header); value != "" {
			keys[provider] = value
		}
	}
	return keys
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func rateKey(r *http.Request, userID string) string {
	if userID != "" {
		return userID
	}
	if key := extractAPIKey(r); key != "" {
		return key
	}
	return r.RemoteAddr
}

func writeDomainError(w http.ResponseWriter, err error) {
	var (
		authErr   *domain.AuthError
		modelErr  *domain.InvalidModelError
		provErr   *domain.ProviderError
		budgetErr *domain.BudgetExceededError
		rateErr   *domain.RateLimitError
	)
	switch {
	case errors.As(err, &authErr):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &modelErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &budgetErr):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", rateErr.ResetAt.UTC().Format(http.TimeFormat))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &provErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
