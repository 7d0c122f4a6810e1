package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tokenrouter/gateway/internal/users"
)

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// requireAuth admits requests carrying a configured gateway API key, a
// registered user's API key, or a JWT. With no gateway keys configured the
// endpoint is open (dev mode) and the user id is resolved best-effort.
func (h *Handler) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractAPIKey(r)

		userID := h.identify(r, token)
		if len(h.apiKeys) == 0 {
			next(w, r, userID)
			return
		}

		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if h.apiKeys[token] || userID != "" {
			next(w, r, userID)
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid API key")
	}
}

// requireUser admits only requests resolving to a registered user.
func (h *Handler) requireUser(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := h.identify(r, extractAPIKey(r))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, userID)
	}
}

// identify resolves a bearer credential to a user id, trying it as a gateway
// user API key first and as a JWT second. Returns "" when anonymous.
func (h *Handler) identify(r *http.Request, token string) string {
	if h.users == nil || token == "" {
		return ""
	}
	if user, err := h.users.AuthenticateAPIKey(r.Context(), token); err == nil {
		return user.ID
	}
	if user, err := h.users.AuthenticateToken(r.Context(), token); err == nil {
		return user.ID
	}
	return ""
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, apiKey, err := h.users.Register(r.Context(), body.Email, body.DisplayName, body.Password)
	if err != nil {
		if err == users.ErrEmailTaken {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("register failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"user_id": user.ID,
		"email":   user.Email,
		"api_key": apiKey,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.users.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request, userID string) {
	keys, err := h.users.ListProviderKeys(r.Context(), userID)
	if err != nil {
		h.logger.Error("list provider keys failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Ciphertext never leaves the server.
	out := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]interface{}{
			"provider":   k.Provider,
			"label":      k.Label,
			"created_at": k.CreatedAt,
			"updated_at": k.UpdatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"keys": out})
}

func (h *Handler) handlePutKey(w http.ResponseWriter, r *http.Request, userID string) {
	provider := r.PathValue("provider")
	if _, ok := byokHeaders[provider]; !ok {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	var body struct {
		Key   string `json:"key"`
		Label string `json:"label,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	if _, err := h.users.StoreProviderKey(r.Context(), userID, provider, body.Key, body.Label); err != nil {
		h.logger.Error("store provider key failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"provider": provider, "status": "stored"})
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request, userID string) {
	provider := r.PathValue("provider")

	if err := h.users.DeleteProviderKey(r.Context(), userID, provider); err != nil {
		if err == users.ErrKeyNotFound {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("delete provider key failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
