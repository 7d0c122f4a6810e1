package users

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tokenrouter/gateway/internal/crypto"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	vault, err := crypto.NewKeyVault("test-key")
	if err != nil {
		t.Fatalf("NewKeyVault: %v", err)
	}
	return NewService(NewInMemoryStore(), vault, "jwt-secret", time.Hour)
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user, apiKey, err := s.Register(ctx, "dev@example.com", "Dev", "hunter2!")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !strings.HasPrefix(apiKey, "tr-") {
		t.Errorf("api key = %q, want tr- prefix", apiKey)
	}
	if user.PasswordHash == "hunter2!" {
		t.Error("password stored in plaintext")
	}
	if user.APIKeyHash == apiKey {
		t.Error("api key stored in plaintext")
	}

	token, err := s.Login(ctx, "dev@example.com", "hunter2!")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	authed, err := s.AuthenticateToken(ctx, token)
	if err != nil {
		t.Fatalf("AuthenticateToken: %v", err)
	}
	if authed.ID != user.ID {
		t.Errorf("token resolves to %q, want %q", authed.ID, user.ID)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, _, err := s.Register(ctx, "dev@example.com", "Dev", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := s.Register(ctx, "dev@example.com", "Other", "pw2"); err != ErrEmailTaken {
		t.Errorf("duplicate register error = %v, want ErrEmailTaken", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	s.Register(ctx, "dev@example.com", "Dev", "correct")
	if _, err := s.Login(ctx, "dev@example.com", "wrong"); err != ErrInvalidPassword {
		t.Errorf("error = %v, want ErrInvalidPassword", err)
	}
	if _, err := s.Login(ctx, "nobody@example.com", "x"); err != ErrUserNotFound {
		t.Errorf("error = %v, want ErrUserNotFound", err)
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user, apiKey, _ := s.Register(ctx, "dev@example.com", "Dev", "pw")

	authed, err := s.AuthenticateAPIKey(ctx, apiKey)
	if err != nil {
		t.Fatalf("AuthenticateAPIKey: %v", err)
	}
	if authed.ID != user.ID {
		t.Errorf("resolved %q, want %q", authed.ID, user.ID)
	}

	if _, err := s.AuthenticateAPIKey(ctx, "tr-bogus"); err == nil {
		t.Error("bogus key authenticated")
	}
}

func TestAuthenticateTokenRejectsGarbage(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.AuthenticateToken(ctx, "not.a.jwt"); err != ErrInvalidToken {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

func TestProviderKeyRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user, _, _ := s.Register(ctx, "dev@example.com", "Dev", "pw")

	stored, err := s.StoreProviderKey(ctx, user.ID, "openai", "sk-live-123", "work key")
	if err != nil {
		t.Fatalf("StoreProviderKey: %v", err)
	}
	if stored.EncryptedKey == "sk-live-123" {
		t.Error("provider key stored in plaintext")
	}

	secret, err := s.ProviderKey(ctx, user.ID, "openai")
	if err != nil {
		t.Fatalf("ProviderKey: %v", err)
	}
	if secret != "sk-live-123" {
		t.Errorf("decrypted key = %q", secret)
	}

	// Upsert replaces.
	s.StoreProviderKey(ctx, user.ID, "openai", "sk-live-456", "")
	secret, _ = s.ProviderKey(ctx, user.ID, "openai")
	if secret != "sk-live-456" {
		t.Errorf("after upsert = %q, want sk-live-456", secret)
	}

	keys, _ := s.ListProviderKeys(ctx, user.ID)
	if len(keys) != 1 {
		t.Errorf("listed %d keys, want 1", len(keys))
	}

	if err := s.DeleteProviderKey(ctx, user.ID, "openai"); err != nil {
		t.Fatalf("DeleteProviderKey: %v", err)
	}
	if _, err := s.ProviderKey(ctx, user.ID, "openai"); err != ErrKeyNotFound {
		t.Errorf("after delete error = %v, want ErrKeyNotFound", err)
	}
}
