// Package users manages gateway accounts, their API keys and JWT sessions,
// and the per-user BYOK provider credentials stored encrypted at rest.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tokenrouter/gateway/internal/crypto"
	"github.com/tokenrouter/gateway/internal/domain"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrKeyNotFound     = errors.New("provider key not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidToken    = errors.New("invalid token")
	ErrEmailTaken      = errors.New("email already registered")
)

type Store interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*domain.User, error)

	UpsertProviderKey(ctx context.Context, userID string, key *domain.ProviderKey) error
	GetProviderKey(ctx context.Context, userID, provider string) (*domain.ProviderKey, error)
	ListProviderKeys(ctx context.Context, userID string) ([]*domain.ProviderKey, error)
	DeleteProviderKey(ctx context.Context, userID, provider string) error
}

// Service wraps a Store with password hashing, JWT issuance, and sealing of
// stored provider keys.
type Service struct {
	store     Store
	vault     *crypto.KeyVault
	jwtSecret []byte
	jwtExpiry time.Duration
}

func NewService(store Store, vault *crypto.KeyVault, jwtSecret string, jwtExpiry time.Duration) *Service {
	return &Service{
		store:     store,
		vault:     vault,
		jwtSecret: []byte(jwtSecret),
		jwtExpiry: jwtExpiry,
	}
}

// Register creates an account and returns it along with the plaintext API
// key. Only the key's hash is persisted.
func (s *Service) Register(ctx context.Context, email, displayName, password string) (*domain.User, string, error) {
	if existing, _ := s.store.GetByEmail(ctx, email); existing != nil {
		return nil, "", ErrEmailTaken
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	apiKey := "tr-" + uuid.NewString()
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(passwordHash),
		APIKeyHash:   crypto.HashAPIKey(apiKey),
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.Create(ctx, user); err != nil {
		return nil, "", err
	}
	return user, apiKey, nil
}

// Login verifies credentials and returns a signed JWT.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return "", ErrUserNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidPassword
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// AuthenticateToken validates a JWT and returns its user.
func (s *Service) AuthenticateToken(ctx context.Context, tokenString string) (*domain.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return s.store.GetByID(ctx, claims.Subject)
}

// AuthenticateAPIKey resolves a gateway API key to its user.
func (s *Service) AuthenticateAPIKey(ctx context.Context, apiKey string) (*domain.User, error) {
	return s.store.GetByAPIKeyHash(ctx, crypto.HashAPIKey(apiKey))
}

// StoreProviderKey seals and stores a BYOK credential for a provider,
// replacing any existing one.
func (s *Service) StoreProviderKey(ctx context.Context, userID, provider, plaintextKey, label string) (*domain.ProviderKey, error) {
	sealed, err := s.vault.SealProviderKey(plaintextKey)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	key := &domain.ProviderKey{
		ID:           uuid.NewString(),
		Provider:     provider,
		EncryptedKey: sealed,
		Label:        label,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.UpsertProviderKey(ctx, userID, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ProviderKey unseals and returns the user's stored credential for a
// provider, or ErrKeyNotFound.
func (s *Service) ProviderKey(ctx context.Context, userID, provider string) (string, error) {
	key, err := s.store.GetProviderKey(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	return s.vault.OpenProviderKey(key.EncryptedKey)
}

func (s *Service) ListProviderKeys(ctx context.Context, userID string) ([]*domain.ProviderKey, error) {
	return s.store.ListProviderKeys(ctx, userID)
}

func (s *Service) DeleteProviderKey(ctx context.Context, userID, provider string) error {
	return s.store.DeleteProviderKey(ctx, userID, provider)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Create(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (id, email, display_name, password_hash, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.DisplayName,
		user.PasswordHash,
		user.APIKeyHash,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getUser(ctx, `WHERE id = $1`, id)
}

func (r *PostgresStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getUser(ctx, `WHERE email = $1`, email)
}

func (r *PostgresStore) GetByAPIKeyHash(ctx context.Context, hash string) (*domain.User, error) {
	return r.getUser(ctx, `WHERE api_key_hash = $1`, hash)
}

func (r *PostgresStore) getUser(ctx context.Context, where string, arg interface{}) (*domain.User, error) {
	query := `
		SELECT id, email, display_name, password_hash, api_key_hash, created_at
		FROM users
	` + where

	var user domain.User
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.PasswordHash,
		&user.APIKeyHash,
		&user.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

func (r *PostgresStore) UpsertProviderKey(ctx context.Context, userID string, key *domain.ProviderKey) error {
	query := `
		INSERT INTO provider_keys (id, user_id, provider, encrypted_key, label, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, provider) DO UPDATE
		SET encrypted_key = EXCLUDED.encrypted_key,
		    label = EXCLUDED.label,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		userID,
		key.Provider,
		key.EncryptedKey,
		key.Label,
		key.CreatedAt,
		key.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert provider key: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetProviderKey(ctx context.Context, userID, provider string) (*domain.ProviderKey, error) {
	query := `
		SELECT id, provider, encrypted_key, label, created_at, updated_at
		FROM provider_keys
		WHERE user_id = $1 AND provider = $2
	`

	var key domain.ProviderKey
	err := r.db.QueryRowContext(ctx, query, userID, provider).Scan(
		&key.ID,
		&key.Provider,
		&key.EncryptedKey,
		&key.Label,
		&key.CreatedAt,
		&key.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query provider key: %w", err)
	}
	return &key, nil
}

func (r *PostgresStore) ListProviderKeys(ctx context.Context, userID string) ([]*domain.ProviderKey, error) {
	query := `
		SELECT id, provider, encrypted_key, label, created_at, updated_at
		FROM provider_keys
		WHERE user_id = $1
		ORDER BY provider
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query provider keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.ProviderKey
	for rows.Next() {
		var key domain.ProviderKey
		err := rows.Scan(
			&key.ID,
			&key.Provider,
			&key.EncryptedKey,
			&key.Label,
			&key.CreatedAt,
			&key.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan provider key: %w", err)
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

func (r *PostgresStore) DeleteProviderKey(ctx context.Context, userID, provider string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM provider_keys WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete provider key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}
