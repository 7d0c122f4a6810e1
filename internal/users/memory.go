package users

import (
	"context"
	"sync"

	"github.com/tokenrouter/gateway/internal/domain"
)

type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]*domain.User
	// userID -> provider -> key
	keys map[string]map[string]*domain.ProviderKey
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]*domain.User),
		keys:  make(map[string]map[string]*domain.ProviderKey),
	}
}

func (r *InMemoryStore) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
	return nil
}

func (r *InMemoryStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (r *InMemoryStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *InMemoryStore) GetByAPIKeyHash(ctx context.Context, hash string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.APIKeyHash == hash {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *InMemoryStore) UpsertProviderKey(ctx context.Context, userID string, key *domain.ProviderKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys[userID] == nil {
		r.keys[userID] = make(map[string]*domain.ProviderKey)
	}
	r.keys[userID][key.Provider] = key
	return nil
}

func (r *InMemoryStore) GetProviderKey(ctx context.Context, userID, provider string) (*domain.ProviderKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[userID][provider]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

func (r *InMemoryStore) ListProviderKeys(ctx context.Context, userID string) ([]*domain.ProviderKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]*domain.ProviderKey, 0, len(r.keys[userID]))
	for _, k := range r.keys[userID] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (r *InMemoryStore) DeleteProviderKey(ctx context.Context, userID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[userID][provider]; !ok {
		return ErrKeyNotFound
	}
	delete(r.keys[userID], provider)
	return nil
}
