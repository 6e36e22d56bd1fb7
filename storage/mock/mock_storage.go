// Package mock provides a storage implementation with injectable failures for testing.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oidc-authserver/storage"
	"github.com/giantswarm/oidc-authserver/storage/memory"
)

// Store delegates to an in-memory store unless an override func is set.
// Overrides let tests simulate an unavailable or slow backend.
type Store struct {
	*memory.Store

	mu         sync.Mutex
	CallCounts map[string]int

	GetClientFunc               func(ctx context.Context, clientID string) (*storage.Client, error)
	SaveAuthorizationCodeFunc   func(ctx context.Context, code *storage.AuthorizationCode) error
	RedeemAuthorizationCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	SaveRefreshTokenFunc        func(ctx context.Context, token *storage.RefreshToken) error
	MarkRefreshTokenUsedFunc    func(ctx context.Context, tokenHash, clientID string) (*storage.RefreshToken, error)
}

// Compile-time interface checks
var (
	_ storage.ClientStore            = (*Store)(nil)
	_ storage.AuthorizationCodeStore = (*Store)(nil)
	_ storage.RefreshTokenStore      = (*Store)(nil)
)

// New creates a mock store backed by a fresh in-memory store
func New() *Store {
	return &Store{
		Store:      memory.New(),
		CallCounts: make(map[string]int),
	}
}

func (m *Store) count(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[name]++
}

// Calls returns how often the named method was invoked
func (m *Store) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[name]
}

// GetClient calls GetClientFunc if set
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.count("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Store.GetClient(ctx, clientID)
}

// ValidateClientSecret routes through GetClient so GetClientFunc failures surface
func (m *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	m.count("ValidateClientSecret")
	if m.GetClientFunc != nil {
		if _, err := m.GetClientFunc(ctx, clientID); err != nil {
			return err
		}
	}
	return m.Store.ValidateClientSecret(ctx, clientID, clientSecret)
}

// SaveAuthorizationCode calls SaveAuthorizationCodeFunc if set
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.count("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.Store.SaveAuthorizationCode(ctx, code)
}

// RedeemAuthorizationCode calls RedeemAuthorizationCodeFunc if set
func (m *Store) RedeemAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.count("RedeemAuthorizationCode")
	if m.RedeemAuthorizationCodeFunc != nil {
		return m.RedeemAuthorizationCodeFunc(ctx, code)
	}
	return m.Store.RedeemAuthorizationCode(ctx, code)
}

// SaveRefreshToken calls SaveRefreshTokenFunc if set
func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.count("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.Store.SaveRefreshToken(ctx, token)
}

// MarkRefreshTokenUsed calls MarkRefreshTokenUsedFunc if set
func (m *Store) MarkRefreshTokenUsed(ctx context.Context, tokenHash, clientID string) (*storage.RefreshToken, error) {
	m.count("MarkRefreshTokenUsed")
	if m.MarkRefreshTokenUsedFunc != nil {
		return m.MarkRefreshTokenUsedFunc(ctx, tokenHash, clientID)
	}
	return m.Store.MarkRefreshTokenUsed(ctx, tokenHash, clientID)
}
