// Package mock provides a mock implementation of the Authenticator interface for testing.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oidc-authserver/providers"
)

// MockAuthenticator is a mock implementation of providers.Authenticator
type MockAuthenticator struct {
	// AuthenticateFunc is called when Authenticate() is invoked
	AuthenticateFunc func(ctx context.Context, username, password string) (*providers.UserInfo, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

// Compile-time interface check
var _ providers.Authenticator = (*MockAuthenticator)(nil)

// NewMockAuthenticator creates a mock that accepts any non-empty password
// and uses the username as subject.
func NewMockAuthenticator() *MockAuthenticator {
	return &MockAuthenticator{
		CallCounts: make(map[string]int),
		AuthenticateFunc: func(_ context.Context, username, password string) (*providers.UserInfo, error) {
			if username == "" || password == "" {
				return nil, providers.ErrInvalidCredentials
			}
			return &providers.UserInfo{
				Subject:  username,
				Username: username,
				Email:    username + "@example.com",
			}, nil
		},
	}
}

// Name returns "mock"
func (m *MockAuthenticator) Name() string {
	m.recordCall("Name")
	return "mock"
}

// Authenticate calls AuthenticateFunc
func (m *MockAuthenticator) Authenticate(ctx context.Context, username, password string) (*providers.UserInfo, error) {
	m.recordCall("Authenticate")
	return m.AuthenticateFunc(ctx, username, password)
}

func (m *MockAuthenticator) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// GetCallCount returns how many times a method was called
func (m *MockAuthenticator) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// ResetCallCounts clears all recorded calls
func (m *MockAuthenticator) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}
