package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authserver/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// TestClientSecret is the plaintext secret of GenerateTestClient
const TestClientSecret = "test-client-secret"

var (
	testSecretHashOnce sync.Once
	testSecretHash     string
)

// TestClientSecretHash returns a bcrypt hash of TestClientSecret at minimum cost
func TestClientSecretHash() string {
	testSecretHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("failed to hash test secret: %v", err))
		}
		testSecretHash = string(h)
	})
	return testSecretHash
}

// GenerateTestClient creates a confidential test client allowed every grant
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientSecretHash:        TestClientSecretHash(),
		ClientType:              "confidential",
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "client_credentials", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"openid", "email", "profile", "offline_access"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestAuthorizationCode creates an unexpired code bound to the test client
func GenerateTestAuthorizationCode(now time.Time) *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            "test-client-id",
		RedirectURI:         "https://example.com/callback",
		Scopes:              []string{"openid", "email"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Subject:             "test-user-123",
		AuthTime:            now,
		IssuedAt:            now,
		ExpiresAt:           now.Add(60 * time.Second),
	}
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 challenge and verifier pair.
// Returns (challenge, verifier).
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}
