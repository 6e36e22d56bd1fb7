// Package storage defines interfaces for persisting OAuth clients, authorization codes,
// and refresh token rotation chains.
// It supports various backend implementations including in-memory and Valkey/Redis.
package storage

import (
	"context"
	"errors"
	"time"
)

// ClientStore defines the interface for the client registry.
// Entries are created and deleted but never updated in place.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient registers a new client. Fails with ErrDuplicateClientID if the id exists.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client. Outstanding tokens are not revoked.
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients
	ListClients(ctx context.Context) ([]*Client, error)

	// ValidateClientSecret validates a client's secret in constant time.
	// Unknown clients are compared against a dummy hash so timing does not
	// reveal whether a client exists.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// AuthorizationCodeStore issues and redeems single-use authorization codes.
// All methods accept context.Context for tracing and cancellation.
type AuthorizationCodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// RedeemAuthorizationCode atomically checks that a code is unused and unexpired
	// and marks it used in the same operation.
	// Returns ErrAuthorizationCodeNotFound, ErrAuthorizationCodeExpired, or
	// ErrAuthorizationCodeUsed. On ErrAuthorizationCodeUsed the stored binding is
	// returned alongside the error so callers can react to the replay.
	//
	// SECURITY: This operation MUST be atomic - only ONE concurrent request can succeed.
	RedeemAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// RefreshTokenStore persists refresh tokens and their rotation chains (families).
// Tokens are keyed by HashToken(raw); raw token values are never stored.
// All methods accept context.Context for tracing and cancellation.
type RefreshTokenStore interface {
	// SaveRefreshToken saves a refresh token and registers it with its family.
	// The family is created on generation 0.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token by hash without modifying it
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// MarkRefreshTokenUsed atomically marks a refresh token used, but only if it is
	// unused, unexpired, issued to clientID, and its family is not revoked.
	// Returns ErrRefreshTokenNotFound, ErrRefreshTokenExpired,
	// ErrRefreshTokenClientMismatch, ErrRefreshTokenUsed, or ErrRefreshTokenFamilyRevoked.
	// On ErrRefreshTokenUsed and ErrRefreshTokenFamilyRevoked the stored token is returned
	// alongside the error for reuse handling.
	//
	// SECURITY: This operation MUST be atomic - only ONE concurrent request can succeed.
	MarkRefreshTokenUsed(ctx context.Context, tokenHash, clientID string) (*RefreshToken, error)

	// GetRefreshTokenFamily retrieves family metadata
	GetRefreshTokenFamily(ctx context.Context, familyID string) (*RefreshTokenFamily, error)

	// RevokeRefreshTokenFamily revokes every token in a family
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) error
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientType              string // "confidential" or "public"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	AccessTokenTTL          time.Duration // zero means server default
	RefreshTokenTTL         time.Duration // zero means server default
	RequirePKCE             bool
	RequireConsent          bool
	CreatedAt               time.Time
}

// HasGrantType reports whether the client may use the given grant type
func (c *Client) HasGrantType(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// HasRedirectURI reports whether redirectURI is registered, by exact string comparison
func (c *Client) HasRedirectURI(redirectURI string) bool {
	for _, uri := range c.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate stored entries
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	cp.GrantTypes = append([]string(nil), c.GrantTypes...)
	cp.ResponseTypes = append([]string(nil), c.ResponseTypes...)
	cp.Scopes = append([]string(nil), c.Scopes...)
	return &cp
}

// AuthorizationCode represents an issued authorization code and everything it is bound to
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             string
	Nonce               string
	AuthTime            time.Time
	IssuedAt            time.Time
	ExpiresAt           time.Time
	Used                bool
}

// RefreshToken is the stored form of an opaque refresh token
type RefreshToken struct {
	TokenHash  string
	ClientID   string
	Subject    string
	Scopes     []string
	FamilyID   string
	Generation int
	AuthTime   time.Time
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Used       bool
	UsedAt     time.Time
}

// RefreshTokenFamily contains metadata about a rotation chain
type RefreshTokenFamily struct {
	FamilyID   string
	ClientID   string
	Subject    string
	Generation int // highest generation issued so far
	CreatedAt  time.Time
	Revoked    bool
	RevokedAt  time.Time // When this family was revoked (for forensics and cleanup)
}

// Storage errors
var (
	// ErrClientNotFound indicates the client was not found
	ErrClientNotFound = errors.New("client not found")

	// ErrDuplicateClientID indicates a client with the same id is already registered
	ErrDuplicateClientID = errors.New("duplicate client id")

	// ErrInvalidClientCredentials indicates the client secret did not match
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrAuthorizationCodeNotFound indicates the authorization code was not found
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeExpired indicates the authorization code has expired
	ErrAuthorizationCodeExpired = errors.New("authorization code expired")

	// ErrAuthorizationCodeUsed indicates the authorization code was already redeemed
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrRefreshTokenNotFound indicates the refresh token was not found
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenExpired indicates the refresh token has expired
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrRefreshTokenUsed indicates the refresh token was already redeemed
	ErrRefreshTokenUsed = errors.New("refresh token already used")

	// ErrRefreshTokenClientMismatch indicates the refresh token belongs to another client
	ErrRefreshTokenClientMismatch = errors.New("refresh token issued to another client")

	// ErrRefreshTokenFamilyNotFound indicates the refresh token family was not found
	ErrRefreshTokenFamilyNotFound = errors.New("refresh token family not found")

	// ErrRefreshTokenFamilyRevoked indicates the rotation chain was revoked
	ErrRefreshTokenFamilyRevoked = errors.New("refresh token family revoked")
)
