package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-authserver/internal/util"
)

// Claims are the claims of an access token
type Claims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Scopes returns the granted scopes
func (c *Claims) Scopes() []string {
	return util.ParseScope(c.Scope)
}

// IDTokenClaims are the claims of an OpenID Connect ID token
type IDTokenClaims struct {
	jwt.RegisteredClaims
	AuthTime        *jwt.NumericDate `json:"auth_time,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
	AuthorizedParty string           `json:"azp,omitempty"`
}

// IDTokenRequest describes an ID token to issue
type IDTokenRequest struct {
	Subject  string
	ClientID string
	Nonce    string
	AuthTime time.Time
	TTL      time.Duration
}

// RefreshGrant describes a refresh token to issue.
// An empty FamilyID starts a new rotation chain at generation 0.
type RefreshGrant struct {
	ClientID   string
	Subject    string
	Scopes     []string
	AuthTime   time.Time
	TTL        time.Duration
	FamilyID   string
	Generation int
}

// RedeemOptions tune a refresh token redemption
type RedeemOptions struct {
	// Scopes narrows the new access token. Empty keeps the original scopes.
	Scopes []string

	// AccessTokenTTL and RefreshTokenTTL override the service defaults when set
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// Pair is the result of a refresh token redemption
type Pair struct {
	AccessToken  string
	AccessClaims *Claims

	// RefreshToken is the replacement token, or the presented one when rotation is disabled
	RefreshToken string
	Refresh      RefreshInfo

	Subject  string
	Scopes   []string
	AuthTime time.Time
	Rotated  bool
}

// RefreshInfo is the non-secret metadata of an issued refresh token
type RefreshInfo struct {
	FamilyID   string
	Generation int
	ExpiresAt  time.Time
}
