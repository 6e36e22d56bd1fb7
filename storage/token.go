package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// GrantState is the lifecycle state of an authorization request
type GrantState string

// Authorization request states.
// Requested -> CodeIssued -> Redeemed, Requested -> Denied, or any -> Expired.
const (
	GrantStateRequested  GrantState = "requested"
	GrantStateCodeIssued GrantState = "code_issued"
	GrantStateRedeemed   GrantState = "redeemed"
	GrantStateDenied     GrantState = "denied"
	GrantStateExpired    GrantState = "expired"
)

// State reports the lifecycle state of a stored code at the given time
func (c *AuthorizationCode) State(now time.Time) GrantState {
	switch {
	case c.Used:
		return GrantStateRedeemed
	case !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt):
		return GrantStateExpired
	default:
		return GrantStateCodeIssued
	}
}

// Clone returns a deep copy of the code binding
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Scopes = append([]string(nil), c.Scopes...)
	return &cp
}

// Clone returns a deep copy of the refresh token record
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = append([]string(nil), t.Scopes...)
	return &cp
}

// HashToken returns the lookup key for an opaque token.
// Stores index refresh tokens by this hash so raw values never sit at rest.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
