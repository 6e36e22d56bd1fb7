package token

import "errors"

// Access token validation errors.
// ErrExpired is retryable through a refresh; the others indicate tampering
// or misrouting and are logged at warning level.
var (
	ErrMalformed        = errors.New("token malformed")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
	ErrIssuerMismatch   = errors.New("token issuer mismatch")

	// ErrUnknownKey is always wrapped together with ErrSignatureInvalid
	ErrUnknownKey = errors.New("token signed by unknown key")
)

// Refresh token redemption errors
var (
	ErrRefreshNotFound    = errors.New("refresh token not found")
	ErrRefreshAlreadyUsed = errors.New("refresh token already used")
	ErrRefreshExpired     = errors.New("refresh token expired")
	ErrClientMismatch     = errors.New("refresh token issued to another client")
	ErrScopeWidening      = errors.New("requested scope exceeds the original grant")
)

// validationResult names an error for metrics
func validationResult(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrIssuerMismatch):
		return "issuer_mismatch"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	default:
		return "malformed"
	}
}
