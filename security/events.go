package security

// Event type constants for security audit logging.
const (
	// Authorization events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when the resource owner denies consent
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeReuseDetected is logged when a redeemed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventResourceOwnerAuthFailed is logged when resource owner credentials are rejected
	EventResourceOwnerAuthFailed = "resource_owner_auth_failed"

	// Token lifecycle events

	// EventTokenIssued is logged when tokens are issued at the token endpoint
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// EventRefreshTokenReuseDetected is logged when a consumed refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventRevokedTokenFamilyReuseAttempt is logged when a token from a revoked family is presented
	EventRevokedTokenFamilyReuseAttempt = "revoked_token_family_reuse_attempt"

	// Client events

	// EventClientRegistered is logged when a client is registered
	EventClientRegistered = "client_registered"

	// EventClientDeregistered is logged when a client is removed
	EventClientDeregistered = "client_deregistered"

	// EventClientRegistrationRejected is logged when registration is rejected
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientAuthFailure is logged when client authentication fails
	EventClientAuthFailure = "client_auth_failure"

	// Security violation events

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when an unregistered redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client asks for scopes outside its grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventInvalidToken is logged when a presented token fails validation
	EventInvalidToken = "invalid_token"

	// Key management events

	// EventSigningKeyRotated is logged when a new signing key becomes current
	EventSigningKeyRotated = "signing_key_rotated"

	// EventSigningKeysPruned is logged when retired keys leave the verification set
	EventSigningKeysPruned = "signing_keys_pruned"
)
