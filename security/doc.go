// Package security provides the protective layers around the authorization
// server: audit logging, rate limiting, encryption at rest, and HTTP hardening.
//
// # Rate Limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate) with
// LRU eviction, so a distributed attack cannot grow memory without bound.
// ClientRegistrationRateLimiter counts registrations per IP over a sliding window.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // reply 429
//	}
//
// # Audit Logging
//
// Auditor writes security events as structured slog records. Subjects are
// hashed before logging; event types are the Event* constants.
//
// # Encryption at Rest
//
// Encryptor seals values with AES-256-GCM. The Valkey store uses it for
// subjects and nonces, and the key manager for the signing key file.
//
// # HTTP
//
// RequestIDMiddleware and ClientIPResolver annotate the request context;
// SetSecurityHeaders and the cache header helpers shape responses.
package security
