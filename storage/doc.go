// Package storage provides interfaces and shared types for client, authorization code,
// and refresh token persistence.
//
// The storage package defines the core storage interfaces used by the authorization server:
//   - ClientStore: the registry of OAuth clients
//   - AuthorizationCodeStore: single-use authorization codes with atomic redemption
//   - RefreshTokenStore: refresh tokens and their rotation chains (families)
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
