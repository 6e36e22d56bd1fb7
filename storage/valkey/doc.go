// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is wire-compatible with Redis, so the go-redis client is used and
// Redis servers work as well. The Store type implements every storage interface:
//
//   - [storage.ClientStore]: client registry
//   - [storage.AuthorizationCodeStore]: single-use authorization codes
//   - [storage.RefreshTokenStore]: refresh tokens and rotation families
//
// # Key Schema
//
// All keys use a configurable prefix (default "authserver:"):
//
//	{prefix}client:{clientID}     -> JSON(Client)
//	{prefix}clients               -> SET of client IDs
//	{prefix}code:{code}           -> JSON(AuthorizationCode) (TTL = code lifetime)
//	{prefix}refresh:{sha256}      -> JSON(RefreshToken) (TTL = token lifetime)
//	{prefix}family:{familyID}     -> JSON(RefreshTokenFamily)
//
// # Atomic Operations
//
// Code redemption, refresh token consumption, refresh token save and family
// revocation run as Lua scripts. A code or refresh token presented by many
// concurrent requests is accepted by exactly one of them.
//
// Expiry inside the scripts is evaluated against the timestamp passed by the
// caller, not the server clock, so SetClock governs both backends the same way.
//
// # Encryption at Rest
//
// With SetEncryptor, subjects and nonces are encrypted with AES-256-GCM.
// Fields the scripts inspect (expiry, used, client_id, revoked) stay in clear text.
//
// # Timeouts
//
// Every call is bounded by Config.OperationTimeout (default 2s) so a slow
// backend fails the request rather than stalling it.
package valkey
