// Package memory provides an in-memory implementation of the storage interfaces.
//
// All operations are guarded by a single RWMutex. Authorization code redemption
// and refresh token consumption run under the write lock, so concurrent
// redemptions of the same code or token see exactly one success.
//
// A background goroutine sweeps expired codes and refresh tokens. Call Stop
// when the store is no longer needed.
package memory
