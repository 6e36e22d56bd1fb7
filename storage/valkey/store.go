package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authserver:"

	// DefaultOperationTimeout bounds every storage round trip
	DefaultOperationTimeout = 2 * time.Second

	// DefaultRevokedFamilyRetention is how long revoked family metadata is kept for forensics
	DefaultRevokedFamilyRetention = 90 * 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// dummyHash is compared against for unknown clients so both paths cost one bcrypt run
	dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Username is the optional ACL user
	Username string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authserver:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// OperationTimeout bounds each storage call. Exceeding it fails the call
	// instead of blocking the request. Default: 2s
	OperationTimeout time.Duration

	// RevokedFamilyRetention is the retention period for revoked token family metadata.
	// Default: 90 days
	RevokedFamilyRetention time.Duration
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It speaks the Redis protocol, so Redis servers work as well.
type Store struct {
	client                 redis.UniversalClient
	prefix                 string
	logger                 *slog.Logger
	timeout                time.Duration
	revokedFamilyRetention time.Duration
	now                    func() time.Time

	// encryptor provides optional encryption of subject identifiers at rest
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore            = (*Store)(nil)
	_ storage.AuthorizationCodeStore = (*Store)(nil)
	_ storage.RefreshTokenStore      = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Address,
		Username:  cfg.Username,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient creates a Store around a pre-configured client.
// This is useful for testing with miniredis.
func NewWithClient(client redis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}

	retention := cfg.RevokedFamilyRetention
	if retention <= 0 {
		retention = DefaultRevokedFamilyRetention
	}

	return &Store{
		client:                 client,
		prefix:                 prefix,
		logger:                 logger,
		timeout:                timeout,
		revokedFamilyRetention: retention,
		now:                    time.Now,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.logger.Info("Valkey storage connection closed")
	return s.client.Close()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the time source used for expiry checks
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetEncryptor sets the encryptor for subject identifiers at rest.
// When set, subjects and nonces are encrypted before storing in Valkey and
// decrypted when retrieved. Expiry and usage flags stay readable to the
// atomic scripts.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

func (s *Store) encrypt(value string) (string, error) {
	enc := s.getEncryptor()
	if enc == nil || value == "" {
		return value, nil
	}
	return enc.Encrypt(value)
}

func (s *Store) decrypt(value string) (string, error) {
	enc := s.getEncryptor()
	if enc == nil || value == "" {
		return value, nil
	}
	return enc.Decrypt(value)
}

// withTimeout bounds a storage call
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) clientIndexKey() string {
	return fmt.Sprintf("%sclients", s.prefix)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) refreshTokenKey(tokenHash string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, tokenHash)
}

func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These scripts run atomically inside Valkey, so concurrent redemptions of one
// code or refresh token see exactly one success.

// redeemCodeScript checks that an authorization code is unused and unexpired
// and marks it used.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns the original JSON on success, "NOT_FOUND", "EXPIRED",
// or "ALREADY_USED:<json>".
var redeemCodeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.used then
    return 'ALREADY_USED:' .. data
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`)

// markRefreshUsedScript consumes a refresh token.
//
// KEYS[1] = refresh token key
// KEYS[2] = family key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = client ID presenting the token
//
// Returns the original JSON on success, "NOT_FOUND", "CLIENT_MISMATCH",
// "EXPIRED", "FAMILY_REVOKED:<json>", or "ALREADY_USED:<json>".
var markRefreshUsedScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)
if token.client_id ~= ARGV[2] then
    return 'CLIENT_MISMATCH'
end

local family = redis.call('GET', KEYS[2])
if family then
    local f = cjson.decode(family)
    if f.revoked then
        return 'FAMILY_REVOKED:' .. data
    end
end

if token.used then
    return 'ALREADY_USED:' .. data
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(token.expires_at)
if expiresAt and expiresAt > 0 and now > expiresAt then
    return 'EXPIRED'
end

token.used = true
token.used_at = now
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')

return data
`)

// saveRefreshScript stores a refresh token and creates or advances its family.
//
// KEYS[1] = refresh token key
// KEYS[2] = family key
// ARGV[1] = token JSON
// ARGV[2] = token TTL in seconds
// ARGV[3] = family JSON used when the family does not exist yet
// ARGV[4] = token generation
//
// Returns "OK", "FAMILY_NOT_FOUND", or "FAMILY_REVOKED".
var saveRefreshScript = redis.NewScript(`
local generation = tonumber(ARGV[4])
local family = redis.call('GET', KEYS[2])
if not family then
    if generation ~= 0 then
        return 'FAMILY_NOT_FOUND'
    end
    family = ARGV[3]
else
    local f = cjson.decode(family)
    if f.revoked then
        return 'FAMILY_REVOKED'
    end
    if generation > tonumber(f.generation) then
        f.generation = generation
    end
    family = cjson.encode(f)
end

local ttl = tonumber(ARGV[2])
redis.call('SET', KEYS[1], ARGV[1], 'EX', ttl)

local familyTTL = redis.call('TTL', KEYS[2])
if familyTTL < ttl then
    familyTTL = ttl
end
redis.call('SET', KEYS[2], family, 'EX', familyTTL)

return 'OK'
`)

// ============================================================
// Helper methods
// ============================================================

func isNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(now, expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}
