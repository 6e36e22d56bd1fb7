// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	// This provides enough uniqueness for debugging while keeping logs secure
	tokenIDLogLength = 8

	// dummyHash is compared against for unknown clients so both paths cost one bcrypt run
	dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, AuthorizationCodeStore, and RefreshTokenStore.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	authCodes     map[string]*storage.AuthorizationCode
	refreshTokens map[string]*storage.RefreshToken       // token hash -> record
	families      map[string]*storage.RefreshTokenFamily // family ID -> metadata
	familyMembers map[string][]string                    // family ID -> token hashes

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic       atomic.Int64
	codesCountAtomic         atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	familiesCountAtomic      atomic.Int64

	// Cleanup
	cleanupInterval        time.Duration
	revokedFamilyRetention time.Duration
	stopCleanup            chan struct{}
	stopOnce               sync.Once
	now                    func() time.Time
	logger                 *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore            = (*Store)(nil)
	_ storage.AuthorizationCodeStore = (*Store)(nil)
	_ storage.RefreshTokenStore      = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:                make(map[string]*storage.Client),
		authCodes:              make(map[string]*storage.AuthorizationCode),
		refreshTokens:          make(map[string]*storage.RefreshToken),
		families:               make(map[string]*storage.RefreshTokenFamily),
		familyMembers:          make(map[string][]string),
		cleanupInterval:        cleanupInterval,
		revokedFamilyRetention: 90 * 24 * time.Hour,
		stopCleanup:            make(chan struct{}),
		now:                    time.Now,
		logger:                 slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the time source used for expiry checks
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetRevokedFamilyRetention sets how long revoked family metadata is kept for forensics.
func (s *Store) SetRevokedFamilyRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.revokedFamilyRetention = d
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.updateCountersLocked()
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
			func() int64 { return s.familiesCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the background cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers a new client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateClientID, client.ClientID)
	}
	s.clients[client.ClientID] = client.Clone()
	s.clientsCountAtomic.Store(int64(len(s.clients)))

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return client.Clone(), nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return storage.ErrClientNotFound
	}
	delete(s.clients, clientID)
	s.clientsCountAtomic.Store(int64(len(s.clients)))

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_clients", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client.Clone())
	}
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].ClientID < clients[j].ClientID
		}
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})
	return clients, nil
}

// ValidateClientSecret validates a client's secret
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// SECURITY: Always perform the same operations to prevent timing attacks
	// that could reveal whether a client exists or not
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	if err == nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if err != nil || client.ClientSecretHash == "" || bcryptErr != nil {
		return storage.ErrInvalidClientCredentials
	}
	return nil
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_auth_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_auth_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code.Code] = code.Clone()
	s.codesCountAtomic.Store(int64(len(s.authCodes)))

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// RedeemAuthorizationCode atomically checks if a code is unused and marks it as used.
// Returns the code binding if successful. On reuse the binding is returned with
// ErrAuthorizationCodeUsed so the caller can revoke what the code produced.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_auth_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "redeem_auth_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if authCode.Used {
		return authCode.Clone(), storage.ErrAuthorizationCodeUsed
	}

	if s.now().After(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	authCode.Used = true

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode.Clone(), nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_auth_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_auth_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken saves a refresh token and registers it with its family
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime) }()

	if token == nil || token.TokenHash == "" || token.FamilyID == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[token.FamilyID]
	switch {
	case !ok && token.Generation == 0:
		family = &storage.RefreshTokenFamily{
			FamilyID:  token.FamilyID,
			ClientID:  token.ClientID,
			Subject:   token.Subject,
			CreatedAt: token.IssuedAt,
		}
		s.families[token.FamilyID] = family
	case !ok:
		return fmt.Errorf("%w: %s", storage.ErrRefreshTokenFamilyNotFound, token.FamilyID)
	case family.Revoked:
		return storage.ErrRefreshTokenFamilyRevoked
	}

	if token.Generation > family.Generation {
		family.Generation = token.Generation
	}

	s.refreshTokens[token.TokenHash] = token.Clone()
	s.familyMembers[token.FamilyID] = append(s.familyMembers[token.FamilyID], token.TokenHash)
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.familiesCountAtomic.Store(int64(len(s.families)))

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.TokenHash, tokenIDLogLength),
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken retrieves a refresh token by hash
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	return token.Clone(), nil
}

// MarkRefreshTokenUsed atomically validates and consumes a refresh token
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, tokenHash, clientID string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "mark_refresh_token_used")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "mark_refresh_token_used", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}

	if token.ClientID != clientID {
		return nil, storage.ErrRefreshTokenClientMismatch
	}

	if family, ok := s.families[token.FamilyID]; ok && family.Revoked {
		return token.Clone(), storage.ErrRefreshTokenFamilyRevoked
	}

	if token.Used {
		return token.Clone(), storage.ErrRefreshTokenUsed
	}

	now := s.now()
	if !token.ExpiresAt.IsZero() && now.After(token.ExpiresAt) {
		return nil, storage.ErrRefreshTokenExpired
	}

	token.Used = true
	token.UsedAt = now
	return token.Clone(), nil
}

// GetRefreshTokenFamily retrieves family metadata
func (s *Store) GetRefreshTokenFamily(ctx context.Context, familyID string) (_ *storage.RefreshTokenFamily, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_refresh_token_family", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	family, ok := s.families[familyID]
	if !ok {
		return nil, storage.ErrRefreshTokenFamilyNotFound
	}
	cp := *family
	return &cp, nil
}

// RevokeRefreshTokenFamily revokes all tokens in a family (for reuse detection)
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_refresh_token_family", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[familyID]
	if !ok {
		return storage.ErrRefreshTokenFamilyNotFound
	}
	if family.Revoked {
		return nil
	}

	family.Revoked = true
	family.RevokedAt = s.now()

	s.logger.Warn("Revoked refresh token family",
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
		"client_id", family.ClientID,
		"tokens", len(s.familyMembers[familyID]))
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired codes, expired refresh tokens, and families that have
// no live tokens left. Revoked families are kept for the retention period.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removedCodes, removedTokens, removedFamilies int

	for code, authCode := range s.authCodes {
		if now.After(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			removedCodes++
		}
	}

	for hash, token := range s.refreshTokens {
		if !token.ExpiresAt.IsZero() && now.After(token.ExpiresAt) {
			delete(s.refreshTokens, hash)
			removedTokens++
		}
	}

	for familyID, family := range s.families {
		if family.Revoked {
			if now.Sub(family.RevokedAt) > s.revokedFamilyRetention {
				s.deleteFamilyLocked(familyID)
				removedFamilies++
			}
			continue
		}
		live := false
		for _, hash := range s.familyMembers[familyID] {
			if _, ok := s.refreshTokens[hash]; ok {
				live = true
				break
			}
		}
		if !live {
			s.deleteFamilyLocked(familyID)
			removedFamilies++
		}
	}

	s.updateCountersLocked()

	if removedCodes+removedTokens+removedFamilies > 0 {
		s.logger.Debug("Storage cleanup completed",
			"codes", removedCodes,
			"refresh_tokens", removedTokens,
			"families", removedFamilies)
	}
}

func (s *Store) deleteFamilyLocked(familyID string) {
	for _, hash := range s.familyMembers[familyID] {
		delete(s.refreshTokens, hash)
	}
	delete(s.familyMembers, familyID)
	delete(s.families, familyID)
}

func (s *Store) updateCountersLocked() {
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.familiesCountAtomic.Store(int64(len(s.families)))
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a tracing span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// Non-recording span; ending it must not end the caller's span
		return ctx, trace.SpanFromContext(context.Background())
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
