package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-authserver/storage"
)

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// revokeFamilyScript marks a family revoked and keeps it for the retention period.
//
// KEYS[1] = family key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = retention in seconds
//
// Returns "OK", "ALREADY_REVOKED", or "NOT_FOUND".
var revokeFamilyScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local f = cjson.decode(data)
if f.revoked then
    return 'ALREADY_REVOKED'
end

f.revoked = true
f.revoked_at = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(f), 'EX', tonumber(ARGV[2]))
return 'OK'
`)

// SaveRefreshToken stores a refresh token by hash and creates or advances its family
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" || token.FamilyID == "" {
		return fmt.Errorf("invalid refresh token")
	}

	ttl := ttlSeconds(calculateTTL(s.now(), token.ExpiresAt))
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	tj, err := s.toRefreshTokenJSON(token)
	if err != nil {
		return err
	}
	tokenData, err := json.Marshal(tj)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	fj, err := s.toFamilyJSON(&storage.RefreshTokenFamily{
		FamilyID:   token.FamilyID,
		ClientID:   token.ClientID,
		Subject:    token.Subject,
		Generation: token.Generation,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return err
	}
	familyData, err := json.Marshal(fj)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token family: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := saveRefreshScript.Run(ctx, s.client,
		[]string{s.refreshTokenKey(token.TokenHash), s.familyKey(token.FamilyID)},
		string(tokenData),
		strconv.FormatInt(ttl, 10),
		string(familyData),
		strconv.Itoa(token.Generation),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	switch result {
	case "FAMILY_NOT_FOUND":
		return storage.ErrRefreshTokenFamilyNotFound
	case "FAMILY_REVOKED":
		return storage.ErrRefreshTokenFamilyRevoked
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", safeTruncate(token.TokenHash, tokenIDLogLength),
		"family_id", safeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken retrieves a refresh token by hash without modifying it
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.refreshTokenKey(tokenHash)).Result()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return s.decodeRefreshToken(data)
}

// MarkRefreshTokenUsed atomically consumes a refresh token.
//
// SECURITY: The check-and-set runs in a single Lua script, so only ONE
// concurrent request can succeed. The family id is read first because the
// script needs the family key up front; it never changes for a stored token.
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, tokenHash, clientID string) (*storage.RefreshToken, error) {
	stored, err := s.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := markRefreshUsedScript.Run(ctx, s.client,
		[]string{s.refreshTokenKey(tokenHash), s.familyKey(stored.FamilyID)},
		strconv.FormatInt(s.now().Unix(), 10),
		clientID,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh token check: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrRefreshTokenNotFound
	case result == "CLIENT_MISMATCH":
		return nil, storage.ErrRefreshTokenClientMismatch
	case result == "EXPIRED":
		return nil, storage.ErrRefreshTokenExpired
	case strings.HasPrefix(result, "FAMILY_REVOKED:"):
		token, err := s.decodeRefreshToken(strings.TrimPrefix(result, "FAMILY_REVOKED:"))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse token", storage.ErrRefreshTokenFamilyRevoked)
		}
		return token, storage.ErrRefreshTokenFamilyRevoked
	case strings.HasPrefix(result, "ALREADY_USED:"):
		token, err := s.decodeRefreshToken(strings.TrimPrefix(result, "ALREADY_USED:"))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse token", storage.ErrRefreshTokenUsed)
		}
		return token, storage.ErrRefreshTokenUsed
	}

	token, err := s.decodeRefreshToken(result)
	if err != nil {
		return nil, err
	}
	token.Used = true
	token.UsedAt = s.now()

	s.logger.Debug("Marked refresh token as used",
		"token_prefix", safeTruncate(tokenHash, tokenIDLogLength),
		"family_id", safeTruncate(token.FamilyID, tokenIDLogLength))
	return token, nil
}

// GetRefreshTokenFamily retrieves family metadata
func (s *Store) GetRefreshTokenFamily(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.familyKey(familyID)).Bytes()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRefreshTokenFamilyNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token family: %w", err)
	}

	var j familyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token family: %w", err)
	}
	return s.fromFamilyJSON(&j)
}

// RevokeRefreshTokenFamily revokes every token in a family.
// Tokens are not deleted; consuming any of them fails once the family is revoked.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := revokeFamilyScript.Run(ctx, s.client,
		[]string{s.familyKey(familyID)},
		strconv.FormatInt(s.now().Unix(), 10),
		strconv.FormatInt(ttlSeconds(s.revokedFamilyRetention), 10),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token family: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return storage.ErrRefreshTokenFamilyNotFound
	case "ALREADY_REVOKED":
		return nil
	}

	s.logger.Warn("Revoked refresh token family",
		"family_id", safeTruncate(familyID, tokenIDLogLength))
	return nil
}

func (s *Store) decodeRefreshToken(data string) (*storage.RefreshToken, error) {
	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}
	return s.fromRefreshTokenJSON(&j)
}

// ttlSeconds rounds a duration up to whole seconds for EX arguments
func ttlSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// refreshTokenJSON is the JSON representation of a stored refresh token
type refreshTokenJSON struct {
	TokenHash  string `json:"token_hash"`
	ClientID   string `json:"client_id"`
	Subject    string `json:"subject"`
	Scope      string `json:"scope"`
	FamilyID   string `json:"family_id"`
	Generation int    `json:"generation"`
	AuthTime   int64  `json:"auth_time"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Used       bool   `json:"used"`
	UsedAt     int64  `json:"used_at"`
}

func (s *Store) toRefreshTokenJSON(t *storage.RefreshToken) (*refreshTokenJSON, error) {
	subject, err := s.encrypt(t.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt subject: %w", err)
	}
	return &refreshTokenJSON{
		TokenHash:  t.TokenHash,
		ClientID:   t.ClientID,
		Subject:    subject,
		Scope:      strings.Join(t.Scopes, " "),
		FamilyID:   t.FamilyID,
		Generation: t.Generation,
		AuthTime:   unixOrZero(t.AuthTime),
		IssuedAt:   unixOrZero(t.IssuedAt),
		ExpiresAt:  unixOrZero(t.ExpiresAt),
		Used:       t.Used,
		UsedAt:     unixOrZero(t.UsedAt),
	}, nil
}

func (s *Store) fromRefreshTokenJSON(j *refreshTokenJSON) (*storage.RefreshToken, error) {
	subject, err := s.decrypt(j.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt subject: %w", err)
	}
	return &storage.RefreshToken{
		TokenHash:  j.TokenHash,
		ClientID:   j.ClientID,
		Subject:    subject,
		Scopes:     strings.Fields(j.Scope),
		FamilyID:   j.FamilyID,
		Generation: j.Generation,
		AuthTime:   timeOrZero(j.AuthTime),
		IssuedAt:   timeOrZero(j.IssuedAt),
		ExpiresAt:  timeOrZero(j.ExpiresAt),
		Used:       j.Used,
		UsedAt:     timeOrZero(j.UsedAt),
	}, nil
}

// familyJSON is the JSON representation of a refresh token family
type familyJSON struct {
	FamilyID   string `json:"family_id"`
	ClientID   string `json:"client_id"`
	Subject    string `json:"subject"`
	Generation int    `json:"generation"`
	CreatedAt  int64  `json:"created_at"`
	Revoked    bool   `json:"revoked"`
	RevokedAt  int64  `json:"revoked_at"`
}

func (s *Store) toFamilyJSON(f *storage.RefreshTokenFamily) (*familyJSON, error) {
	subject, err := s.encrypt(f.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt subject: %w", err)
	}
	return &familyJSON{
		FamilyID:   f.FamilyID,
		ClientID:   f.ClientID,
		Subject:    subject,
		Generation: f.Generation,
		CreatedAt:  unixOrZero(f.CreatedAt),
		Revoked:    f.Revoked,
		RevokedAt:  unixOrZero(f.RevokedAt),
	}, nil
}

func (s *Store) fromFamilyJSON(j *familyJSON) (*storage.RefreshTokenFamily, error) {
	subject, err := s.decrypt(j.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt subject: %w", err)
	}
	return &storage.RefreshTokenFamily{
		FamilyID:   j.FamilyID,
		ClientID:   j.ClientID,
		Subject:    subject,
		Generation: j.Generation,
		CreatedAt:  timeOrZero(j.CreatedAt),
		Revoked:    j.Revoked,
		RevokedAt:  timeOrZero(j.RevokedAt),
	}, nil
}
