package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

// codeFamilyNamespace derives family IDs from authorization codes
var codeFamilyNamespace = uuid.MustParse("6f1c2b8e-2d0a-4a53-9b7c-3f4d5e6a7b8c")

// FamilyIDForCode returns the rotation chain ID for refresh tokens issued
// from an authorization code. A replayed code can then revoke that chain
// without the code being stored next to the token.
func FamilyIDForCode(code string) string {
	return uuid.NewSHA1(codeFamilyNamespace, []byte(code)).String()
}

// IssueRefreshToken creates and stores a refresh token. The raw value is
// returned once and only its hash is persisted.
func (s *Service) IssueRefreshToken(ctx context.Context, grant RefreshGrant) (string, RefreshInfo, error) {
	ctx, span := s.tracer.Start(ctx, "token.issue_refresh")
	defer span.End()

	ttl := grant.TTL
	if ttl <= 0 {
		ttl = s.config.RefreshTokenTTL
	}
	familyID := grant.FamilyID
	if familyID == "" {
		familyID = uuid.NewString()
		grant.Generation = 0
	}
	now := s.config.Now()

	raw := oauth2.GenerateVerifier()
	record := &storage.RefreshToken{
		TokenHash:  storage.HashToken(raw),
		ClientID:   grant.ClientID,
		Subject:    grant.Subject,
		Scopes:     append([]string(nil), grant.Scopes...),
		FamilyID:   familyID,
		Generation: grant.Generation,
		AuthTime:   grant.AuthTime,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}

	if err := s.store.SaveRefreshToken(ctx, record); err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, storage.ErrRefreshTokenFamilyRevoked) {
			return "", RefreshInfo{}, ErrRefreshAlreadyUsed
		}
		return "", RefreshInfo{}, fmt.Errorf("failed to save refresh token: %w", err)
	}

	instrumentation.AddTokenFamilyAttributes(span, familyID, grant.Generation)
	return raw, RefreshInfo{FamilyID: familyID, Generation: grant.Generation, ExpiresAt: record.ExpiresAt}, nil
}

// RedeemRefreshToken exchanges a refresh token for a new access token.
//
// With rotation enabled the presented token is consumed atomically and a
// replacement in the same family is returned. Presenting a consumed token
// revokes the whole family, after which every token of the family fails with
// ErrRefreshAlreadyUsed. A client mismatch leaves the token untouched.
func (s *Service) RedeemRefreshToken(ctx context.Context, raw, clientID string, opts RedeemOptions) (*Pair, error) {
	ctx, span := s.tracer.Start(ctx, "token.redeem_refresh")
	defer span.End()

	hash := storage.HashToken(raw)

	// Peek first so a client mismatch or scope widening never consumes the token
	current, err := s.store.GetRefreshToken(ctx, hash)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return nil, ErrRefreshNotFound
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if current.ClientID != clientID {
		s.logger.Warn("Refresh token presented by another client",
			"client_id", clientID,
			"token_client_id", current.ClientID)
		return nil, ErrClientMismatch
	}

	scopes := current.Scopes
	if len(opts.Scopes) > 0 {
		if !util.ScopesSubset(opts.Scopes, current.Scopes) {
			return nil, fmt.Errorf("%w: %v", ErrScopeWidening, util.MissingScopes(opts.Scopes, current.Scopes))
		}
		scopes = opts.Scopes
	}

	var pair *Pair
	if s.config.DisableRefreshRotation {
		pair, err = s.reuseRefreshToken(ctx, raw, current)
	} else {
		pair, err = s.rotateRefreshToken(ctx, hash, clientID, opts)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	access, claims, err := s.IssueAccessToken(ctx, pair.Subject, clientID, scopes, opts.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	pair.AccessToken = access
	pair.AccessClaims = claims
	pair.Scopes = append([]string(nil), scopes...)

	instrumentation.AddTokenFamilyAttributes(span, pair.Refresh.FamilyID, pair.Refresh.Generation)
	s.instrumentation.Metrics().RecordTokenRefresh(ctx, clientID, pair.Rotated)
	s.auditor.LogTokenRefreshed(pair.Subject, clientID, "", pair.Refresh.Generation)
	return pair, nil
}

// rotateRefreshToken consumes the stored token and issues its successor
func (s *Service) rotateRefreshToken(ctx context.Context, hash, clientID string, opts RedeemOptions) (*Pair, error) {
	used, err := s.store.MarkRefreshTokenUsed(ctx, hash, clientID)
	switch {
	case err == nil:
	case used == nil && (errors.Is(err, storage.ErrRefreshTokenUsed) || errors.Is(err, storage.ErrRefreshTokenFamilyRevoked)):
		return nil, ErrRefreshAlreadyUsed
	case errors.Is(err, storage.ErrRefreshTokenUsed):
		s.handleReuse(ctx, used)
		return nil, ErrRefreshAlreadyUsed
	case errors.Is(err, storage.ErrRefreshTokenFamilyRevoked):
		s.logger.Warn("Refresh token from revoked family presented",
			"client_id", clientID,
			"family_id", util.SafeTruncate(used.FamilyID, 8))
		s.auditor.LogReuseDetected(security.EventRevokedTokenFamilyReuseAttempt, used.Subject, clientID, used.FamilyID)
		return nil, ErrRefreshAlreadyUsed
	case errors.Is(err, storage.ErrRefreshTokenNotFound):
		return nil, ErrRefreshNotFound
	case errors.Is(err, storage.ErrRefreshTokenExpired):
		return nil, ErrRefreshExpired
	case errors.Is(err, storage.ErrRefreshTokenClientMismatch):
		return nil, ErrClientMismatch
	default:
		return nil, fmt.Errorf("failed to redeem refresh token: %w", err)
	}

	// The successor keeps the original grant's scopes; narrowing only affects the access token
	next, info, err := s.IssueRefreshToken(ctx, RefreshGrant{
		ClientID:   used.ClientID,
		Subject:    used.Subject,
		Scopes:     used.Scopes,
		AuthTime:   used.AuthTime,
		TTL:        opts.RefreshTokenTTL,
		FamilyID:   used.FamilyID,
		Generation: used.Generation + 1,
	})
	if err != nil {
		return nil, err
	}

	return &Pair{
		RefreshToken: next,
		Refresh:      info,
		Subject:      used.Subject,
		AuthTime:     used.AuthTime,
		Rotated:      true,
	}, nil
}

// reuseRefreshToken validates a token without consuming it
func (s *Service) reuseRefreshToken(ctx context.Context, raw string, current *storage.RefreshToken) (*Pair, error) {
	if current.Used {
		s.handleReuse(ctx, current)
		return nil, ErrRefreshAlreadyUsed
	}
	if s.config.Now().After(current.ExpiresAt) {
		return nil, ErrRefreshExpired
	}

	family, err := s.store.GetRefreshTokenFamily(ctx, current.FamilyID)
	if err != nil && !errors.Is(err, storage.ErrRefreshTokenFamilyNotFound) {
		return nil, fmt.Errorf("failed to load refresh token family: %w", err)
	}
	if family == nil || family.Revoked {
		return nil, ErrRefreshAlreadyUsed
	}

	return &Pair{
		RefreshToken: raw,
		Refresh: RefreshInfo{
			FamilyID:   current.FamilyID,
			Generation: current.Generation,
			ExpiresAt:  current.ExpiresAt,
		},
		Subject:  current.Subject,
		AuthTime: current.AuthTime,
	}, nil
}

// handleReuse revokes the family of a replayed refresh token
func (s *Service) handleReuse(ctx context.Context, token *storage.RefreshToken) {
	s.logger.Error("Refresh token reuse detected, revoking family",
		"client_id", token.ClientID,
		"family_id", util.SafeTruncate(token.FamilyID, 8),
		"generation", token.Generation)
	s.instrumentation.Metrics().RecordTokenReuseDetected(ctx)
	s.auditor.LogReuseDetected(security.EventRefreshTokenReuseDetected, token.Subject, token.ClientID, token.FamilyID)

	if err := s.RevokeFamily(ctx, token.FamilyID); err != nil {
		s.logger.Error("Failed to revoke refresh token family", "error", err)
	}
}

// RevokeFamily revokes a rotation chain. Unknown families are ignored.
func (s *Service) RevokeFamily(ctx context.Context, familyID string) error {
	err := s.store.RevokeRefreshTokenFamily(ctx, familyID)
	if err != nil && !errors.Is(err, storage.ErrRefreshTokenFamilyNotFound) {
		return err
	}
	return nil
}

// Revoke revokes the family of a refresh token presented by clientID.
// Unknown tokens are not an error.
func (s *Service) Revoke(ctx context.Context, raw, clientID string) (*storage.RefreshToken, error) {
	current, err := s.store.GetRefreshToken(ctx, storage.HashToken(raw))
	if errors.Is(err, storage.ErrRefreshTokenNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if current.ClientID != clientID {
		return nil, ErrClientMismatch
	}

	if err := s.RevokeFamily(ctx, current.FamilyID); err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	s.instrumentation.Metrics().RecordTokenRevocation(ctx, clientID)
	return current, nil
}

// RefreshTokenStatus describes a refresh token for introspection
type RefreshTokenStatus struct {
	Active    bool
	ClientID  string
	Subject   string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IntrospectRefreshToken reports whether a refresh token could still be redeemed
func (s *Service) IntrospectRefreshToken(ctx context.Context, raw string) (RefreshTokenStatus, error) {
	current, err := s.store.GetRefreshToken(ctx, storage.HashToken(raw))
	if errors.Is(err, storage.ErrRefreshTokenNotFound) {
		return RefreshTokenStatus{}, nil
	}
	if err != nil {
		return RefreshTokenStatus{}, fmt.Errorf("failed to load refresh token: %w", err)
	}

	status := RefreshTokenStatus{
		ClientID:  current.ClientID,
		Subject:   current.Subject,
		Scopes:    current.Scopes,
		IssuedAt:  current.IssuedAt,
		ExpiresAt: current.ExpiresAt,
	}
	if current.Used || s.config.Now().After(current.ExpiresAt) {
		return status, nil
	}

	family, err := s.store.GetRefreshTokenFamily(ctx, current.FamilyID)
	if err != nil && !errors.Is(err, storage.ErrRefreshTokenFamilyNotFound) {
		return RefreshTokenStatus{}, fmt.Errorf("failed to load refresh token family: %w", err)
	}
	status.Active = family != nil && !family.Revoked
	return status, nil
}
