package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/token"
)

// Introspection is an RFC 7662 introspection response
type Introspection struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	JTI       string   `json:"jti,omitempty"`
}

// Introspect reports whether a token is active. Signed tokens are checked
// with the token service; anything else is looked up as a refresh token.
// Invalid tokens are inactive, not errors.
func (s *Server) Introspect(ctx context.Context, raw string) (*Introspection, error) {
	ctx, span := s.tracer.Start(ctx, "server.introspect")
	defer span.End()

	if raw == "" {
		return &Introspection{}, nil
	}

	if looksLikeJWT(raw) {
		claims, err := s.tokens.Validate(ctx, raw)
		if err != nil {
			s.metrics().RecordIntrospection(ctx, "access_token", false)
			return &Introspection{}, nil
		}
		s.metrics().RecordIntrospection(ctx, "access_token", true)
		res := &Introspection{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.ClientID,
			Subject:   claims.Subject,
			TokenType: "Bearer",
			Issuer:    claims.Issuer,
			Audience:  claims.Audience,
			JTI:       claims.ID,
		}
		if claims.ExpiresAt != nil {
			res.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			res.IssuedAt = claims.IssuedAt.Unix()
		}
		if claims.NotBefore != nil {
			res.NotBefore = claims.NotBefore.Unix()
		}
		return res, nil
	}

	status, err := s.tokens.IntrospectRefreshToken(ctx, raw)
	if err != nil {
		return nil, s.fail(ctx, span, serverError(err))
	}
	s.metrics().RecordIntrospection(ctx, "refresh_token", status.Active)
	if !status.Active {
		return &Introspection{}, nil
	}
	return &Introspection{
		Active:    true,
		Scope:     util.FormatScope(status.Scopes),
		ClientID:  status.ClientID,
		Subject:   status.Subject,
		TokenType: "refresh_token",
		ExpiresAt: status.ExpiresAt.Unix(),
		IssuedAt:  status.IssuedAt.Unix(),
		Issuer:    s.Config.Issuer,
	}, nil
}

// Revoke revokes a refresh token and its rotation chain (RFC 7009).
// Access tokens are self-contained and expire on their own, so revoking one
// is accepted and has no effect. Unknown tokens and tokens of other clients
// are not reported to the caller.
func (s *Server) Revoke(ctx context.Context, raw, clientID, clientIP string) error {
	ctx, span := s.tracer.Start(ctx, "server.revoke")
	defer span.End()

	if raw == "" {
		return s.fail(ctx, span, invalidRequest("token is required"))
	}
	if looksLikeJWT(raw) {
		s.Logger.Debug("Revocation of self-contained access token ignored", "client_id", clientID)
		return nil
	}

	revoked, err := s.tokens.Revoke(ctx, raw, clientID)
	switch {
	case errors.Is(err, token.ErrClientMismatch):
		s.Logger.Warn("Client tried to revoke another client's token", "client_id", clientID)
		s.Auditor.LogAuthFailure(clientID, clientIP, "revoke_client_mismatch")
		return nil
	case err != nil:
		return s.fail(ctx, span, serverError(err))
	case revoked == nil:
		return nil
	}

	s.Auditor.LogTokenRevoked(revoked.Subject, clientID, clientIP, "refresh_token")
	instrumentation.AddTokenFamilyAttributes(span, revoked.FamilyID, revoked.Generation)
	instrumentation.SetSpanSuccess(span)
	return nil
}
