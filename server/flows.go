package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/providers"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
	"github.com/giantswarm/oidc-authserver/token"
)

// codeLogLength is how much of a code or token may appear in logs
const codeLogLength = 8

// ErrUnauthenticated is wrapped by the access_denied error Authorize returns
// when the request is otherwise valid but carries no Subject. HTTP layers use
// it to prompt for resource owner credentials.
var ErrUnauthenticated = errors.New("resource owner is not authenticated")

// AuthorizeRequest is a validated-by-Authorize authorization request.
// Subject must be set by the caller once the resource owner is authenticated.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string

	// Subject is the authenticated resource owner
	Subject  string
	AuthTime time.Time

	// ConsentGranted records the resource owner's approval for clients that require consent
	ConsentGranted bool

	ClientIP string
}

// AuthorizeResponse carries the issued code back to the redirect URI
type AuthorizeResponse struct {
	Code        string
	RedirectURI string
	State       string
	Scopes      []string
	ExpiresAt   time.Time
}

// ExchangeRequest is an authorization_code grant at the token endpoint
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
	ClientIP     string
}

// ClientCredentialsRequest is a client_credentials grant at the token endpoint
type ClientCredentialsRequest struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	ClientIP     string
}

// RefreshRequest is a refresh_token grant at the token endpoint
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	// Scopes optionally narrows the new access token
	Scopes   []string
	ClientIP string
}

// Authorize validates an authorization request and issues a single-use code.
//
// Unknown clients fail with invalid_client and unregistered redirect URIs
// with invalid_redirect_uri; neither may be redirected. Every later failure
// is redirectable and moves the grant to Denied when consent is withheld.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.authorize")
	defer span.End()
	instrumentation.AddGrantAttributes(span, req.ClientID, GrantTypeAuthorizationCode, util.FormatScope(req.Scopes))

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "unknown_client")
			return nil, s.fail(ctx, span, newError(ErrorCodeInvalidClient, "Unknown client", err))
		}
		return nil, s.fail(ctx, span, serverError(err))
	}

	// Exact string match only; no normalization or prefix matching
	if req.RedirectURI == "" || !client.HasRedirectURI(req.RedirectURI) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"redirect_uri": util.SafeTruncate(req.RedirectURI, 128)},
		})
		return nil, s.fail(ctx, span, newError(ErrorCodeInvalidRedirectURI, "redirect_uri is not registered for this client", nil))
	}

	s.recordGrantTransition(ctx, client.ClientID, GrantStateRequested)

	if req.ResponseType != ResponseTypeCode {
		return nil, s.fail(ctx, span, newError(ErrorCodeUnsupportedResponseType, "Only response_type=code is supported", nil))
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return nil, s.fail(ctx, span, unauthorizedClient("Client is not allowed to use the authorization_code grant"))
	}

	scopes, err := s.resolveScopes(client, req.Scopes)
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"requested": util.FormatScope(req.Scopes)},
		})
		return nil, s.fail(ctx, span, invalidScope(err))
	}

	if err := s.validateCodeChallenge(client, req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		s.Auditor.LogAuthFailure(client.ClientID, req.ClientIP, "invalid_pkce_parameters")
		return nil, s.fail(ctx, span, newError(ErrorCodeInvalidRequest, "PKCE: "+err.Error(), err))
	}

	if req.Subject == "" {
		return nil, s.fail(ctx, span, newError(ErrorCodeAccessDenied, "The resource owner is not authenticated", ErrUnauthenticated))
	}
	if client.RequireConsent && !req.ConsentGranted {
		s.recordGrantTransition(ctx, client.ClientID, GrantStateDenied)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationDenied,
			Subject:   req.Subject,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
		return nil, s.fail(ctx, span, newError(ErrorCodeAccessDenied, "The resource owner denied the request", nil))
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = PKCEMethodPlain
	}
	now := s.Config.Now()
	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = now
	}

	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Subject:             req.Subject,
		Nonce:               req.Nonce,
		AuthTime:            authTime,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.codeStore.SaveAuthorizationCode(storeCtx, code); err != nil {
		return nil, s.fail(ctx, span, serverError(fmt.Errorf("failed to save authorization code: %w", err)))
	}

	s.recordGrantTransition(ctx, client.ClientID, GrantStateCodeIssued)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		Subject:   req.Subject,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"scope": util.FormatScope(scopes), "pkce_method": method},
	})
	instrumentation.SetSpanSuccess(span)

	return &AuthorizeResponse{
		Code:        code.Code,
		RedirectURI: req.RedirectURI,
		State:       req.State,
		Scopes:      scopes,
		ExpiresAt:   code.ExpiresAt,
	}, nil
}

// ExchangeCode redeems an authorization code for tokens.
//
// The code is consumed atomically before any binding is checked, so a code
// works at most once even if the first attempt fails. Presenting a consumed
// code revokes the refresh tokens it produced. This includes a concurrent
// replay that loses the race, so the refresh token returned by a successful
// exchange may already be revoked when the caller receives it.
func (s *Server) ExchangeCode(ctx context.Context, req ExchangeRequest) (*oauth2.Token, error) {
	ctx, span := s.tracer.Start(ctx, "server.exchange_code")
	defer span.End()
	instrumentation.AddGrantAttributes(span, req.ClientID, GrantTypeAuthorizationCode, "")

	if req.Code == "" {
		return nil, s.fail(ctx, span, invalidRequest("code is required"))
	}

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, s.fail(ctx, span, AsError(err))
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return nil, s.fail(ctx, span, unauthorizedClient("Client is not allowed to use the authorization_code grant"))
	}

	storeCtx, cancel := s.storeContext(ctx)
	binding, err := s.codeStore.RedeemAuthorizationCode(storeCtx, req.Code)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAuthorizationCodeUsed):
			s.handleCodeReuse(ctx, req, binding)
			return nil, s.fail(ctx, span, invalidGrant(err))
		case errors.Is(err, storage.ErrAuthorizationCodeExpired):
			s.recordGrantTransition(ctx, client.ClientID, GrantStateExpired)
			return nil, s.fail(ctx, span, invalidGrant(err))
		case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
			s.Logger.Debug("Authorization code validation failed",
				"reason", "not_found",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(req.Code, codeLogLength))
			s.Auditor.LogAuthFailure(client.ClientID, req.ClientIP, "invalid_authorization_code")
			return nil, s.fail(ctx, span, invalidGrant(err))
		default:
			return nil, s.fail(ctx, span, serverError(fmt.Errorf("failed to redeem authorization code: %w", err)))
		}
	}

	// The code is now consumed; no other request can redeem it
	s.recordGrantTransition(ctx, client.ClientID, GrantStateRedeemed)

	if binding.ClientID != client.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, codeLogLength))
		s.Auditor.LogAuthFailure(client.ClientID, req.ClientIP, "client_id_mismatch")
		return nil, s.fail(ctx, span, invalidGrant(fmt.Errorf("code was issued to another client")))
	}
	if binding.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, codeLogLength))
		s.Auditor.LogAuthFailure(client.ClientID, req.ClientIP, "redirect_uri_mismatch")
		return nil, s.fail(ctx, span, invalidGrant(fmt.Errorf("redirect_uri does not match")))
	}
	if err := s.validatePKCE(binding.CodeChallenge, binding.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.metrics().RecordPKCEValidationFailed(ctx, binding.CodeChallengeMethod)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			Subject:   binding.Subject,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		return nil, s.fail(ctx, span, invalidGrant(fmt.Errorf("PKCE validation failed: %w", err)))
	}

	tok, err := s.issueTokens(ctx, client, issueParams{
		grantType:   GrantTypeAuthorizationCode,
		subject:     binding.Subject,
		scopes:      binding.Scopes,
		authTime:    binding.AuthTime,
		nonce:       binding.Nonce,
		familyID:    token.FamilyIDForCode(req.Code),
		withRefresh: client.HasGrantType(GrantTypeRefreshToken),
		withIDToken: true,
		clientIP:    req.ClientIP,
	})
	if err != nil {
		return nil, s.fail(ctx, span, AsError(err))
	}

	instrumentation.SetSpanSuccess(span)
	return tok, nil
}

// handleCodeReuse revokes what a replayed code produced
func (s *Server) handleCodeReuse(ctx context.Context, req ExchangeRequest, binding *storage.AuthorizationCode) {
	familyID := token.FamilyIDForCode(req.Code)
	subject := ""
	if binding != nil {
		subject = binding.Subject
	}

	s.Logger.Error("Authorization code reuse detected, revoking issued tokens",
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(req.Code, codeLogLength),
		"family_id", util.SafeTruncate(familyID, codeLogLength))
	s.metrics().RecordCodeReuseDetected(ctx)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeReuseDetected,
		Subject:   subject,
		ClientID:  req.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"severity": "critical",
			"action":   "token_family_revoked",
		},
	})

	if err := s.tokens.RevokeFamily(ctx, familyID); err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse detection", "error", err)
	}
}

// ClientCredentialsGrant issues an access token to a confidential client
// acting on its own behalf. No refresh or ID token is issued.
func (s *Server) ClientCredentialsGrant(ctx context.Context, req ClientCredentialsRequest) (*oauth2.Token, error) {
	ctx, span := s.tracer.Start(ctx, "server.client_credentials")
	defer span.End()
	instrumentation.AddGrantAttributes(span, req.ClientID, GrantTypeClientCredentials, util.FormatScope(req.Scopes))

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, s.fail(ctx, span, AsError(err))
	}
	if client.ClientType != ClientTypeConfidential {
		return nil, s.fail(ctx, span, unauthorizedClient("Public clients cannot use the client_credentials grant"))
	}
	if !client.HasGrantType(GrantTypeClientCredentials) {
		return nil, s.fail(ctx, span, unauthorizedClient("Client is not allowed to use the client_credentials grant"))
	}

	scopes, err := s.resolveScopes(client, req.Scopes)
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"requested": util.FormatScope(req.Scopes)},
		})
		return nil, s.fail(ctx, span, invalidScope(err))
	}

	tok, err := s.issueTokens(ctx, client, issueParams{
		grantType: GrantTypeClientCredentials,
		subject:   client.ClientID,
		scopes:    scopes,
		clientIP:  req.ClientIP,
	})
	if err != nil {
		return nil, s.fail(ctx, span, AsError(err))
	}

	instrumentation.SetSpanSuccess(span)
	return tok, nil
}

// RefreshGrant redeems a refresh token for a new access token, rotating the
// refresh token unless rotation is disabled.
func (s *Server) RefreshGrant(ctx context.Context, req RefreshRequest) (*oauth2.Token, error) {
	ctx, span := s.tracer.Start(ctx, "server.refresh")
	defer span.End()
	instrumentation.AddGrantAttributes(span, req.ClientID, GrantTypeRefreshToken, util.FormatScope(req.Scopes))

	if req.RefreshToken == "" {
		return nil, s.fail(ctx, span, invalidRequest("refresh_token is required"))
	}

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, s.fail(ctx, span, AsError(err))
	}
	if !client.HasGrantType(GrantTypeRefreshToken) {
		return nil, s.fail(ctx, span, unauthorizedClient("Client is not allowed to use the refresh_token grant"))
	}

	pair, err := s.tokens.RedeemRefreshToken(ctx, req.RefreshToken, client.ClientID, token.RedeemOptions{
		Scopes:          req.Scopes,
		AccessTokenTTL:  client.AccessTokenTTL,
		RefreshTokenTTL: client.RefreshTokenTTL,
	})
	if err != nil {
		switch {
		case errors.Is(err, token.ErrScopeWidening):
			return nil, s.fail(ctx, span, invalidScope(err))
		case errors.Is(err, token.ErrRefreshNotFound),
			errors.Is(err, token.ErrRefreshAlreadyUsed),
			errors.Is(err, token.ErrRefreshExpired),
			errors.Is(err, token.ErrClientMismatch):
			s.Auditor.LogAuthFailure(client.ClientID, req.ClientIP, "invalid_refresh_token")
			return nil, s.fail(ctx, span, invalidGrant(err))
		default:
			return nil, s.fail(ctx, span, serverError(err))
		}
	}

	tok := newBearerToken(pair.AccessToken, pair.AccessClaims)
	tok.RefreshToken = pair.RefreshToken
	extra := map[string]any{"scope": util.FormatScope(pair.Scopes)}

	if slices.Contains(pair.Scopes, ScopeOpenID) {
		idToken, err := s.tokens.IssueIDToken(ctx, token.IDTokenRequest{
			Subject:  pair.Subject,
			ClientID: client.ClientID,
			AuthTime: pair.AuthTime,
		})
		if err != nil {
			return nil, s.fail(ctx, span, serverError(err))
		}
		extra["id_token"] = idToken
	}

	s.metrics().RecordTokenIssued(ctx, "access_token", GrantTypeRefreshToken)
	instrumentation.AddTokenFamilyAttributes(span, pair.Refresh.FamilyID, pair.Refresh.Generation)
	instrumentation.SetSpanSuccess(span)
	return tok.WithExtra(extra), nil
}

// issueParams describes the tokens a successful grant produces
type issueParams struct {
	grantType   string
	subject     string
	scopes      []string
	authTime    time.Time
	nonce       string
	familyID    string
	withRefresh bool
	withIDToken bool
	clientIP    string
}

// issueTokens mints the access token and, as requested, a refresh token and
// an ID token. The result carries scope and id_token as extras.
func (s *Server) issueTokens(ctx context.Context, client *storage.Client, p issueParams) (*oauth2.Token, error) {
	access, claims, err := s.tokens.IssueAccessToken(ctx, p.subject, client.ClientID, p.scopes, client.AccessTokenTTL)
	if err != nil {
		return nil, serverError(err)
	}
	tok := newBearerToken(access, claims)
	extra := map[string]any{"scope": util.FormatScope(p.scopes)}
	s.metrics().RecordTokenIssued(ctx, "access_token", p.grantType)

	if p.withRefresh {
		raw, _, err := s.tokens.IssueRefreshToken(ctx, token.RefreshGrant{
			ClientID: client.ClientID,
			Subject:  p.subject,
			Scopes:   p.scopes,
			AuthTime: p.authTime,
			TTL:      client.RefreshTokenTTL,
			FamilyID: p.familyID,
		})
		if err != nil {
			if errors.Is(err, token.ErrRefreshAlreadyUsed) {
				// The code's family was revoked by a concurrent replay
				return nil, invalidGrant(err)
			}
			return nil, serverError(err)
		}
		tok.RefreshToken = raw
		s.metrics().RecordTokenIssued(ctx, "refresh_token", p.grantType)
	}

	if p.withIDToken && slices.Contains(p.scopes, ScopeOpenID) {
		idToken, err := s.tokens.IssueIDToken(ctx, token.IDTokenRequest{
			Subject:  p.subject,
			ClientID: client.ClientID,
			Nonce:    p.nonce,
			AuthTime: p.authTime,
		})
		if err != nil {
			return nil, serverError(err)
		}
		extra["id_token"] = idToken
		s.metrics().RecordTokenIssued(ctx, "id_token", p.grantType)
	}

	s.Auditor.LogTokenIssued(p.subject, client.ClientID, p.clientIP, p.grantType, util.FormatScope(p.scopes))
	s.Logger.Info("Issued tokens",
		"client_id", client.ClientID,
		"grant_type", p.grantType,
		"refresh_token", tok.RefreshToken != "",
		"id_token", extra["id_token"] != nil)
	return tok.WithExtra(extra), nil
}

func newBearerToken(access string, claims *token.Claims) *oauth2.Token {
	expiresIn := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      claims.ExpiresAt.Time,
		ExpiresIn:   int64(expiresIn / time.Second),
	}
}

// AuthenticateUser checks resource owner credentials with the authenticator.
// Failures wrap providers.ErrInvalidCredentials in an access_denied error.
func (s *Server) AuthenticateUser(ctx context.Context, username, password, clientID, clientIP string) (*providers.UserInfo, error) {
	user, err := s.authenticator.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, providers.ErrInvalidCredentials) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventResourceOwnerAuthFailed,
				ClientID:  clientID,
				IPAddress: clientIP,
				Details:   map[string]any{"authenticator": s.authenticator.Name()},
			})
			return nil, newError(ErrorCodeAccessDenied, "Invalid resource owner credentials", err)
		}
		s.Logger.Error("Resource owner authentication failed", "error", err, "request_id", security.GetRequestID(ctx))
		return nil, serverError(err)
	}
	return user, nil
}

// ValidateAccessToken verifies an access token for a resource server
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) (*token.Claims, error) {
	return s.tokens.Validate(ctx, raw)
}

// fail records e on the span and logs internal faults with the request id
func (s *Server) fail(ctx context.Context, span trace.Span, e *Error) error {
	instrumentation.RecordError(span, e)
	if e.Code == ErrorCodeServerError {
		s.Logger.Error("Internal error", "error", e.Err, "request_id", security.GetRequestID(ctx))
	}
	return e
}

// looksLikeJWT tells signed access tokens from opaque refresh tokens
func looksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}
