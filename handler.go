package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/server"
	"github.com/giantswarm/oidc-authserver/storage"
	"github.com/giantswarm/oidc-authserver/token"
)

// Endpoint paths, relative to the issuer
const (
	PathOpenIDConfiguration = "/.well-known/openid-configuration"
	PathAuthServerMetadata  = "/.well-known/oauth-authorization-server"
	PathJWKS                = "/oauth2/jwks"
	PathAuthorize           = "/oauth2/authorize"
	PathToken               = "/oauth2/token"
	PathIntrospect          = "/oauth2/introspect"
	PathRevoke              = "/oauth2/revoke"
	PathRegister            = "/oauth2/register"
	PathUserInfo            = "/oauth2/userinfo"
	PathMetrics             = "/metrics"
	PathHealthz             = "/healthz"
)

const (
	tokenTypeBearer = "Bearer"

	// consentApprove is the consent parameter value that grants consent
	consentApprove = "approve"

	jwksMaxAge      = 5 * time.Minute
	discoveryMaxAge = time.Hour

	maxRegistrationBodyBytes = 64 << 10
)

// Handler serves the authorization server's HTTP endpoints
type Handler struct {
	server     *Server
	logger     *slog.Logger
	tracer     trace.Tracer // OpenTelemetry tracer for HTTP layer
	ipResolver security.ClientIPResolver
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		server: srv,
		logger: logger,
		tracer: srv.Instrumentation.Tracer("http"),
		ipResolver: security.ClientIPResolver{
			TrustProxy:        srv.Config.TrustProxy,
			TrustedProxyCount: srv.Config.TrustedProxyCount,
		},
	}
}

// Routes returns a router with every endpoint and the shared middleware registered
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(h.ipResolver.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(h.rateLimitByIP)

	h.WellKnownRoutes(r)
	h.OAuthRoutes(r)

	r.Get(PathHealthz, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if h.server.Instrumentation != nil {
		if mh := h.server.Instrumentation.MetricsHandler(); mh != nil {
			r.Method(http.MethodGet, PathMetrics, mh)
		}
	}
	return r
}

// WellKnownRoutes registers the discovery documents and the key set.
// Both discovery documents carry the same metadata.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(PathOpenIDConfiguration, h.ServeDiscovery)
	r.Get(PathAuthServerMetadata, h.ServeDiscovery)
	r.Get(PathJWKS, h.ServeJWKS)
}

// OAuthRoutes registers the protocol endpoints. Client registration is only
// mounted when a registration access token is configured.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get(PathAuthorize, h.ServeAuthorization)
	r.Post(PathAuthorize, h.ServeAuthorization)
	r.Post(PathToken, h.ServeToken)
	r.Post(PathIntrospect, h.ServeTokenIntrospection)
	r.Post(PathRevoke, h.ServeTokenRevocation)
	r.With(h.ValidateToken).Get(PathUserInfo, h.ServeUserInfo)

	if h.isRegistrationAvailable() {
		r.Route(PathRegister, func(r chi.Router) {
			r.Use(h.requireRegistrationToken)
			r.Post("/", h.ServeClientRegistration)
			r.Get("/", h.ServeClientList)
			r.Get("/{clientID}", h.ServeClientRead)
			r.Delete("/{clientID}", h.ServeClientDelete)
		})
	}
}

func (h *Handler) isRegistrationAvailable() bool {
	return h.server.Config.RegistrationAccessToken != ""
}

// ==================== Middleware ====================

// instrument wraps every request in a span and records the HTTP metric.
// The endpoint label is the matched route pattern, which keeps cardinality bounded.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "http."+r.Method)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		endpoint := "unmatched"
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
			instrumentation.AddClientIPAttribute(span, security.GetClientIP(ctx))
		}
		duration := float64(time.Since(startTime).Microseconds()) / 1000
		h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, status, duration)
	})
}

// rateLimitByIP rejects callers over the per-IP limit
func (h *Handler) rateLimitByIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.server.RateLimiter == nil || r.URL.Path == PathHealthz {
			next.ServeHTTP(w, r)
			return
		}
		clientIP := security.GetClientIP(r.Context())
		if !h.server.RateLimiter.Allow(clientIP) {
			h.rejectRateLimited(w, r, "ip", clientIP)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) rejectRateLimited(w http.ResponseWriter, r *http.Request, limiterType, identifier string) {
	h.logger.Warn("Rate limit exceeded", "limiter", limiterType, "identifier", identifier, "path", r.URL.Path)
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), limiterType)
	h.server.Auditor.LogRateLimitExceeded(security.GetClientIP(r.Context()), r.URL.Path)
	w.Header().Set("Retry-After", "1")
	h.writeError(w, ErrTemporarilyUnavailable("Rate limit exceeded, retry later"))
}

// requireRegistrationToken guards client registration with the configured bearer token
func (h *Handler) requireRegistrationToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := bearerToken(r)
		expected := h.server.Config.RegistrationAccessToken
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			h.server.Auditor.LogAuthFailure("", security.GetClientIP(r.Context()), "invalid_registration_token")
			h.writeBearerChallenge(w, ErrInvalidToken("Valid registration access token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ValidateToken is middleware for resource servers. It rejects requests
// without a valid access token and stores the token's claims in the context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			h.writeBearerChallenge(w, ErrInvalidToken("Missing Authorization header"))
			return
		}

		claims, err := h.server.ValidateAccessToken(r.Context(), raw)
		if err != nil {
			desc := "Token is invalid"
			if errors.Is(err, token.ErrExpired) {
				desc = "Token has expired"
			}
			h.writeBearerChallenge(w, ErrInvalidToken(desc))
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

type contextKey string

const claimsKey contextKey = "token_claims"

// ClaimsFromContext returns the access token claims stored by ValidateToken
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*token.Claims)
	return claims, ok
}

// ContextWithClaims stores access token claims in ctx
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ==================== Discovery ====================

// ServeDiscovery serves OpenID Connect Discovery and RFC 8414 metadata
func (h *Handler) ServeDiscovery(w http.ResponseWriter, _ *http.Request) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetPublicCacheHeaders(w, discoveryMaxAge)
	h.writeJSON(w, http.StatusOK, h.buildProviderMetadata())
}

func (h *Handler) buildProviderMetadata() ProviderMetadata {
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
	md := ProviderMetadata{
		Issuer:                           h.server.Config.Issuer,
		AuthorizationEndpoint:            issuer + PathAuthorize,
		TokenEndpoint:                    issuer + PathToken,
		JWKSURI:                          issuer + PathJWKS,
		RevocationEndpoint:               issuer + PathRevoke,
		IntrospectionEndpoint:            issuer + PathIntrospect,
		UserInfoEndpoint:                 issuer + PathUserInfo,
		ScopesSupported:                  h.server.Config.SupportedScopes,
		ResponseTypesSupported:           []string{server.ResponseTypeCode},
		ResponseModesSupported:           []string{"query"},
		GrantTypesSupported:              server.SupportedGrantTypes,
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{keys.AlgorithmRS256},
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodBasic,
			server.TokenEndpointAuthMethodPost,
			server.TokenEndpointAuthMethodNone,
		},
		CodeChallengeMethodsSupported: h.server.SupportedPKCEMethods(),
		ClaimsSupported:               []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce"},

		AuthorizationResponseIssParameterSupported: true,
	}
	if h.isRegistrationAvailable() {
		md.RegistrationEndpoint = issuer + PathRegister
	}
	return md
}

// ServeJWKS serves the public halves of the signing and retired keys
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetPublicCacheHeaders(w, jwksMaxAge)
	h.writeJSON(w, http.StatusOK, h.server.Keys().JWKS())
}

// ==================== Authorization Endpoint ====================

// ServeAuthorization handles the authorization endpoint (RFC 6749 Section 4.1.1).
//
// The resource owner authenticates with HTTP Basic credentials, or with
// username and password form fields on POST. A request that is valid except
// for missing credentials gets a 401 Basic challenge. Errors about the client
// or redirect_uri are rendered here; all others are redirected back.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := security.GetClientIP(ctx)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := server.AuthorizeRequest{
		ResponseType:        r.Form.Get("response_type"),
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scopes:              util.ParseScope(r.Form.Get("scope")),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		Nonce:               r.Form.Get("nonce"),
		ConsentGranted:      r.Form.Get("consent") == consentApprove,
		ClientIP:            clientIP,
	}
	if req.ClientID == "" {
		h.writeError(w, ErrInvalidRequest("Required parameter 'client_id' missing"))
		return
	}

	username, password, hasCredentials := resourceOwnerCredentials(r)
	if hasCredentials {
		user, err := h.server.AuthenticateUser(ctx, username, password, req.ClientID, clientIP)
		if err != nil {
			oerr := FromServerError(err)
			if oerr.Code == ErrorCodeAccessDenied {
				h.writeBasicChallenge(w, NewOAuthError(ErrorCodeAccessDenied, "Invalid resource owner credentials", http.StatusUnauthorized))
				return
			}
			h.writeError(w, oerr)
			return
		}
		req.Subject = user.Subject
		req.AuthTime = h.server.Config.Now()
	}

	resp, err := h.server.Authorize(ctx, req)
	if err != nil {
		if errors.Is(err, server.ErrUnauthenticated) {
			h.writeBasicChallenge(w, NewOAuthError(ErrorCodeAccessDenied, "Resource owner authentication required", http.StatusUnauthorized))
			return
		}
		h.writeAuthorizationError(w, r, req, err)
		return
	}

	params := url.Values{}
	params.Set("code", resp.Code)
	if resp.State != "" {
		params.Set("state", resp.State)
	}
	params.Set("iss", h.server.Config.Issuer)
	h.redirect(w, r, resp.RedirectURI, params)
}

// writeAuthorizationError redirects redirectable errors to the validated
// redirect_uri (RFC 6749 Section 4.1.2.1) and renders the rest
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, req server.AuthorizeRequest, err error) {
	e := server.AsError(err)
	if !e.Redirectable() {
		status := http.StatusBadRequest
		if e.Code == ErrorCodeServerError {
			status = http.StatusInternalServerError
		}
		h.writeError(w, NewOAuthError(e.Code, e.Description, status))
		return
	}

	params := url.Values{}
	params.Set("error", e.Code)
	params.Set("error_description", e.Description)
	if req.State != "" {
		params.Set("state", req.State)
	}
	params.Set("iss", h.server.Config.Issuer)
	h.redirect(w, r, req.RedirectURI, params)
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, NewOAuthError(ErrorCodeServerError, "Invalid redirect_uri", http.StatusInternalServerError))
		return
	}
	q := target.Query()
	for k, vs := range params {
		q[k] = vs
	}
	target.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStoreHeaders(w)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// resourceOwnerCredentials reads HTTP Basic credentials or, on POST, the
// username and password form fields
func resourceOwnerCredentials(r *http.Request) (username, password string, ok bool) {
	if username, password, ok = r.BasicAuth(); ok {
		return username, password, true
	}
	if r.Method == http.MethodPost {
		username, password = r.PostForm.Get("username"), r.PostForm.Get("password")
		if username != "" || password != "" {
			return username, password, true
		}
	}
	return "", "", false
}

// ==================== Token Endpoint ====================

// ServeToken handles the token endpoint (RFC 6749 Section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := security.GetClientIP(ctx)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	clientID, clientSecret, oerr := clientCredentials(r)
	if oerr != nil {
		h.writeError(w, oerr)
		return
	}
	if clientID == "" {
		h.writeBasicChallenge(w, ErrInvalidClient("Client authentication failed"))
		return
	}
	if h.server.ClientRateLimiter != nil && !h.server.ClientRateLimiter.Allow(clientID) {
		h.rejectRateLimited(w, r, "client", clientID)
		return
	}

	var (
		tok *oauth2.Token
		err error
	)
	grantType := r.PostForm.Get("grant_type")
	switch grantType {
	case server.GrantTypeAuthorizationCode:
		tok, err = h.server.ExchangeCode(ctx, server.ExchangeRequest{
			Code:         r.PostForm.Get("code"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
			ClientIP:     clientIP,
		})
	case server.GrantTypeClientCredentials:
		tok, err = h.server.ClientCredentialsGrant(ctx, server.ClientCredentialsRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       util.ParseScope(r.PostForm.Get("scope")),
			ClientIP:     clientIP,
		})
	case server.GrantTypeRefreshToken:
		tok, err = h.server.RefreshGrant(ctx, server.RefreshRequest{
			RefreshToken: r.PostForm.Get("refresh_token"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       util.ParseScope(r.PostForm.Get("scope")),
			ClientIP:     clientIP,
		})
	case "":
		h.writeError(w, ErrInvalidRequest("Required parameter 'grant_type' missing"))
		return
	default:
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %s not supported", util.SafeTruncate(grantType, 64))))
		return
	}

	if err != nil {
		oerr := FromServerError(err)
		if oerr.Status == http.StatusUnauthorized {
			h.writeBasicChallenge(w, oerr)
			return
		}
		h.writeError(w, oerr)
		return
	}
	h.writeTokenResponse(w, tok)
}

// clientCredentials extracts client authentication from the Authorization
// header (client_secret_basic) or the form body (client_secret_post).
// Using both at once is an error (RFC 6749 Section 2.3).
func clientCredentials(r *http.Request) (clientID, clientSecret string, oerr *OAuthError) {
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	user, pass, ok := r.BasicAuth()
	if !ok {
		return formID, formSecret, nil
	}
	if formSecret != "" {
		return "", "", ErrInvalidRequest("Multiple client authentication methods used")
	}

	// RFC 6749 Section 2.3.1: credentials are form-urlencoded before Basic encoding
	id, err := url.QueryUnescape(user)
	if err != nil {
		return "", "", ErrInvalidClient("Malformed client credentials")
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return "", "", ErrInvalidClient("Malformed client credentials")
	}
	if formID != "" && formID != id {
		return "", "", ErrInvalidRequest("client_id does not match the authenticated client")
	}
	return id, secret, nil
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, tok *oauth2.Token) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStoreHeaders(w)

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}
	resp := TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ==================== Introspection and Revocation ====================

// ServeTokenIntrospection handles RFC 7662 introspection. Callers must
// authenticate as a registered client.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.authenticateEndpointClient(w, r) {
		return
	}

	raw := r.PostForm.Get("token")
	if raw == "" {
		h.writeError(w, ErrInvalidRequest("token parameter is required"))
		return
	}

	resp, err := h.server.Introspect(ctx, raw)
	if err != nil {
		h.writeError(w, FromServerError(err))
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStoreHeaders(w)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles RFC 7009 revocation. Unknown tokens succeed.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.authenticateEndpointClient(w, r) {
		return
	}

	clientID, _, _ := clientCredentials(r)
	if err := h.server.Revoke(ctx, r.PostForm.Get("token"), clientID, security.GetClientIP(ctx)); err != nil {
		h.writeError(w, FromServerError(err))
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStoreHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// authenticateEndpointClient parses the form and authenticates the calling
// client, writing the error response on failure
func (h *Handler) authenticateEndpointClient(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return false
	}
	clientID, clientSecret, oerr := clientCredentials(r)
	if oerr != nil {
		h.writeError(w, oerr)
		return false
	}
	if _, err := h.server.AuthenticateClient(r.Context(), clientID, clientSecret, security.GetClientIP(r.Context())); err != nil {
		oerr := FromServerError(err)
		if oerr.Status == http.StatusUnauthorized {
			h.writeBasicChallenge(w, oerr)
		} else {
			h.writeError(w, oerr)
		}
		return false
	}
	return true
}

// ServeUserInfo returns the subject of the presented access token
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		h.writeBearerChallenge(w, ErrInvalidToken("Missing token claims"))
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStoreHeaders(w)
	h.writeJSON(w, http.StatusOK, map[string]string{"sub": claims.Subject})
}

// ==================== Client Registration ====================

// ServeClientRegistration registers a client (RFC 7591 Section 3)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := security.GetClientIP(ctx)

	if h.server.RegistrationRateLimiter != nil && !h.server.RegistrationRateLimiter.Allow(clientIP) {
		h.rejectRateLimited(w, r, "registration", clientIP)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidClientMetadata, "Invalid JSON body", http.StatusBadRequest))
		return
	}

	client, secret, err := h.server.RegisterClient(ctx, server.ClientRegistration{
		ClientID:                req.ClientID,
		ClientName:              req.ClientName,
		ClientType:              req.ClientType,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		Scopes:                  util.ParseScope(req.Scope),
		AccessTokenTTL:          time.Duration(req.AccessTokenLifetime) * time.Second,
		RefreshTokenTTL:         time.Duration(req.RefreshTokenLifetime) * time.Second,
		RequirePKCE:             req.RequirePKCE,
		RequireConsent:          req.RequireConsent,
	}, clientIP)
	if err != nil {
		h.writeError(w, FromServerError(err))
		return
	}

	resp := registrationResponse(client)
	resp.ClientSecret = secret
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStoreHeaders(w)
	h.writeJSON(w, http.StatusCreated, resp)
}

// ServeClientList lists registered clients without secrets
func (h *Handler) ServeClientList(w http.ResponseWriter, r *http.Request) {
	clients, err := h.server.ListClients(r.Context())
	if err != nil {
		h.writeError(w, FromServerError(err))
		return
	}
	resp := make([]ClientRegistrationResponse, 0, len(clients))
	for _, c := range clients {
		resp = append(resp, registrationResponse(c))
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeClientRead returns one client's metadata (RFC 7592 Section 2.1)
func (h *Handler) ServeClientRead(w http.ResponseWriter, r *http.Request) {
	client, err := h.server.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		h.writeClientLookupError(w, err)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, registrationResponse(client))
}

// ServeClientDelete deregisters a client (RFC 7592 Section 2.3)
func (h *Handler) ServeClientDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.server.DeregisterClient(ctx, chi.URLParam(r, "clientID"), security.GetClientIP(ctx)); err != nil {
		h.writeClientLookupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeClientLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrClientNotFound) {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "Unknown client", http.StatusNotFound))
		return
	}
	h.writeError(w, FromServerError(err))
}

func registrationResponse(c *storage.Client) ClientRegistrationResponse {
	return ClientRegistrationResponse{
		ClientID:                c.ClientID,
		ClientIDIssuedAt:        c.CreatedAt.Unix(),
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		ClientName:              c.ClientName,
		Scope:                   util.FormatScope(c.Scopes),
		ClientType:              c.ClientType,
		RequirePKCE:             c.RequirePKCE,
		RequireConsent:          c.RequireConsent,
	}
}

// ==================== Responses ====================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, oerr *OAuthError) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStoreHeaders(w)
	h.writeJSON(w, oerr.Status, ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

// writeBasicChallenge writes a 401 asking for HTTP Basic credentials
func (h *Handler) writeBasicChallenge(w http.ResponseWriter, oerr *OAuthError) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.server.Config.Issuer))
	oerr.Status = http.StatusUnauthorized
	h.writeError(w, oerr)
}

// writeBearerChallenge writes a 401 with an RFC 6750 Section 3 challenge
func (h *Handler) writeBearerChallenge(w http.ResponseWriter, oerr *OAuthError) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("%s realm=%q, error=%q, error_description=%q",
		tokenTypeBearer, h.server.Config.Issuer, oerr.Code, oerr.Description))
	oerr.Status = http.StatusUnauthorized
	h.writeError(w, oerr)
}

// bearerToken extracts the token from an Authorization: Bearer header
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	scheme, raw, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, tokenTypeBearer) {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}
