package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// ClientRegistration describes a client to register
type ClientRegistration struct {
	// ClientID is optional; a UUID is generated when empty
	ClientID                string
	ClientName              string
	ClientType              string
	TokenEndpointAuthMethod string
	RedirectURIs            []string
	GrantTypes              []string
	Scopes                  []string
	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	RequirePKCE             bool
	RequireConsent          bool

	// ClientSecret is optional for confidential clients; a random one is generated when empty
	ClientSecret string
}

// RegisterClient validates and stores a new client.
// For confidential clients the plaintext secret is returned once; only its
// bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration, clientIP string) (*storage.Client, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.register_client")
	defer span.End()

	reg.ClientType, reg.TokenEndpointAuthMethod = resolveClientTypeAndAuthMethod(reg.ClientType, reg.TokenEndpointAuthMethod)
	if len(reg.GrantTypes) == 0 {
		reg.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}

	if err := s.validateRegistration(&reg); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientRegistrationRejected,
			ClientID:  reg.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		s.Logger.Warn("Client registration rejected", "error", err, "client_ip", clientIP)
		return nil, "", err
	}

	clientID := reg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	clientSecret, clientSecretHash, err := generateClientSecret(reg.ClientType, reg.ClientSecret)
	if err != nil {
		return nil, "", serverError(err)
	}

	// Public clients cannot keep a verifier-less code safe
	requirePKCE := reg.RequirePKCE || reg.ClientType == ClientTypePublic

	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientType:              reg.ClientType,
		RedirectURIs:            append([]string(nil), reg.RedirectURIs...),
		TokenEndpointAuthMethod: reg.TokenEndpointAuthMethod,
		GrantTypes:              append([]string(nil), reg.GrantTypes...),
		ClientName:              reg.ClientName,
		Scopes:                  append([]string(nil), reg.Scopes...),
		AccessTokenTTL:          reg.AccessTokenTTL,
		RefreshTokenTTL:         reg.RefreshTokenTTL,
		RequirePKCE:             requirePKCE,
		RequireConsent:          reg.RequireConsent,
		CreatedAt:               s.Config.Now(),
	}
	if client.HasGrantType(GrantTypeAuthorizationCode) {
		client.ResponseTypes = []string{ResponseTypeCode}
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.clientStore.SaveClient(storeCtx, client); err != nil {
		if errors.Is(err, storage.ErrDuplicateClientID) {
			return nil, "", newError(ErrorCodeInvalidClientMetadata, "client_id is already registered", err)
		}
		s.Logger.Error("Failed to save client", "client_id", clientID, "error", err)
		return nil, "", serverError(err)
	}

	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	s.metrics().RecordClientRegistration(ctx, client.ClientType)
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"grant_types", client.GrantTypes,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// validateRegistration checks client metadata before anything is stored
func (s *Server) validateRegistration(reg *ClientRegistration) *Error {
	switch reg.ClientType {
	case ClientTypeConfidential, ClientTypePublic:
	default:
		return newError(ErrorCodeInvalidClientMetadata, fmt.Sprintf("unknown client_type %q", reg.ClientType), nil)
	}
	switch reg.TokenEndpointAuthMethod {
	case TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
	default:
		return newError(ErrorCodeInvalidClientMetadata, fmt.Sprintf("unsupported token_endpoint_auth_method %q", reg.TokenEndpointAuthMethod), nil)
	}
	if reg.ClientType == ClientTypePublic && reg.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		return newError(ErrorCodeInvalidClientMetadata, "public clients must use token_endpoint_auth_method none", nil)
	}
	if reg.ClientType == ClientTypeConfidential && reg.TokenEndpointAuthMethod == TokenEndpointAuthMethodNone {
		return newError(ErrorCodeInvalidClientMetadata, "confidential clients must authenticate at the token endpoint", nil)
	}
	if reg.ClientType == ClientTypePublic && reg.ClientSecret != "" {
		return newError(ErrorCodeInvalidClientMetadata, "public clients have no secret", nil)
	}

	for _, gt := range reg.GrantTypes {
		if !slices.Contains(SupportedGrantTypes, gt) {
			return newError(ErrorCodeInvalidClientMetadata, fmt.Sprintf("unsupported grant_type %q", gt), nil)
		}
	}
	if reg.ClientType == ClientTypePublic && slices.Contains(reg.GrantTypes, GrantTypeClientCredentials) {
		return newError(ErrorCodeInvalidClientMetadata, "public clients cannot use client_credentials", nil)
	}

	if slices.Contains(reg.GrantTypes, GrantTypeAuthorizationCode) && len(reg.RedirectURIs) == 0 {
		return newError(ErrorCodeInvalidRedirectURI, "at least one redirect_uri is required for authorization_code", nil)
	}
	opts := util.RedirectURIOptions{
		AllowInsecureLoopback: s.Config.AllowInsecureLoopbackRedirectURIs,
		AllowPrivateIP:        s.Config.AllowPrivateIPRedirectURIs,
	}
	for _, uri := range reg.RedirectURIs {
		if err := util.ValidateRedirectURI(uri, opts); err != nil {
			return newError(ErrorCodeInvalidRedirectURI, err.Error(), err)
		}
	}

	if len(s.Config.SupportedScopes) > 0 && !util.ScopesSubset(reg.Scopes, s.Config.SupportedScopes) {
		return newError(ErrorCodeInvalidClientMetadata,
			fmt.Sprintf("unsupported scopes: %v", util.MissingScopes(reg.Scopes, s.Config.SupportedScopes)), nil)
	}
	if reg.AccessTokenTTL < 0 || reg.RefreshTokenTTL < 0 {
		return newError(ErrorCodeInvalidClientMetadata, "token lifetimes must not be negative", nil)
	}
	return nil
}

// resolveClientTypeAndAuthMethod determines the client type and auth method.
// Per RFC 7591 Section 2: token_endpoint_auth_method determines client type.
func resolveClientTypeAndAuthMethod(clientType, tokenEndpointAuthMethod string) (string, string) {
	if tokenEndpointAuthMethod == TokenEndpointAuthMethodNone && clientType == "" {
		clientType = ClientTypePublic
	} else if clientType == "" {
		clientType = ClientTypeConfidential
	}

	if tokenEndpointAuthMethod == "" {
		if clientType == ClientTypePublic {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodNone
		} else {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
		}
	}

	return clientType, tokenEndpointAuthMethod
}

// generateClientSecret hashes the given secret, or a random one, for confidential clients
func generateClientSecret(clientType, given string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := given
	if clientSecret == "" {
		clientSecret = generateRandomToken()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// GetClient retrieves a client by ID
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.clientStore.GetClient(storeCtx, clientID)
}

// ListClients lists all registered clients
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.clientStore.ListClients(storeCtx)
}

// DeregisterClient removes a client. Tokens already issued to it stay valid
// until they expire.
func (s *Server) DeregisterClient(ctx context.Context, clientID, clientIP string) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.clientStore.DeleteClient(storeCtx, clientID); err != nil {
		return err
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventClientDeregistered,
		ClientID:  clientID,
		IPAddress: clientIP,
	})
	s.Logger.Info("Deregistered OAuth client", "client_id", clientID, "client_ip", clientIP)
	return nil
}

// AuthenticateClient authenticates a client at the token endpoint.
// Confidential clients must present their secret; public clients must not
// present one. Unknown clients cost the same bcrypt comparison as wrong
// secrets. Every failure is invalid_client.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	client, err := s.clientStore.GetClient(storeCtx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Error("Failed to load client", "client_id", clientID, "error", err)
			return nil, serverError(err)
		}
		// Keep unknown clients on the same timing path
		_ = s.clientStore.ValidateClientSecret(storeCtx, clientID, clientSecret)
		return nil, s.clientAuthFailed(ctx, clientID, clientIP, "unknown_client", err)
	}

	if client.ClientType == ClientTypePublic {
		if clientSecret != "" {
			return nil, s.clientAuthFailed(ctx, clientID, clientIP, "public_client_secret", nil)
		}
		return client, nil
	}

	if clientSecret == "" {
		return nil, s.clientAuthFailed(ctx, clientID, clientIP, "missing_secret", nil)
	}
	if err := s.clientStore.ValidateClientSecret(storeCtx, clientID, clientSecret); err != nil {
		if !errors.Is(err, storage.ErrInvalidClientCredentials) {
			s.Logger.Error("Failed to validate client secret", "client_id", clientID, "error", err)
			return nil, serverError(err)
		}
		return nil, s.clientAuthFailed(ctx, clientID, clientIP, "invalid_secret", err)
	}
	return client, nil
}

func (s *Server) clientAuthFailed(ctx context.Context, clientID, clientIP, reason string, err error) *Error {
	s.Logger.Debug("Client authentication failed", "client_id", clientID, "reason", reason)
	s.Auditor.LogAuthFailure(clientID, clientIP, reason)
	s.metrics().RecordClientAuthFailure(ctx, reason)
	return invalidClient(err)
}
