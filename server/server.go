package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/providers"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
	"github.com/giantswarm/oidc-authserver/token"
)

// Server implements the authorization server logic.
// It runs the grant state machine over the client registry, the code store
// and the token service. HTTP concerns live in the root package.
type Server struct {
	clientStore   storage.ClientStore
	codeStore     storage.AuthorizationCodeStore
	keys          *keys.Manager
	tokens        *token.Service
	authenticator providers.Authenticator

	Auditor                 *security.Auditor
	RateLimiter             *security.RateLimiter                   // IP-based rate limiter
	ClientRateLimiter       *security.RateLimiter                   // Per-client token endpoint rate limiter
	RegistrationRateLimiter *security.ClientRegistrationRateLimiter // Per-IP client registration limiter
	Instrumentation         *instrumentation.Instrumentation
	Logger                  *slog.Logger
	Config                  *Config

	tracer trace.Tracer
}

// New creates a new authorization server.
// The refresh store backs the token service that New builds from config.
func New(
	clientStore storage.ClientStore,
	codeStore storage.AuthorizationCodeStore,
	refreshStore storage.RefreshTokenStore,
	km *keys.Manager,
	authenticator providers.Authenticator,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("authorization code store is required")
	}
	if refreshStore == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if km == nil {
		return nil, fmt.Errorf("key manager is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	tokens, err := token.NewService(token.Config{
		Issuer:                 config.Issuer,
		AccessTokenTTL:         config.AccessTokenTTL,
		IDTokenTTL:             config.IDTokenTTL,
		RefreshTokenTTL:        config.RefreshTokenTTL,
		ClockSkew:              config.ClockSkew,
		DisableRefreshRotation: config.DisableRefreshTokenRotation,
		Now:                    config.Now,
	}, km, refreshStore, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	return &Server{
		clientStore:   clientStore,
		codeStore:     codeStore,
		keys:          km,
		tokens:        tokens,
		authenticator: authenticator,
		Logger:        logger,
		Config:        config,
		tracer:        noop.NewTracerProvider().Tracer("server"),
	}, nil
}

// SetAuditor sets the security auditor on the server, its token service and key manager
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.tokens.SetAuditor(aud)
	s.keys.SetAuditor(aud)
}

// SetInstrumentation enables metrics and tracing for the server and its token service
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	s.tracer = inst.Tracer("server")
	s.tokens.SetInstrumentation(inst)
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetClientRateLimiter sets the per-client rate limiter for the token endpoint
func (s *Server) SetClientRateLimiter(rl *security.RateLimiter) {
	s.ClientRateLimiter = rl
}

// SetRegistrationRateLimiter sets the per-IP client registration limiter
func (s *Server) SetRegistrationRateLimiter(rl *security.ClientRegistrationRateLimiter) {
	s.RegistrationRateLimiter = rl
}

// Shutdown stops the rate limiters' cleanup goroutines.
// It does not stop the key manager or the stores, which the caller owns.
func (s *Server) Shutdown(_ context.Context) error {
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
	if s.ClientRateLimiter != nil {
		s.ClientRateLimiter.Stop()
	}
	return nil
}

// Keys returns the key manager, for JWKS publication
func (s *Server) Keys() *keys.Manager {
	return s.keys
}

// Tokens returns the token service
func (s *Server) Tokens() *token.Service {
	return s.tokens
}

// Authenticator returns the resource owner authenticator
func (s *Server) Authenticator() providers.Authenticator {
	return s.authenticator
}

// metrics is nil-safe, as are all Metrics methods
func (s *Server) metrics() *instrumentation.Metrics {
	return s.Instrumentation.Metrics()
}

// storeContext bounds a storage call by Config.StoreTimeout
func (s *Server) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.StoreTimeout)
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier yields 32 random bytes, base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
