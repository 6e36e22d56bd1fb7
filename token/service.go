package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

// Values of the typ header. Validate accepts only AccessTokenType, so an ID
// token is never mistaken for an access token (RFC 9068 Section 2.1).
const (
	AccessTokenType = "at+jwt"
	IDTokenType     = "JWT"
)

const (
	// DefaultAccessTokenTTL is the lifetime of access tokens
	DefaultAccessTokenTTL = 5 * time.Minute

	// DefaultIDTokenTTL is the lifetime of ID tokens
	DefaultIDTokenTTL = 5 * time.Minute

	// DefaultRefreshTokenTTL is the lifetime of refresh tokens
	DefaultRefreshTokenTTL = 8 * time.Hour
)

// Config configures a Service
type Config struct {
	// Issuer is the iss claim of every token and the only issuer accepted by Validate
	Issuer string

	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration

	// ClockSkew is the leeway applied to exp, nbf and iat. Default: none.
	ClockSkew time.Duration

	// DisableRefreshRotation keeps refresh tokens valid and reusable until they expire
	DisableRefreshRotation bool

	// Now overrides the clock, for tests
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.IDTokenTTL <= 0 {
		c.IDTokenTTL = DefaultIDTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Service issues and validates tokens.
// Access and ID tokens are RS256 JWTs signed by the key manager's current key
// and never stored. Refresh tokens are opaque and stored by hash.
type Service struct {
	config Config
	keys   *keys.Manager
	store  storage.RefreshTokenStore
	logger *slog.Logger
	parser *jwt.Parser

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewService creates a token service
func NewService(config Config, km *keys.Manager, store storage.RefreshTokenStore, logger *slog.Logger) (*Service, error) {
	if config.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if km == nil {
		return nil, errors.New("key manager is required")
	}
	if store == nil {
		return nil, errors.New("refresh token store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	s := &Service{
		config: config,
		keys:   km,
		store:  store,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("token"),
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{keys.AlgorithmRS256}),
		jwt.WithIssuer(config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(config.ClockSkew),
		jwt.WithTimeFunc(config.Now),
	)
	return s, nil
}

// SetAuditor enables security audit events
func (s *Service) SetAuditor(auditor *security.Auditor) {
	s.auditor = auditor
}

// SetInstrumentation enables metrics and tracing
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.tracer = inst.Tracer("token")
}

// Config returns the effective configuration
func (s *Service) Config() Config {
	return s.config
}

// IssueAccessToken signs an access token. A zero ttl uses the service default.
func (s *Service) IssueAccessToken(ctx context.Context, subject, clientID string, scopes []string, ttl time.Duration) (string, *Claims, error) {
	_, span := s.tracer.Start(ctx, "token.issue_access")
	defer span.End()

	if ttl <= 0 {
		ttl = s.config.AccessTokenTTL
	}
	now := s.config.Now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Scope:    util.FormatScope(scopes),
		ClientID: clientID,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["typ"] = AccessTokenType
	raw, err := s.keys.CurrentSigningKey().Sign(tok)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	instrumentation.AddGrantAttributes(span, clientID, "", claims.Scope)
	return raw, claims, nil
}

// IssueIDToken signs an OpenID Connect ID token
func (s *Service) IssueIDToken(ctx context.Context, req IDTokenRequest) (string, error) {
	_, span := s.tracer.Start(ctx, "token.issue_id")
	defer span.End()

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.config.IDTokenTTL
	}
	now := s.config.Now()

	claims := &IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{req.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Nonce:           req.Nonce,
		AuthorizedParty: req.ClientID,
	}
	if !req.AuthTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(req.AuthTime)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["typ"] = IDTokenType
	raw, err := s.keys.CurrentSigningKey().Sign(tok)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return raw, nil
}

// Validate verifies an access token's signature, type, issuer and lifetime.
// Errors wrap ErrMalformed, ErrSignatureInvalid, ErrExpired or ErrIssuerMismatch.
// Tokens without the at+jwt typ header, such as ID tokens, fail with ErrMalformed.
func (s *Service) Validate(ctx context.Context, raw string) (*Claims, error) {
	ctx, span := s.tracer.Start(ctx, "token.validate")
	defer span.End()

	claims := &Claims{}
	tok, err := s.parser.ParseWithClaims(raw, claims, s.keyfunc)
	err = classifyParseError(err)
	if err == nil {
		if typ, _ := tok.Header["typ"].(string); !isAccessTokenType(typ) {
			err = fmt.Errorf("%w: typ %q is not an access token", ErrMalformed, typ)
		}
	}
	s.instrumentation.Metrics().RecordTokenValidation(ctx, validationResult(err))

	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, ErrExpired) {
			s.logger.Debug("Access token expired")
		} else {
			s.logger.Warn("Access token rejected", "reason", validationResult(err), "error", err)
			s.auditor.LogEvent(security.Event{
				Type:    security.EventInvalidToken,
				Details: map[string]any{"reason": validationResult(err)},
			})
		}
		return nil, err
	}
	return claims, nil
}

// isAccessTokenType accepts the typ header with or without the
// "application/" prefix, compared case-insensitively
func isAccessTokenType(typ string) bool {
	typ = strings.ToLower(typ)
	return strings.TrimPrefix(typ, "application/") == AccessTokenType
}

func (s *Service) keyfunc(tok *jwt.Token) (any, error) {
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid header", ErrUnknownKey)
	}
	pub, err := s.keys.PublicKey(kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownKey, err)
	}
	return pub.Key, nil
}

// classifyParseError maps golang-jwt errors onto this package's sentinels.
// Signature problems are checked before claim problems because the parser
// only validates claims of correctly signed tokens.
func classifyParseError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownKey):
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, ErrUnknownKey)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %w", ErrIssuerMismatch, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
}
