package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server.
// All Record* methods are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant lifecycle
	GrantTransitions metric.Int64Counter
	TokensIssued     metric.Int64Counter
	TokenRefreshed   metric.Int64Counter
	TokenRevoked     metric.Int64Counter
	TokenValidations metric.Int64Counter
	Introspections   metric.Int64Counter
	ClientRegistered metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	ClientAuthFailures   metric.Int64Counter

	// Keys
	KeyRotations     metric.Int64Counter
	KeysPruned       metric.Int64Counter
	VerificationKeys metric.Int64ObservableGauge

	// Storage
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageFamiliesCount      metric.Int64ObservableGauge
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type gaugeSpec struct {
	dst         *metric.Int64ObservableGauge
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	keysMeter := inst.Meter("keys")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.GrantTransitions, serverMeter, "oauth.grant.transitions", "Grant state machine transitions", "{transition}"},
		{&m.TokensIssued, serverMeter, "oauth.tokens.issued", "Tokens issued by type and grant", "{token}"},
		{&m.TokenRefreshed, serverMeter, "oauth.token.refreshed", "Number of refresh token redemptions", "{refresh}"},
		{&m.TokenRevoked, serverMeter, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.TokenValidations, serverMeter, "oauth.token.validations", "Access token validations by result", "{validation}"},
		{&m.Introspections, serverMeter, "oauth.introspections", "Introspection requests by outcome", "{request}"},
		{&m.ClientRegistered, serverMeter, "oauth.client.registered", "Number of clients registered", "{client}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.security.rate_limit_exceeded", "Requests rejected by a rate limiter", "{request}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.security.pkce_validation_failed", "Failed PKCE verifications", "{failure}"},
		{&m.CodeReuseDetected, securityMeter, "oauth.security.code_reuse_detected", "Authorization code replays", "{event}"},
		{&m.TokenReuseDetected, securityMeter, "oauth.security.token_reuse_detected", "Refresh token replays", "{event}"},
		{&m.ClientAuthFailures, securityMeter, "oauth.security.client_auth_failures", "Failed client authentications", "{failure}"},
		{&m.KeyRotations, keysMeter, "oauth.keys.rotations", "Signing key rotations", "{rotation}"},
		{&m.KeysPruned, keysMeter, "oauth.keys.pruned", "Retired keys removed after their overlap window", "{key}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	gauges := []gaugeSpec{
		{&m.VerificationKeys, keysMeter, "oauth.keys.verification", "Keys currently published in the JWKS", "{key}"},
		{&m.StorageClientsCount, storageMeter, "storage.clients.count", "Number of registered clients", "{client}"},
		{&m.StorageCodesCount, storageMeter, "storage.codes.count", "Number of stored authorization codes", "{code}"},
		{&m.StorageRefreshTokensCount, storageMeter, "storage.refresh_tokens.count", "Number of stored refresh tokens", "{token}"},
		{&m.StorageFamiliesCount, storageMeter, "storage.families.count", "Number of refresh token families", "{family}"},
	}
	for _, g := range gauges {
		gauge, err := g.meter.Int64ObservableGauge(g.name, metric.WithDescription(g.description), metric.WithUnit(g.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = gauge
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordGrantTransition records a grant entering state
func (m *Metrics) RecordGrantTransition(ctx context.Context, clientID, state string) {
	if m == nil {
		return
	}
	m.GrantTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("state", state),
	))
}

// RecordTokenIssued records an issued token. tokenType is access, id or refresh.
func (m *Metrics) RecordTokenIssued(ctx context.Context, tokenType, grantType string) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRefresh records a refresh token redemption
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordTokenValidation records the outcome of an access token validation
func (m *Metrics) RecordTokenValidation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.TokenValidations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordIntrospection records an introspection request
func (m *Metrics) RecordIntrospection(ctx context.Context, tokenType string, active bool) {
	if m == nil {
		return
	}
	m.Introspections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
		attribute.Bool("active", active),
	))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("client_type", clientType)))
}

// RecordRateLimitExceeded records a rate limit rejection
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordPKCEValidationFailed records a PKCE verification failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records a replayed authorization code
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a replayed refresh token
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordClientAuthFailure records a failed client authentication
func (m *Metrics) RecordClientAuthFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ClientAuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordKeyRotation records a signing key rotation. trigger is "scheduled" or "manual".
func (m *Metrics) RecordKeyRotation(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.KeyRotations.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordKeysPruned records retired keys dropped from the JWKS
func (m *Metrics) RecordKeysPruned(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.KeysPruned.Add(ctx, int64(n))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
