package oauth

import (
	"log/slog"

	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/server"
)

// Config holds the HTTP-level options layered on top of the server core
type Config struct {
	// Rate limiting configuration
	RateLimit RateLimitConfig

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// ClientRate is token endpoint requests per second allowed per client_id.
	// Applied in addition to IP-based limiting. Zero disables.
	ClientRate float64

	// ClientBurst is the maximum burst size per client.
	ClientBurst int
}

// Apply wires the configured auditor and rate limiters into srv
func (c *Config) Apply(srv *server.Server, logger *slog.Logger) {
	srv.SetAuditor(security.NewAuditor(logger, c.EnableAuditLogging))

	if c.RateLimit.Rate > 0 {
		burst := c.RateLimit.Burst
		if burst <= 0 {
			burst = max(1, int(c.RateLimit.Rate*2))
		}
		srv.SetRateLimiter(security.NewRateLimiter(c.RateLimit.Rate, burst, logger))
	}
	if c.RateLimit.ClientRate > 0 {
		burst := c.RateLimit.ClientBurst
		if burst <= 0 {
			burst = max(1, int(c.RateLimit.ClientRate*2))
		}
		srv.SetClientRateLimiter(security.NewRateLimiter(c.RateLimit.ClientRate, burst, logger))
	}

	// MaxClientsPerIP bounds registrations per IP within the limiter window
	srv.SetRegistrationRateLimiter(security.NewClientRegistrationRateLimiterWithConfig(
		srv.Config.MaxClientsPerIP, security.DefaultRegistrationWindow, security.DefaultMaxRegistrationEntries, logger))
}
