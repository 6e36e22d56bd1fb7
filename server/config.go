package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"
)

// Default lifetimes
const (
	DefaultAuthorizationCodeTTL = 60 * time.Second
	DefaultAccessTokenTTL       = 5 * time.Minute
	DefaultIDTokenTTL           = 5 * time.Minute
	DefaultRefreshTokenTTL      = 8 * time.Hour
	DefaultStoreTimeout         = 2 * time.Second
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL).
	// It is the iss claim of every token.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 60s

	// AccessTokenTTL is how long access tokens are valid unless the client overrides it
	AccessTokenTTL time.Duration // default: 5m

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL time.Duration // default: 5m

	// RefreshTokenTTL is how long refresh tokens are valid unless the client overrides it
	RefreshTokenTTL time.Duration // default: 8h

	// ClockSkew is the leeway applied when validating token timestamps
	// Default: 0 (exact expiry)
	ClockSkew time.Duration

	// DisableRefreshTokenRotation keeps a refresh token reusable until it expires.
	// WARNING: Without rotation a leaked refresh token cannot be detected
	// Default: false (rotation with reuse detection)
	DisableRefreshTokenRotation bool

	// RequirePKCE enforces PKCE for every authorization request.
	// Public clients and clients registered with RequirePKCE always need it.
	// Default: false
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// When false, only S256 method is accepted
	// Default: false
	AllowPKCEPlain bool

	// SupportedScopes lists the scopes any client may be granted.
	// If empty, only per-client scope lists apply.
	SupportedScopes []string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// RegistrationAccessToken is the bearer token required for the client
	// registration endpoints. Registration is disabled when empty.
	RegistrationAccessToken string

	// MaxClientsPerIP limits client registrations per IP address per hour
	// Default: 10
	MaxClientsPerIP int

	// AllowInsecureLoopbackRedirectURIs permits http:// redirect URIs on loopback
	// hosts for native apps (RFC 8252 Section 7.3)
	// Default: false
	AllowInsecureLoopbackRedirectURIs bool

	// AllowPrivateIPRedirectURIs permits redirect URIs on private network addresses
	// Default: false
	AllowPrivateIPRedirectURIs bool

	// AllowInsecureHTTP allows an http:// issuer on non-loopback hosts.
	// WARNING: Exposes tokens and credentials to interception
	// Default: false
	AllowInsecureHTTP bool

	// StoreTimeout bounds every storage call
	// Default: 2s
	StoreTimeout time.Duration

	// Now overrides the clock, for tests
	Now func() time.Time
}

// applySecureDefaults fills unset values and logs warnings for insecure settings.
// It mutates and returns config.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}
	if config.MaxClientsPerIP <= 0 {
		config.MaxClientsPerIP = 10
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.IDTokenTTL <= 0 {
		config.IDTokenTTL = DefaultIDTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
}

// Validate checks the configuration after defaults are applied
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if issuerURL.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL")
	}
	if issuerURL.RawQuery != "" || issuerURL.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	switch issuerURL.Scheme {
	case "https":
	case "http":
		if !isLocalhostHostname(issuerURL.Hostname()) && !c.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS in production (got http://%s); set AllowInsecureHTTP to override", issuerURL.Hostname())
		}
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	if c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 || c.IDTokenTTL < 0 || c.AuthorizationCodeTTL < 0 {
		return fmt.Errorf("token lifetimes must not be negative")
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("clock skew must not be negative")
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.DisableRefreshTokenRotation {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay usable until they expire",
			"recommendation", "Leave DisableRefreshTokenRotation=false")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowInsecureHTTP {
		logger.Error("CRITICAL SECURITY WARNING: HTTP issuer allowed on non-loopback hosts",
			"issuer", config.Issuer,
			"risk", "Tokens and credentials exposed to network sniffing")
	}
	if config.RegistrationAccessToken == "" {
		logger.Warn("CONFIGURATION WARNING: RegistrationAccessToken not configured",
			"risk", "Client registration endpoints are disabled",
			"recommendation", "Set RegistrationAccessToken to manage clients over HTTP")
	}
}

// isLocalhostHostname reports whether hostname is the local machine.
// Covers localhost, the 127.0.0.0/8 range, ::1 and 0.0.0.0.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
