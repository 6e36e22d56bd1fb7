package app

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	oauth "github.com/giantswarm/oidc-authserver"
	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/server"
	"github.com/giantswarm/oidc-authserver/storage/valkey"
)

// Storage backends
const (
	storageMemory = "memory"
	storageValkey = "valkey"
)

// Log formats
const (
	logFormatJSON = "json"
	logFormatText = "text"
)

// serveDefaults holds every serve setting that has a non-zero default.
// The same values back the flag defaults and viper's defaults.
var serveDefaults = map[string]any{
	"address":             ":8080",
	"storage":             storageMemory,
	"valkey-key-prefix":   valkey.DefaultKeyPrefix,
	"key-size":            keys.DefaultKeySize,
	"code-ttl":            server.DefaultAuthorizationCodeTTL,
	"access-token-ttl":    server.DefaultAccessTokenTTL,
	"id-token-ttl":        server.DefaultIDTokenTTL,
	"refresh-token-ttl":   server.DefaultRefreshTokenTTL,
	"store-timeout":       server.DefaultStoreTimeout,
	"scopes":              []string{"openid", "profile", "email", "offline_access"},
	"max-clients-per-ip":  10,
	"trusted-proxy-count": 1,
	"audit-log":           true,
	"metrics-exporter":    instrumentation.ExporterNone,
	"traces-exporter":     instrumentation.ExporterNone,
	"trace-sampling-rate": 1.0,
	"shutdown-timeout":    30 * time.Second,
	"log-level":           "info",
	"log-format":          logFormatJSON,
}

// setServeDefaults registers serveDefaults with v
func setServeDefaults(v *viper.Viper) {
	for key, value := range serveDefaults {
		v.SetDefault(key, value)
	}
}

// userConfig is a resource owner loaded from the config file.
// Passwords are stored as bcrypt hashes; see the hash-password command.
type userConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Subject      string `mapstructure:"subject"`
	Email        string `mapstructure:"email"`
	Name         string `mapstructure:"name"`
}

// clientConfig is a client registered at startup from the config file
type clientConfig struct {
	ClientID                string        `mapstructure:"client_id"`
	ClientSecret            string        `mapstructure:"client_secret"`
	ClientName              string        `mapstructure:"client_name"`
	ClientType              string        `mapstructure:"client_type"`
	TokenEndpointAuthMethod string        `mapstructure:"token_endpoint_auth_method"`
	RedirectURIs            []string      `mapstructure:"redirect_uris"`
	GrantTypes              []string      `mapstructure:"grant_types"`
	Scopes                  []string      `mapstructure:"scopes"`
	AccessTokenTTL          time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL         time.Duration `mapstructure:"refresh_token_ttl"`
	RequirePKCE             bool          `mapstructure:"require_pkce"`
	RequireConsent          bool          `mapstructure:"require_consent"`
}

// serveConfig is the resolved configuration of the serve command
type serveConfig struct {
	Address     string
	TLSCertFile string
	TLSKeyFile  string
	Issuer      string

	LogLevel  string
	LogFormat string

	Storage          string
	ValkeyAddress    string
	ValkeyUsername   string
	ValkeyPassword   string
	ValkeyDB         int
	ValkeyKeyPrefix  string
	EncryptionKey    string
	StoreTimeout     time.Duration
	SigningKeyFile   string
	KeySize          int
	KeyRotation      time.Duration
	CodeTTL          time.Duration
	AccessTokenTTL   time.Duration
	IDTokenTTL       time.Duration
	RefreshTokenTTL  time.Duration
	DisableRotation  bool
	RequirePKCE      bool
	AllowPKCEPlain   bool
	Scopes           []string

	AllowInsecureHTTP       bool
	AllowLoopbackRedirects  bool
	AllowPrivateIPRedirects bool

	RegistrationToken string
	MaxClientsPerIP   int
	TrustProxy        bool
	TrustedProxyCount int

	RateLimit       float64
	RateLimitBurst  int
	ClientRateLimit float64
	ClientRateBurst int
	AuditLog        bool

	MetricsExporter   string
	TracesExporter    string
	OTLPEndpoint      string
	OTLPInsecure      bool
	TraceSamplingRate float64
	LogClientIPs      bool

	ShutdownTimeout time.Duration

	Users   []userConfig
	Clients []clientConfig
}

// registerServeFlags declares the serve flags and binds them to v
func registerServeFlags(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("address", serveDefaults["address"].(string), "Address to listen on")
	flags.String("tls-cert-file", "", "TLS certificate file; serves HTTPS when set with --tls-key-file")
	flags.String("tls-key-file", "", "TLS private key file")
	flags.String("issuer", "", "Issuer identifier, the public base URL of this server (required)")

	flags.String("storage", storageMemory, "Storage backend: memory or valkey")
	flags.String("valkey-address", "", "Valkey host:port")
	flags.String("valkey-username", "", "Valkey ACL user")
	flags.String("valkey-password", "", "Valkey password")
	flags.Int("valkey-db", 0, "Valkey database number")
	flags.String("valkey-key-prefix", valkey.DefaultKeyPrefix, "Prefix for every Valkey key")
	flags.String("encryption-key", "", "Base64 AES-256 key encrypting subjects at rest and the signing key file")
	flags.Duration("store-timeout", server.DefaultStoreTimeout, "Timeout of each storage call")

	flags.String("signing-key-file", "", "PEM signing key; an ephemeral key is generated when empty")
	flags.Int("key-size", keys.DefaultKeySize, "RSA modulus size of generated signing keys")
	flags.Duration("key-rotation-interval", 0, "Rotate the signing key on this interval; 0 disables")

	flags.Duration("code-ttl", server.DefaultAuthorizationCodeTTL, "Authorization code lifetime")
	flags.Duration("access-token-ttl", server.DefaultAccessTokenTTL, "Default access token lifetime")
	flags.Duration("id-token-ttl", server.DefaultIDTokenTTL, "ID token lifetime")
	flags.Duration("refresh-token-ttl", server.DefaultRefreshTokenTTL, "Default refresh token lifetime")
	flags.Bool("disable-refresh-rotation", false, "Keep refresh tokens reusable until they expire (not recommended)")
	flags.Bool("require-pkce", false, "Require PKCE from every client")
	flags.Bool("allow-pkce-plain", false, "Accept the plain code_challenge_method (not recommended)")
	flags.StringSlice("scopes", serveDefaults["scopes"].([]string), "Scopes clients may be granted")
	flags.Bool("allow-insecure-http", false, "Allow an http issuer on a non-loopback host")
	flags.Bool("allow-loopback-redirects", false, "Allow http redirect URIs on loopback hosts")
	flags.Bool("allow-private-ip-redirects", false, "Allow redirect URIs on private network addresses")

	flags.String("registration-token", "", "Bearer token for the client registration endpoint; disabled when empty")
	flags.Int("max-clients-per-ip", 10, "Client registrations allowed per IP per hour")
	flags.Bool("trust-proxy", false, "Trust X-Forwarded-For from a reverse proxy")
	flags.Int("trusted-proxy-count", 1, "Number of trusted proxies in front of the server")

	flags.Float64("rate-limit", 0, "Requests per second per client IP; 0 disables")
	flags.Int("rate-limit-burst", 0, "Burst per client IP; defaults to twice the rate")
	flags.Float64("client-rate-limit", 0, "Token requests per second per client_id; 0 disables")
	flags.Int("client-rate-limit-burst", 0, "Burst per client_id; defaults to twice the rate")
	flags.Bool("audit-log", true, "Emit security audit events")

	flags.String("metrics-exporter", instrumentation.ExporterNone, "Metrics exporter: prometheus or none")
	flags.String("traces-exporter", instrumentation.ExporterNone, "Trace exporter: otlp or none")
	flags.String("otlp-endpoint", "", "OTLP/HTTP collector host:port")
	flags.Bool("otlp-insecure", false, "Disable TLS towards the OTLP collector")
	flags.Float64("trace-sampling-rate", 1.0, "Ratio of traces sampled")
	flags.Bool("log-client-ips", false, "Attach client IPs to spans")

	flags.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	flags.VisitAll(func(f *pflag.Flag) {
		bindFlags(v, flags, f.Name)
	})
	setServeDefaults(v)
}

// loadServeConfig resolves the serve settings from v and validates them
func loadServeConfig(v *viper.Viper) (*serveConfig, error) {
	cfg := &serveConfig{
		Address:     v.GetString("address"),
		TLSCertFile: v.GetString("tls-cert-file"),
		TLSKeyFile:  v.GetString("tls-key-file"),
		Issuer:      v.GetString("issuer"),
		LogLevel:    v.GetString("log-level"),
		LogFormat:   v.GetString("log-format"),

		Storage:         v.GetString("storage"),
		ValkeyAddress:   v.GetString("valkey-address"),
		ValkeyUsername:  v.GetString("valkey-username"),
		ValkeyPassword:  v.GetString("valkey-password"),
		ValkeyDB:        v.GetInt("valkey-db"),
		ValkeyKeyPrefix: v.GetString("valkey-key-prefix"),
		EncryptionKey:   v.GetString("encryption-key"),
		StoreTimeout:    v.GetDuration("store-timeout"),

		SigningKeyFile: v.GetString("signing-key-file"),
		KeySize:        v.GetInt("key-size"),
		KeyRotation:    v.GetDuration("key-rotation-interval"),

		CodeTTL:           v.GetDuration("code-ttl"),
		AccessTokenTTL:    v.GetDuration("access-token-ttl"),
		IDTokenTTL:        v.GetDuration("id-token-ttl"),
		RefreshTokenTTL:   v.GetDuration("refresh-token-ttl"),
		DisableRotation:   v.GetBool("disable-refresh-rotation"),
		RequirePKCE:       v.GetBool("require-pkce"),
		AllowPKCEPlain:    v.GetBool("allow-pkce-plain"),
		Scopes:            v.GetStringSlice("scopes"),
		AllowInsecureHTTP: v.GetBool("allow-insecure-http"),

		AllowLoopbackRedirects:  v.GetBool("allow-loopback-redirects"),
		AllowPrivateIPRedirects: v.GetBool("allow-private-ip-redirects"),

		RegistrationToken: v.GetString("registration-token"),
		MaxClientsPerIP:   v.GetInt("max-clients-per-ip"),
		TrustProxy:        v.GetBool("trust-proxy"),
		TrustedProxyCount: v.GetInt("trusted-proxy-count"),

		RateLimit:       v.GetFloat64("rate-limit"),
		RateLimitBurst:  v.GetInt("rate-limit-burst"),
		ClientRateLimit: v.GetFloat64("client-rate-limit"),
		ClientRateBurst: v.GetInt("client-rate-limit-burst"),
		AuditLog:        v.GetBool("audit-log"),

		MetricsExporter:   v.GetString("metrics-exporter"),
		TracesExporter:    v.GetString("traces-exporter"),
		OTLPEndpoint:      v.GetString("otlp-endpoint"),
		OTLPInsecure:      v.GetBool("otlp-insecure"),
		TraceSamplingRate: v.GetFloat64("trace-sampling-rate"),
		LogClientIPs:      v.GetBool("log-client-ips"),

		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
	}

	if err := v.UnmarshalKey("users", &cfg.Users); err != nil {
		return nil, fmt.Errorf("invalid users: %w", err)
	}
	if err := v.UnmarshalKey("clients", &cfg.Clients); err != nil {
		return nil, fmt.Errorf("invalid clients: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *serveConfig) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if _, err := url.Parse(c.Issuer); err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}

	switch c.Storage {
	case storageMemory:
	case storageValkey:
		if c.ValkeyAddress == "" {
			return fmt.Errorf("valkey-address is required for the valkey storage backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}

	switch c.LogFormat {
	case logFormatJSON, logFormatText:
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls-cert-file and tls-key-file must be set together")
	}

	for i, u := range c.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: username and password_hash are required", i)
		}
	}
	for i, cl := range c.Clients {
		if cl.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		confidential := cl.ClientType != server.ClientTypePublic && cl.TokenEndpointAuthMethod != server.TokenEndpointAuthMethodNone
		if confidential && cl.ClientSecret == "" {
			return fmt.Errorf("clients[%d]: client_secret is required for confidential clients", i)
		}
	}
	return nil
}

// maxSignedTokenTTL is the longest lifetime of a token signed by the key
// manager. Refresh tokens are opaque and do not count.
func (c *serveConfig) maxSignedTokenTTL() time.Duration {
	longest := max(c.AccessTokenTTL, c.IDTokenTTL)
	for _, cl := range c.Clients {
		longest = max(longest, cl.AccessTokenTTL)
	}
	return longest
}

func (c *serveConfig) keysConfig() keys.Config {
	return keys.Config{
		KeySize:          c.KeySize,
		RotationInterval: c.KeyRotation,
		MaxTokenTTL:      c.maxSignedTokenTTL(),
	}
}

func (c *serveConfig) serverConfig() *server.Config {
	return &server.Config{
		Issuer:                            c.Issuer,
		AuthorizationCodeTTL:              c.CodeTTL,
		AccessTokenTTL:                    c.AccessTokenTTL,
		IDTokenTTL:                        c.IDTokenTTL,
		RefreshTokenTTL:                   c.RefreshTokenTTL,
		DisableRefreshTokenRotation:       c.DisableRotation,
		RequirePKCE:                       c.RequirePKCE,
		AllowPKCEPlain:                    c.AllowPKCEPlain,
		SupportedScopes:                   c.Scopes,
		TrustProxy:                        c.TrustProxy,
		TrustedProxyCount:                 c.TrustedProxyCount,
		RegistrationAccessToken:           c.RegistrationToken,
		MaxClientsPerIP:                   c.MaxClientsPerIP,
		AllowInsecureLoopbackRedirectURIs: c.AllowLoopbackRedirects,
		AllowPrivateIPRedirectURIs:        c.AllowPrivateIPRedirects,
		AllowInsecureHTTP:                 c.AllowInsecureHTTP,
		StoreTimeout:                      c.StoreTimeout,
	}
}

func (c *serveConfig) httpConfig() *oauth.Config {
	return &oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Rate:        c.RateLimit,
			Burst:       c.RateLimitBurst,
			ClientRate:  c.ClientRateLimit,
			ClientBurst: c.ClientRateBurst,
		},
		EnableAuditLogging: c.AuditLog,
	}
}

func (c *serveConfig) instrumentationConfig() instrumentation.Config {
	return instrumentation.Config{
		ServiceVersion:    version,
		Enabled:           c.MetricsExporter != instrumentation.ExporterNone || c.TracesExporter != instrumentation.ExporterNone,
		LogClientIPs:      c.LogClientIPs,
		MetricsExporter:   c.MetricsExporter,
		TracesExporter:    c.TracesExporter,
		OTLPEndpoint:      c.OTLPEndpoint,
		OTLPInsecure:      c.OTLPInsecure,
		TraceSamplingRate: c.TraceSamplingRate,
	}
}

func (c *serveConfig) valkeyConfig(logger *slog.Logger) valkey.Config {
	return valkey.Config{
		Address:          c.ValkeyAddress,
		Username:         c.ValkeyUsername,
		Password:         c.ValkeyPassword,
		DB:               c.ValkeyDB,
		KeyPrefix:        c.ValkeyKeyPrefix,
		Logger:           logger,
		OperationTimeout: c.StoreTimeout,
	}
}
