package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	oauth "github.com/giantswarm/oidc-authserver"
	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/providers"
	usermemory "github.com/giantswarm/oidc-authserver/providers/memory"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/server"
	"github.com/giantswarm/oidc-authserver/storage"
	"github.com/giantswarm/oidc-authserver/storage/memory"
	"github.com/giantswarm/oidc-authserver/storage/valkey"
)

const (
	serverReadHeaderTimeout = 5 * time.Second
	serverReadTimeout       = 10 * time.Second
	serverWriteTimeout      = 15 * time.Second
	serverIdleTimeout       = 60 * time.Second
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server.

Resource owners and static clients are read from the config file:

  users:
    - username: alice
      password_hash: $2a$10$...   # see "authserver hash-password"
      subject: 8c1f...
  clients:
    - client_id: web
      client_secret: ...
      redirect_uris: [https://app.example.com/callback]
      grant_types: [authorization_code, refresh_token]
      scopes: [openid, profile, offline_access]`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v, cmd)
		},
	}
	registerServeFlags(cmd.Flags(), v)
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper, cmd *cobra.Command) error {
	cfg, err := loadServeConfig(v)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           app.handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authorization server listening",
			"address", cfg.Address,
			"issuer", cfg.Issuer,
			"storage", cfg.Storage,
			"tls", cfg.TLSCertFile != "",
			"registration", cfg.RegistrationToken != "",
			"version", version)
		var err error
		if cfg.TLSCertFile != "" {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down authorization server")
	case serveErr = <-errCh:
		logger.Error("HTTP server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shut down", "error", err)
	}
	app.close(shutdownCtx)

	logger.Info("Shutdown complete")
	return serveErr
}

// application is the wired server with everything that needs closing
type application struct {
	handler http.Handler
	server  *oauth.Server
	keys    *keys.Manager
	logger  *slog.Logger
	closers []func(context.Context) error
}

func (a *application) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Error during shutdown", "error", err)
		}
	}
}

// buildApp wires storage, keys, instrumentation and the HTTP handler from cfg.
// On error everything created so far is closed.
func buildApp(ctx context.Context, cfg *serveConfig, logger *slog.Logger) (_ *application, err error) {
	app := &application{logger: logger}
	defer func() {
		if err != nil {
			app.close(context.Background())
		}
	}()

	encryptor, err := encryptorFromBase64(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	inst, err := instrumentation.New(cfg.instrumentationConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	app.closers = append(app.closers, inst.Shutdown)

	store, err := newStore(cfg, encryptor, inst, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, store.close)

	km, err := newKeyManager(cfg, encryptor, logger)
	if err != nil {
		return nil, err
	}
	km.SetInstrumentation(inst)
	km.Start(ctx)
	app.keys = km
	app.closers = append(app.closers, func(context.Context) error {
		km.Stop()
		return nil
	})

	users := usermemory.New()
	for _, u := range cfg.Users {
		info := providers.UserInfo{Subject: u.Subject, Username: u.Username, Email: u.Email, Name: u.Name}
		if err := users.AddUserWithHash(u.Username, u.PasswordHash, info); err != nil {
			return nil, fmt.Errorf("failed to add user %s: %w", u.Username, err)
		}
	}

	srv, err := oauth.NewServer(store, km, users, cfg.serverConfig(), cfg.httpConfig(), logger)
	if err != nil {
		return nil, err
	}
	srv.SetInstrumentation(inst)
	app.server = srv
	app.closers = append(app.closers, srv.Shutdown)

	if err := registerStaticClients(ctx, srv, cfg.Clients, logger); err != nil {
		return nil, err
	}

	handler := oauth.NewHandler(srv, logger)
	app.handler = handler.Routes()
	return app, nil
}

// backend is a Store that can be closed
type backend struct {
	oauth.Store
	close func(context.Context) error
}

func newStore(cfg *serveConfig, enc *security.Encryptor, inst *instrumentation.Instrumentation, logger *slog.Logger) (*backend, error) {
	switch cfg.Storage {
	case storageValkey:
		vs, err := valkey.New(cfg.valkeyConfig(logger))
		if err != nil {
			return nil, err
		}
		vs.SetEncryptor(enc)
		return &backend{Store: vs, close: func(context.Context) error { return vs.Close() }}, nil
	default:
		ms := memory.New()
		ms.SetLogger(logger)
		ms.SetInstrumentation(inst)
		logger.Warn("Using in-memory storage; clients and tokens are lost on restart")
		return &backend{Store: ms, close: func(context.Context) error {
			ms.Stop()
			return nil
		}}, nil
	}
}

func newKeyManager(cfg *serveConfig, enc *security.Encryptor, logger *slog.Logger) (*keys.Manager, error) {
	if cfg.SigningKeyFile != "" {
		km, err := keys.LoadFile(cfg.keysConfig(), cfg.SigningKeyFile, enc, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		return km, nil
	}
	logger.Warn("No signing key file configured; generated an ephemeral key. Tokens will not survive a restart")
	return keys.New(cfg.keysConfig(), logger)
}

// registerStaticClients registers the configured clients.
// Clients that already exist in persistent storage are left unchanged.
func registerStaticClients(ctx context.Context, srv *oauth.Server, clients []clientConfig, logger *slog.Logger) error {
	for _, c := range clients {
		_, _, err := srv.RegisterClient(ctx, server.ClientRegistration{
			ClientID:                c.ClientID,
			ClientSecret:            c.ClientSecret,
			ClientName:              c.ClientName,
			ClientType:              c.ClientType,
			TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
			RedirectURIs:            c.RedirectURIs,
			GrantTypes:              c.GrantTypes,
			Scopes:                  c.Scopes,
			AccessTokenTTL:          c.AccessTokenTTL,
			RefreshTokenTTL:         c.RefreshTokenTTL,
			RequirePKCE:             c.RequirePKCE,
			RequireConsent:          c.RequireConsent,
		}, "config")
		if errors.Is(err, storage.ErrDuplicateClientID) {
			logger.Debug("Static client already registered", "client_id", c.ClientID)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to register client %s: %w", c.ClientID, err)
		}
	}
	return nil
}
