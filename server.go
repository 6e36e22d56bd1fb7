package oauth

import (
	"fmt"
	"log/slog"

	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/providers"
	"github.com/giantswarm/oidc-authserver/server"
	"github.com/giantswarm/oidc-authserver/storage"
)

// Server is the protocol core served by Handler
type Server = server.Server

// ServerConfig configures the protocol core
type ServerConfig = server.Config

// Store is a backend implementing every storage interface, as the memory and
// valkey stores do
type Store interface {
	storage.ClientStore
	storage.AuthorizationCodeStore
	storage.RefreshTokenStore
}

// NewServer creates the authorization server core on a single store and
// applies the HTTP-level options in config.
func NewServer(
	store Store,
	km *keys.Manager,
	authenticator providers.Authenticator,
	serverConfig *ServerConfig,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv, err := server.New(store, store, store, km, authenticator, serverConfig, logger)
	if err != nil {
		return nil, err
	}
	if config != nil {
		config.Apply(srv, logger)
	}
	return srv, nil
}
