package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authserver/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers a new client. SET NX makes the duplicate check atomic.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	created, err := s.client.SetNX(ctx, s.clientKey(client.ClientID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateClientID, client.ClientID)
	}

	if err := s.client.SAdd(ctx, s.clientIndexKey(), client.ClientID).Err(); err != nil {
		s.logger.Warn("Failed to index client", "client_id", client.ClientID, "error", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.clientKey(clientID)).Bytes()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return fromClientJSON(&j), nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	deleted, err := s.client.Del(ctx, s.clientKey(clientID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if err := s.client.SRem(ctx, s.clientIndexKey(), clientID).Err(); err != nil {
		s.logger.Warn("Failed to remove client from index", "client_id", clientID, "error", err)
	}
	if deleted == 0 {
		return storage.ErrClientNotFound
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.clientIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.clientKey(id)).Bytes()
		if err != nil {
			if isNilError(err) {
				continue // Key may have been deleted between SMEMBERS and GET
			}
			return nil, fmt.Errorf("failed to get client %s: %w", id, err)
		}

		var j clientJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client %s: %w", id, err)
		}
		clients = append(clients, fromClientJSON(&j))
	}

	sort.Slice(clients, func(i, j int) bool {
		if clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].ClientID < clients[j].ClientID
		}
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})
	return clients, nil
}

// ValidateClientSecret validates a client's secret using bcrypt
// Uses constant-time operations to prevent timing attacks
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// SECURITY: Always perform the same operations to prevent timing attacks
	// that could reveal whether a client exists or not
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	if err == nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if err != nil || client.ClientSecretHash == "" || bcryptErr != nil {
		return storage.ErrInvalidClientCredentials
	}
	return nil
}

// clientJSON is the JSON representation of a client
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	AccessTokenTTL          int64    `json:"access_token_ttl,omitempty"`  // seconds
	RefreshTokenTTL         int64    `json:"refresh_token_ttl,omitempty"` // seconds
	RequirePKCE             bool     `json:"require_pkce"`
	RequireConsent          bool     `json:"require_consent"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientType:              c.ClientType,
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		ClientName:              c.ClientName,
		Scopes:                  c.Scopes,
		AccessTokenTTL:          int64(c.AccessTokenTTL / time.Second),
		RefreshTokenTTL:         int64(c.RefreshTokenTTL / time.Second),
		RequirePKCE:             c.RequirePKCE,
		RequireConsent:          c.RequireConsent,
		CreatedAt:               unixOrZero(c.CreatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		ClientName:              j.ClientName,
		Scopes:                  j.Scopes,
		AccessTokenTTL:          time.Duration(j.AccessTokenTTL) * time.Second,
		RefreshTokenTTL:         time.Duration(j.RefreshTokenTTL) * time.Second,
		RequirePKCE:             j.RequirePKCE,
		RequireConsent:          j.RequireConsent,
		CreatedAt:               timeOrZero(j.CreatedAt),
	}
}
