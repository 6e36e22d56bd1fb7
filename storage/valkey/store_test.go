package valkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

// testStore creates a store backed by an in-process miniredis server.
func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := NewWithClient(client, Config{KeyPrefix: "test:"})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_ConnectsToServer(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, DefaultKeyPrefix, s.prefix)
	assert.Equal(t, DefaultOperationTimeout, s.timeout)
	assert.Equal(t, DefaultRevokedFamilyRetention, s.revokedFamilyRetention)
}

func TestNew_UnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(Config{Address: addr})
	assert.Error(t, err)
}

// ============================================================
// ClientStore Tests
// ============================================================

func testClient(t *testing.T, id, secret string) *storage.Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return &storage.Client{
		ClientID:                id,
		ClientSecretHash:        string(hash),
		ClientType:              "confidential",
		RedirectURIs:            []string{"https://app.example.com/cb"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scopes:                  []string{"openid", "profile"},
		AccessTokenTTL:          10 * time.Minute,
		RequirePKCE:             true,
		CreatedAt:               time.Unix(1700000000, 0),
	}
}

func TestClientStore_SaveAndGet(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	client := testClient(t, "app", "secret")
	require.NoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.Scopes, got.Scopes)
	assert.Equal(t, 10*time.Minute, got.AccessTokenTTL)
	assert.True(t, got.RequirePKCE)
	assert.True(t, got.CreatedAt.Equal(client.CreatedAt))
}

func TestClientStore_DuplicateID(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveClient(ctx, testClient(t, "app", "one")))
	err := s.SaveClient(ctx, testClient(t, "app", "two"))
	assert.ErrorIs(t, err, storage.ErrDuplicateClientID)

	// The first registration is untouched
	assert.NoError(t, s.ValidateClientSecret(ctx, "app", "one"))
}

func TestClientStore_DeleteAndList(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	a := testClient(t, "a", "s")
	b := testClient(t, "b", "s")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	require.NoError(t, s.SaveClient(ctx, b))
	require.NoError(t, s.SaveClient(ctx, a))

	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "a", clients[0].ClientID)
	assert.Equal(t, "b", clients[1].ClientID)

	require.NoError(t, s.DeleteClient(ctx, "a"))
	assert.ErrorIs(t, s.DeleteClient(ctx, "a"), storage.ErrClientNotFound)

	_, err = s.GetClient(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	clients, err = s.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 1)
}

func TestClientStore_ValidateClientSecret(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveClient(ctx, testClient(t, "app", "right")))

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"correct secret", "app", "right", false},
		{"wrong secret", "app", "wrong", true},
		{"unknown client", "ghost", "right", true},
		{"empty secret", "app", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if tt.wantErr {
				assert.ErrorIs(t, err, storage.ErrInvalidClientCredentials)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// ============================================================
// AuthorizationCodeStore Tests
// ============================================================

func testCode(now time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                "code-123456789",
		ClientID:            "app",
		RedirectURI:         "https://app.example.com/cb",
		Scopes:              []string{"openid", "profile"},
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		Subject:             "alice",
		Nonce:               "n-0S6_WzA2Mj",
		AuthTime:            now,
		IssuedAt:            now,
		ExpiresAt:           now.Add(60 * time.Second),
	}
}

func TestAuthorizationCode_RedeemOnce(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s.SetClock(fixedClock(now))

	require.NoError(t, s.SaveAuthorizationCode(ctx, testCode(now)))

	got, err := s.RedeemAuthorizationCode(ctx, "code-123456789")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, "n-0S6_WzA2Mj", got.Nonce)
	assert.Equal(t, []string{"openid", "profile"}, got.Scopes)
	assert.True(t, got.Used)

	got, err = s.RedeemAuthorizationCode(ctx, "code-123456789")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed)
	require.NotNil(t, got, "binding is returned on reuse")
	assert.Equal(t, "app", got.ClientID)
}

func TestAuthorizationCode_EmptyScopes(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s.SetClock(fixedClock(now))

	code := testCode(now)
	code.Scopes = nil
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	_, err := s.RedeemAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)

	// The re-encoded record must still parse after the script rewrites it
	got, err := s.RedeemAuthorizationCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed)
	require.NotNil(t, got)
	assert.Empty(t, got.Scopes)
}

func TestAuthorizationCode_Expired(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s.SetClock(fixedClock(now))

	require.NoError(t, s.SaveAuthorizationCode(ctx, testCode(now)))

	s.SetClock(fixedClock(now.Add(61 * time.Second)))
	got, err := s.RedeemAuthorizationCode(ctx, "code-123456789")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeExpired)
	assert.Nil(t, got)
}

func TestAuthorizationCode_SaveAlreadyExpired(t *testing.T) {
	s, _ := testStore(t)
	now := time.Unix(1700000000, 0)
	s.SetClock(fixedClock(now.Add(time.Hour)))

	assert.Error(t, s.SaveAuthorizationCode(context.Background(), testCode(now)))
}

func TestAuthorizationCode_KeyExpiresWithTTL(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s.SetClock(fixedClock(now))

	require.NoError(t, s.SaveAuthorizationCode(ctx, testCode(now)))
	mr.FastForward(61 * time.Second)

	_, err := s.RedeemAuthorizationCode(ctx, "code-123456789")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func TestAuthorizationCode_NotFoundAndDelete(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s.SetClock(fixedClock(now))

	_, err := s.RedeemAuthorizationCode(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	require.NoError(t, s.SaveAuthorizationCode(ctx, testCode(now)))
	require.NoError(t, s.DeleteAuthorizationCode(ctx, "code-123456789"))
	_, err = s.RedeemAuthorizationCode(ctx, "code-123456789")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func TestAuthorizationCode_ConcurrentRedeem(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s.SetClock(fixedClock(now))

	require.NoError(t, s.SaveAuthorizationCode(ctx, testCode(now)))

	const goroutines = 10
	var wg sync.WaitGroup
	var successes, reuses atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RedeemAuthorizationCode(ctx, "code-123456789")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeUsed):
				reuses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(goroutines-1), reuses.Load())
}

func TestAuthorizationCode_EncryptedAtRest(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s.SetClock(fixedClock(now))

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	s.SetEncryptor(enc)

	require.NoError(t, s.SaveAuthorizationCode(ctx, testCode(now)))

	raw, err := mr.Get("test:code:code-123456789")
	require.NoError(t, err)
	assert.NotContains(t, raw, "alice")
	assert.NotContains(t, raw, "n-0S6_WzA2Mj")

	got, err := s.RedeemAuthorizationCode(ctx, "code-123456789")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, "n-0S6_WzA2Mj", got.Nonce)
}
