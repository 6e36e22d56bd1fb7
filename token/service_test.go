package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-authserver/internal/testutil"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/storage/memory"
)

const testIssuer = "https://auth.example.com"

type testEnv struct {
	svc   *Service
	keys  *keys.Manager
	store *memory.Store
	clock *testutil.MockTime
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	clock := testutil.NewMockTime(time.Unix(1700000000, 0))

	km, err := keys.New(keys.Config{Now: clock.Now, MaxTokenTTL: 10 * time.Minute}, nil)
	require.NoError(t, err)

	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	cfg := Config{Issuer: testIssuer, Now: clock.Now}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg, km, store, nil)
	require.NoError(t, err)

	return &testEnv{svc: svc, keys: km, store: store, clock: clock}
}

func TestNewService_Validation(t *testing.T) {
	km, err := keys.New(keys.Config{}, nil)
	require.NoError(t, err)
	store := memory.New()
	defer store.Stop()

	_, err = NewService(Config{}, km, store, nil)
	assert.Error(t, err, "issuer required")
	_, err = NewService(Config{Issuer: testIssuer}, nil, store, nil)
	assert.Error(t, err, "key manager required")
	_, err = NewService(Config{Issuer: testIssuer}, km, nil, nil)
	assert.Error(t, err, "store required")

	svc, err := NewService(Config{Issuer: testIssuer}, km, store, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAccessTokenTTL, svc.Config().AccessTokenTTL)
	assert.Equal(t, DefaultRefreshTokenTTL, svc.Config().RefreshTokenTTL)
}

func TestIssueAccessToken_Claims(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	raw, claims, err := env.svc.IssueAccessToken(ctx, "alice", "app", []string{"openid", "email"}, 0)
	require.NoError(t, err)

	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{"app"}, claims.Audience)
	assert.Equal(t, "openid email", claims.Scope)
	assert.Equal(t, "app", claims.ClientID)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, env.clock.Now().Add(5*time.Minute).Unix(), claims.ExpiresAt.Unix())

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, &Claims{})
	require.NoError(t, err)
	assert.Equal(t, "RS256", parsed.Header["alg"])
	assert.Equal(t, AccessTokenType, parsed.Header["typ"])
	assert.Equal(t, env.keys.CurrentSigningKey().KeyID, parsed.Header["kid"])

	validated, err := env.svc.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "email"}, validated.Scopes())
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	raw, _, err := env.svc.IssueAccessToken(ctx, "alice", "app", nil, 5*time.Minute)
	require.NoError(t, err)

	env.clock.Advance(4*time.Minute + 59*time.Second)
	_, err = env.svc.Validate(ctx, raw)
	assert.NoError(t, err)

	env.clock.Advance(2 * time.Second)
	_, err = env.svc.Validate(ctx, raw)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidate_ClockSkew(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ClockSkew = 30 * time.Second })
	ctx := context.Background()

	raw, _, err := env.svc.IssueAccessToken(ctx, "alice", "app", nil, time.Minute)
	require.NoError(t, err)

	env.clock.Advance(time.Minute + 20*time.Second)
	_, err = env.svc.Validate(ctx, raw)
	assert.NoError(t, err)
}

func TestValidate_Failures(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	valid, _, err := env.svc.IssueAccessToken(ctx, "alice", "app", nil, 0)
	require.NoError(t, err)

	otherKeys, err := keys.New(keys.Config{Now: env.clock.Now}, nil)
	require.NoError(t, err)
	foreign, err := NewService(Config{Issuer: testIssuer, Now: env.clock.Now}, otherKeys, env.store, nil)
	require.NoError(t, err)
	foreignToken, _, err := foreign.IssueAccessToken(ctx, "alice", "app", nil, 0)
	require.NoError(t, err)

	otherIssuer, err := NewService(Config{Issuer: "https://evil.example.com", Now: env.clock.Now}, env.keys, env.store, nil)
	require.NoError(t, err)
	wrongIssuer, _, err := otherIssuer.IssueAccessToken(ctx, "alice", "app", nil, 0)
	require.NoError(t, err)

	hmac := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testIssuer, "sub": "alice", "exp": env.clock.Now().Add(time.Minute).Unix(),
	})
	hmac.Header["kid"] = env.keys.CurrentSigningKey().KeyID
	hmacToken, err := hmac.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	parts := strings.Split(valid, ".")
	tamperedPayload, _, err := otherIssuer.IssueAccessToken(ctx, "mallory", "app", nil, 0)
	require.NoError(t, err)
	tampered := parts[0] + "." + strings.Split(tamperedPayload, ".")[1] + "." + parts[2]

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"garbage", "not-a-jwt", ErrMalformed},
		{"empty", "", ErrMalformed},
		{"tampered payload", tampered, ErrSignatureInvalid},
		{"unknown key", foreignToken, ErrUnknownKey},
		{"unknown key is a signature failure", foreignToken, ErrSignatureInvalid},
		{"hmac algorithm", hmacToken, ErrSignatureInvalid},
		{"issuer mismatch", wrongIssuer, ErrIssuerMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Validate(ctx, tt.raw)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_RejectsOtherTokenTypes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	idToken, err := env.svc.IssueIDToken(ctx, IDTokenRequest{Subject: "alice", ClientID: "app"})
	require.NoError(t, err)

	untyped, err := env.keys.CurrentSigningKey().Sign(jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(env.clock.Now()),
			ExpiresAt: jwt.NewNumericDate(env.clock.Now().Add(time.Minute)),
		},
	}))
	require.NoError(t, err)

	for name, raw := range map[string]string{"id token": idToken, "default typ": untyped} {
		t.Run(name, func(t *testing.T) {
			_, err := env.svc.Validate(ctx, raw)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestIsAccessTokenType(t *testing.T) {
	tests := []struct {
		typ  string
		want bool
	}{
		{"at+jwt", true},
		{"AT+JWT", true},
		{"application/at+jwt", true},
		{"JWT", false},
		{"", false},
		{"application/jwt", false},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			assert.Equal(t, tt.want, isAccessTokenType(tt.typ))
		})
	}
}

func TestValidate_AcrossKeyRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	before, _, err := env.svc.IssueAccessToken(ctx, "alice", "app", nil, 5*time.Minute)
	require.NoError(t, err)

	_, err = env.keys.Rotate(ctx)
	require.NoError(t, err)

	after, _, err := env.svc.IssueAccessToken(ctx, "alice", "app", nil, 5*time.Minute)
	require.NoError(t, err)

	_, err = env.svc.Validate(ctx, before)
	assert.NoError(t, err, "token signed before rotation stays valid")
	_, err = env.svc.Validate(ctx, after)
	assert.NoError(t, err)

	// Once the retired key's window has passed its tokens no longer verify
	env.clock.Advance(11 * time.Minute)
	env.keys.PruneExpired(ctx)
	_, err = env.svc.Validate(ctx, before)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestIssueIDToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	authTime := env.clock.Now().Add(-time.Minute)

	raw, err := env.svc.IssueIDToken(ctx, IDTokenRequest{
		Subject:  "alice",
		ClientID: "app",
		Nonce:    "n-0S6_WzA2Mj",
		AuthTime: authTime,
	})
	require.NoError(t, err)

	claims := &IDTokenClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		pub, err := env.keys.PublicKey(tok.Header["kid"].(string))
		return pub.Key, err
	}, jwt.WithTimeFunc(env.clock.Now))
	require.NoError(t, err)

	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{"app"}, claims.Audience)
	assert.Equal(t, "n-0S6_WzA2Mj", claims.Nonce)
	assert.Equal(t, "app", claims.AuthorizedParty)
	assert.Equal(t, authTime.Unix(), claims.AuthTime.Unix())
	assert.Equal(t, env.clock.Now().Add(DefaultIDTokenTTL).Unix(), claims.ExpiresAt.Unix())
}

func TestClassifyParseError_Nil(t *testing.T) {
	assert.NoError(t, classifyParseError(nil))
	assert.Equal(t, "valid", validationResult(nil))
	assert.Equal(t, "expired", validationResult(errors.Join(ErrExpired)))
}
