package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-authserver/internal/testutil"
	"github.com/giantswarm/oidc-authserver/providers"
	"github.com/giantswarm/oidc-authserver/providers/mock"
	"github.com/giantswarm/oidc-authserver/storage"
	storagemock "github.com/giantswarm/oidc-authserver/storage/mock"
	"github.com/giantswarm/oidc-authserver/token"
)

func exchange(env *testEnv, code, verifier string) (*ExchangeRequest, func() error) {
	req := &ExchangeRequest{
		Code:         code,
		ClientID:     "test-client-id",
		ClientSecret: testutil.TestClientSecret,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	}
	return req, func() error {
		_, err := env.srv.ExchangeCode(context.Background(), *req)
		return err
	}
}

func keyID(t *testing.T, raw string) string {
	t.Helper()
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	require.NoError(t, err)
	kid, _ := tok.Header["kid"].(string)
	return kid
}

func TestAuthorize_Errors(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()

	base := func() AuthorizeRequest {
		return AuthorizeRequest{
			ResponseType:        ResponseTypeCode,
			ClientID:            "test-client-id",
			RedirectURI:         testRedirectURI,
			Scopes:              []string{"openid"},
			CodeChallenge:       challenge,
			CodeChallengeMethod: PKCEMethodS256,
			Subject:             testSubject,
		}
	}

	tests := []struct {
		name         string
		client       func(*storage.Client)
		modify       func(*AuthorizeRequest)
		wantCode     string
		redirectable bool
	}{
		{
			name:     "unknown client",
			modify:   func(r *AuthorizeRequest) { r.ClientID = "nope" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect uri",
			modify:   func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/callback" },
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "redirect uri prefix of registered one",
			modify:   func(r *AuthorizeRequest) { r.RedirectURI = "https://example.com/callback/extra" },
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "redirect uri differing only in case",
			modify:   func(r *AuthorizeRequest) { r.RedirectURI = "https://EXAMPLE.com/callback" },
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "missing redirect uri",
			modify:   func(r *AuthorizeRequest) { r.RedirectURI = "" },
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:         "unsupported response type",
			modify:       func(r *AuthorizeRequest) { r.ResponseType = "token" },
			wantCode:     ErrorCodeUnsupportedResponseType,
			redirectable: true,
		},
		{
			name:         "client without authorization_code grant",
			client:       func(c *storage.Client) { c.GrantTypes = []string{GrantTypeClientCredentials} },
			wantCode:     ErrorCodeUnauthorizedClient,
			redirectable: true,
		},
		{
			name:         "scope outside client scopes",
			modify:       func(r *AuthorizeRequest) { r.Scopes = []string{"openid", "admin"} },
			wantCode:     ErrorCodeInvalidScope,
			redirectable: true,
		},
		{
			name:   "missing challenge when client requires pkce",
			client: func(c *storage.Client) { c.RequirePKCE = true },
			modify: func(r *AuthorizeRequest) {
				r.CodeChallenge = ""
				r.CodeChallengeMethod = ""
			},
			wantCode:     ErrorCodeInvalidRequest,
			redirectable: true,
		},
		{
			name:         "plain method rejected by default",
			modify:       func(r *AuthorizeRequest) { r.CodeChallengeMethod = PKCEMethodPlain },
			wantCode:     ErrorCodeInvalidRequest,
			redirectable: true,
		},
		{
			name:         "unknown challenge method",
			modify:       func(r *AuthorizeRequest) { r.CodeChallengeMethod = "S512" },
			wantCode:     ErrorCodeInvalidRequest,
			redirectable: true,
		},
		{
			name:         "challenge too short",
			modify:       func(r *AuthorizeRequest) { r.CodeChallenge = "short" },
			wantCode:     ErrorCodeInvalidRequest,
			redirectable: true,
		},
		{
			name:         "unauthenticated resource owner",
			modify:       func(r *AuthorizeRequest) { r.Subject = "" },
			wantCode:     ErrorCodeAccessDenied,
			redirectable: true,
		},
		{
			name:         "consent withheld",
			client:       func(c *storage.Client) { c.RequireConsent = true },
			wantCode:     ErrorCodeAccessDenied,
			redirectable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.addClient(t, tt.client)

			req := base()
			if tt.modify != nil {
				tt.modify(&req)
			}
			resp, err := env.srv.Authorize(context.Background(), req)
			assert.Nil(t, resp)
			oerr := requireErrorCode(t, err, tt.wantCode)
			assert.Equal(t, tt.redirectable, oerr.Redirectable())
		})
	}
}

func TestAuthorize_IssuesCode(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	resp, err := env.srv.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            "test-client-id",
		RedirectURI:         testRedirectURI,
		State:               "af0ifjsldkj",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Subject:             testSubject,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.Code)
	assert.Equal(t, "af0ifjsldkj", resp.State)
	assert.Equal(t, testRedirectURI, resp.RedirectURI)
	// No scope requested means all of the client's scopes
	assert.ElementsMatch(t, []string{"openid", "email", "profile", "offline_access"}, resp.Scopes)
	assert.Equal(t, env.clock.Now().Add(DefaultAuthorizationCodeTTL), resp.ExpiresAt)
}

func TestAuthorize_ConsentGranted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, func(c *storage.Client) { c.RequireConsent = true })
	challenge, _ := testutil.GeneratePKCEPair()

	resp, err := env.srv.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            "test-client-id",
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Subject:             testSubject,
		ConsentGranted:      true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Code)
}

func TestExchangeCode_Success(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"openid", "email"})

	req, _ := exchange(env, code, verifier)
	tok, err := env.srv.ExchangeCode(context.Background(), *req)
	require.NoError(t, err)

	assert.Equal(t, "Bearer", tok.TokenType)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, int64(DefaultAccessTokenTTL/time.Second), tok.ExpiresIn)
	assert.Equal(t, "openid email", tok.Extra("scope"))
	idToken, _ := tok.Extra("id_token").(string)
	assert.NotEmpty(t, idToken)

	claims, err := env.srv.ValidateAccessToken(context.Background(), tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testSubject, claims.Subject)
	assert.Equal(t, "test-client-id", claims.ClientID)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, []string{"openid", "email"}, claims.Scopes())
}

func TestValidateAccessToken_RejectsIDToken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

	req, _ := exchange(env, code, verifier)
	tok, err := env.srv.ExchangeCode(context.Background(), *req)
	require.NoError(t, err)
	idToken, _ := tok.Extra("id_token").(string)
	require.NotEmpty(t, idToken)

	_, err = env.srv.ValidateAccessToken(context.Background(), idToken)
	assert.ErrorIs(t, err, token.ErrMalformed)
}

func TestExchangeCode_NoIDTokenWithoutOpenID(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"email"})

	req, _ := exchange(env, code, verifier)
	tok, err := env.srv.ExchangeCode(context.Background(), *req)
	require.NoError(t, err)
	assert.Nil(t, tok.Extra("id_token"))
}

func TestExchangeCode_NoRefreshWithoutGrant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, func(c *storage.Client) { c.GrantTypes = []string{GrantTypeAuthorizationCode} })
	code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

	req, _ := exchange(env, code, verifier)
	tok, err := env.srv.ExchangeCode(context.Background(), *req)
	require.NoError(t, err)
	assert.Empty(t, tok.RefreshToken)
}

func TestExchangeCode_Failures(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(req *ExchangeRequest, verifier string)
		wantCode string
	}{
		{"empty code", func(r *ExchangeRequest, _ string) { r.Code = "" }, ErrorCodeInvalidRequest},
		{"unknown code", func(r *ExchangeRequest, _ string) { r.Code = "not-a-code" }, ErrorCodeInvalidGrant},
		{"wrong secret", func(r *ExchangeRequest, _ string) { r.ClientSecret = "wrong" }, ErrorCodeInvalidClient},
		{"missing secret", func(r *ExchangeRequest, _ string) { r.ClientSecret = "" }, ErrorCodeInvalidClient},
		{"unknown client", func(r *ExchangeRequest, _ string) { r.ClientID = "nope" }, ErrorCodeInvalidClient},
		{"redirect uri mismatch", func(r *ExchangeRequest, _ string) { r.RedirectURI = "https://example.com/other" }, ErrorCodeInvalidGrant},
		{"missing verifier", func(r *ExchangeRequest, _ string) { r.CodeVerifier = "" }, ErrorCodeInvalidGrant},
		{"wrong verifier", func(r *ExchangeRequest, _ string) {
			_, other := testutil.GeneratePKCEPair()
			r.CodeVerifier = other
		}, ErrorCodeInvalidGrant},
		{"verifier with extra character", func(r *ExchangeRequest, v string) { r.CodeVerifier = v + "x" }, ErrorCodeInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.addClient(t, nil)
			code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

			req, run := exchange(env, code, verifier)
			tt.modify(req, verifier)
			requireErrorCode(t, run(), tt.wantCode)
		})
	}
}

func TestExchangeCode_FailedAttemptConsumesCode(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

	req, run := exchange(env, code, verifier)
	req.RedirectURI = "https://example.com/other"
	requireErrorCode(t, run(), ErrorCodeInvalidGrant)

	// The correct request cannot redeem a code consumed by a failed one
	req.RedirectURI = testRedirectURI
	requireErrorCode(t, run(), ErrorCodeInvalidGrant)
}

func TestExchangeCode_OtherClientsCode(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	env.addClient(t, func(c *storage.Client) { c.ClientID = "other-client" })
	code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

	req, run := exchange(env, code, verifier)
	req.ClientID = "other-client"
	requireErrorCode(t, run(), ErrorCodeInvalidGrant)
}

func TestExchangeCode_ExactlyOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

	_, run := exchange(env, code, verifier)
	require.NoError(t, run())

	err := run()
	oerr := requireErrorCode(t, err, ErrorCodeInvalidGrant)
	assert.ErrorIs(t, oerr, storage.ErrAuthorizationCodeUsed)
}

func TestExchangeCode_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

	const n = 20
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		invalidGrant int
	)
	_, run := exchange(env, code, verifier)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := run()
			mu.Lock()
			defer mu.Unlock()
			var oerr *Error
			switch {
			case err == nil:
				successes++
			case errors.As(err, &oerr) && oerr.Code == ErrorCodeInvalidGrant:
				invalidGrant++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, invalidGrant)
}

func TestExchangeCode_ReuseRevokesRefreshTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"openid", "offline_access"})

	req, run := exchange(env, code, verifier)
	tok, err := env.srv.ExchangeCode(context.Background(), *req)
	require.NoError(t, err)
	require.NotEmpty(t, tok.RefreshToken)

	requireErrorCode(t, run(), ErrorCodeInvalidGrant)

	_, err = env.srv.RefreshGrant(context.Background(), RefreshRequest{
		RefreshToken: tok.RefreshToken,
		ClientID:     "test-client-id",
		ClientSecret: testutil.TestClientSecret,
	})
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeCode_Expired(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

	env.clock.Advance(DefaultAuthorizationCodeTTL + time.Second)

	_, run := exchange(env, code, verifier)
	oerr := requireErrorCode(t, run(), ErrorCodeInvalidGrant)
	assert.ErrorIs(t, oerr, storage.ErrAuthorizationCodeExpired)
}

func TestExchangeCode_PlainPKCE(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AllowPKCEPlain = true })
	env.addClient(t, nil)
	verifier := testutil.GenerateRandomString(50)

	resp, err := env.srv.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            "test-client-id",
		RedirectURI:         testRedirectURI,
		CodeChallenge:       verifier,
		CodeChallengeMethod: PKCEMethodPlain,
		Subject:             testSubject,
	})
	require.NoError(t, err)

	_, run := exchange(env, resp.Code, verifier)
	assert.NoError(t, run())
}

func TestAccessToken_TTLBoundary(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

	req, _ := exchange(env, code, verifier)
	tok, err := env.srv.ExchangeCode(context.Background(), *req)
	require.NoError(t, err)

	env.clock.Advance(4*time.Minute + 59*time.Second)
	_, err = env.srv.ValidateAccessToken(context.Background(), tok.AccessToken)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Second)
	_, err = env.srv.ValidateAccessToken(context.Background(), tok.AccessToken)
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestAccessToken_ClientTTLOverride(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, func(c *storage.Client) { c.AccessTokenTTL = time.Minute })

	tok, err := env.srv.ClientCredentialsGrant(context.Background(), ClientCredentialsRequest{
		ClientID:     "test-client-id",
		ClientSecret: testutil.TestClientSecret,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(60), tok.ExpiresIn)
}

func TestKeyRotation_OldTokensStayValid(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	ctx := context.Background()
	ccReq := ClientCredentialsRequest{ClientID: "test-client-id", ClientSecret: testutil.TestClientSecret}

	before, err := env.srv.ClientCredentialsGrant(ctx, ccReq)
	require.NoError(t, err)
	oldKid := keyID(t, before.AccessToken)

	rotated, err := env.keys.Rotate(ctx)
	require.NoError(t, err)
	require.NotEqual(t, oldKid, rotated.KeyID)

	after, err := env.srv.ClientCredentialsGrant(ctx, ccReq)
	require.NoError(t, err)
	assert.Equal(t, rotated.KeyID, keyID(t, after.AccessToken))

	_, err = env.srv.ValidateAccessToken(ctx, before.AccessToken)
	assert.NoError(t, err, "token signed before rotation must still verify")
	_, err = env.srv.ValidateAccessToken(ctx, after.AccessToken)
	assert.NoError(t, err)
}

func TestKeyRotation_LongLivedClientTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Registered at runtime with a lifetime beyond the key manager's MaxTokenTTL
	client, secret, err := env.srv.RegisterClient(ctx, ClientRegistration{
		ClientType:     ClientTypeConfidential,
		GrantTypes:     []string{GrantTypeClientCredentials},
		AccessTokenTTL: time.Hour,
	}, "192.0.2.1")
	require.NoError(t, err)

	tok, err := env.srv.ClientCredentialsGrant(ctx, ClientCredentialsRequest{ClientID: client.ClientID, ClientSecret: secret})
	require.NoError(t, err)
	assert.Equal(t, int64(3600), tok.ExpiresIn)

	_, err = env.keys.Rotate(ctx)
	require.NoError(t, err)

	env.clock.Advance(11 * time.Minute)
	env.keys.PruneExpired(ctx)
	_, err = env.srv.ValidateAccessToken(ctx, tok.AccessToken)
	assert.NoError(t, err, "token must verify until its own expiry")

	env.clock.Advance(50 * time.Minute)
	_, err = env.srv.ValidateAccessToken(ctx, tok.AccessToken)
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestClientCredentialsGrant(t *testing.T) {
	tests := []struct {
		name     string
		client   func(*storage.Client)
		req      ClientCredentialsRequest
		wantCode string
	}{
		{
			name: "success",
			req:  ClientCredentialsRequest{ClientID: "test-client-id", ClientSecret: testutil.TestClientSecret, Scopes: []string{"email"}},
		},
		{
			name:     "wrong secret",
			req:      ClientCredentialsRequest{ClientID: "test-client-id", ClientSecret: "wrong"},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "grant not allowed",
			client:   func(c *storage.Client) { c.GrantTypes = []string{GrantTypeAuthorizationCode} },
			req:      ClientCredentialsRequest{ClientID: "test-client-id", ClientSecret: testutil.TestClientSecret},
			wantCode: ErrorCodeUnauthorizedClient,
		},
		{
			name:     "scope not allowed",
			req:      ClientCredentialsRequest{ClientID: "test-client-id", ClientSecret: testutil.TestClientSecret, Scopes: []string{"admin"}},
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name: "public client",
			client: func(c *storage.Client) {
				c.ClientType = ClientTypePublic
				c.ClientSecretHash = ""
			},
			req:      ClientCredentialsRequest{ClientID: "test-client-id"},
			wantCode: ErrorCodeUnauthorizedClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.addClient(t, tt.client)

			tok, err := env.srv.ClientCredentialsGrant(context.Background(), tt.req)
			if tt.wantCode != "" {
				requireErrorCode(t, err, tt.wantCode)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, tok.RefreshToken)
			assert.Nil(t, tok.Extra("id_token"))

			claims, err := env.srv.ValidateAccessToken(context.Background(), tok.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, "test-client-id", claims.Subject)
			assert.Equal(t, "email", claims.Scope)
		})
	}
}

func TestRefreshGrant_Rotation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	ctx := context.Background()
	code, verifier := env.authorize(t, "test-client-id", []string{"openid", "offline_access"})

	req, _ := exchange(env, code, verifier)
	first, err := env.srv.ExchangeCode(ctx, *req)
	require.NoError(t, err)

	refreshReq := RefreshRequest{
		RefreshToken: first.RefreshToken,
		ClientID:     "test-client-id",
		ClientSecret: testutil.TestClientSecret,
	}
	second, err := env.srv.RefreshGrant(ctx, refreshReq)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEmpty(t, second.Extra("id_token"))
	assert.Equal(t, "openid offline_access", second.Extra("scope"))

	// Replay of the redeemed token kills the chain
	_, err = env.srv.RefreshGrant(ctx, refreshReq)
	oerr := requireErrorCode(t, err, ErrorCodeInvalidGrant)
	assert.ErrorIs(t, oerr, token.ErrRefreshAlreadyUsed)

	refreshReq.RefreshToken = second.RefreshToken
	_, err = env.srv.RefreshGrant(ctx, refreshReq)
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshGrant_Failures(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*RefreshRequest)
		wantCode string
	}{
		{"empty token", func(r *RefreshRequest) { r.RefreshToken = "" }, ErrorCodeInvalidRequest},
		{"unknown token", func(r *RefreshRequest) { r.RefreshToken = "unknown" }, ErrorCodeInvalidGrant},
		{"wrong secret", func(r *RefreshRequest) { r.ClientSecret = "wrong" }, ErrorCodeInvalidClient},
		{"other client", func(r *RefreshRequest) { r.ClientID = "other-client" }, ErrorCodeInvalidGrant},
		{"scope widening", func(r *RefreshRequest) { r.Scopes = []string{"openid", "profile"} }, ErrorCodeInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.addClient(t, nil)
			env.addClient(t, func(c *storage.Client) { c.ClientID = "other-client" })
			code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

			req, _ := exchange(env, code, verifier)
			tok, err := env.srv.ExchangeCode(context.Background(), *req)
			require.NoError(t, err)

			refreshReq := RefreshRequest{
				RefreshToken: tok.RefreshToken,
				ClientID:     "test-client-id",
				ClientSecret: testutil.TestClientSecret,
			}
			tt.modify(&refreshReq)
			_, err = env.srv.RefreshGrant(context.Background(), refreshReq)
			requireErrorCode(t, err, tt.wantCode)
		})
	}
}

func TestRefreshGrant_Expired(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RefreshTokenTTL = time.Hour })
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"openid"})

	req, _ := exchange(env, code, verifier)
	tok, err := env.srv.ExchangeCode(context.Background(), *req)
	require.NoError(t, err)

	env.clock.Advance(time.Hour + time.Second)
	_, err = env.srv.RefreshGrant(context.Background(), RefreshRequest{
		RefreshToken: tok.RefreshToken,
		ClientID:     "test-client-id",
		ClientSecret: testutil.TestClientSecret,
	})
	oerr := requireErrorCode(t, err, ErrorCodeInvalidGrant)
	assert.ErrorIs(t, oerr, token.ErrRefreshExpired)
}

func TestRefreshGrant_Narrowing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, nil)
	code, verifier := env.authorize(t, "test-client-id", []string{"openid", "email"})

	req, _ := exchange(env, code, verifier)
	tok, err := env.srv.ExchangeCode(context.Background(), *req)
	require.NoError(t, err)

	narrowed, err := env.srv.RefreshGrant(context.Background(), RefreshRequest{
		RefreshToken: tok.RefreshToken,
		ClientID:     "test-client-id",
		ClientSecret: testutil.TestClientSecret,
		Scopes:       []string{"email"},
	})
	require.NoError(t, err)
	assert.Equal(t, "email", narrowed.Extra("scope"))
	assert.Nil(t, narrowed.Extra("id_token"))
}

func TestEndToEnd_PublicClientWithPKCE(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	client, secret, err := env.srv.RegisterClient(ctx, ClientRegistration{
		ClientID:                "c1",
		ClientType:              ClientTypePublic,
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		RedirectURIs:            []string{"https://app/cb"},
		GrantTypes:              []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		Scopes:                  []string{"openid", "profile"},
		RequirePKCE:             true,
	}, "192.0.2.10")
	require.NoError(t, err)
	assert.Empty(t, secret)
	assert.True(t, client.RequirePKCE)

	challenge, verifier := testutil.GeneratePKCEPair()
	resp, err := env.srv.Authorize(ctx, AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            "c1",
		RedirectURI:         "https://app/cb",
		Scopes:              []string{"openid", "profile"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Subject:             testSubject,
	})
	require.NoError(t, err)

	exchangeReq := ExchangeRequest{
		Code:         resp.Code,
		ClientID:     "c1",
		CodeVerifier: verifier,
		RedirectURI:  "https://app/cb",
	}
	tok, err := env.srv.ExchangeCode(ctx, exchangeReq)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.NotEmpty(t, tok.Extra("id_token"))

	_, err = env.srv.ExchangeCode(ctx, exchangeReq)
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestStorageFailures_BecomeServerError(t *testing.T) {
	backendDown := errors.New("dial tcp 10.0.0.5:6379: connection refused")

	newEnv := func(t *testing.T, mutate func(*storagemock.Store)) *testEnv {
		clock := testutil.NewMockTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
		store := storagemock.New()
		store.SetClock(clock.Now)
		t.Cleanup(store.Stop)
		env := newTestEnvWithStores(t, store.Store, store, store, store, clock, func(c *Config) {
			c.StoreTimeout = 50 * time.Millisecond
		})
		env.addClient(t, nil)
		mutate(store)
		return env
	}

	t.Run("client lookup at authorize", func(t *testing.T) {
		env := newEnv(t, func(s *storagemock.Store) {
			s.GetClientFunc = func(context.Context, string) (*storage.Client, error) { return nil, backendDown }
		})
		_, err := env.srv.Authorize(context.Background(), AuthorizeRequest{
			ResponseType: ResponseTypeCode,
			ClientID:     "test-client-id",
			RedirectURI:  testRedirectURI,
			Subject:      testSubject,
		})
		oerr := requireErrorCode(t, err, ErrorCodeServerError)
		assert.False(t, oerr.Redirectable())
		assert.NotContains(t, oerr.Description, "connection refused")
	})

	t.Run("saving a code", func(t *testing.T) {
		env := newEnv(t, func(s *storagemock.Store) {
			s.SaveAuthorizationCodeFunc = func(context.Context, *storage.AuthorizationCode) error { return backendDown }
		})
		challenge, _ := testutil.GeneratePKCEPair()
		_, err := env.srv.Authorize(context.Background(), AuthorizeRequest{
			ResponseType:        ResponseTypeCode,
			ClientID:            "test-client-id",
			RedirectURI:         testRedirectURI,
			CodeChallenge:       challenge,
			CodeChallengeMethod: PKCEMethodS256,
			Subject:             testSubject,
		})
		requireErrorCode(t, err, ErrorCodeServerError)
	})

	t.Run("redeeming a code", func(t *testing.T) {
		env := newEnv(t, func(s *storagemock.Store) {
			s.RedeemAuthorizationCodeFunc = func(context.Context, string) (*storage.AuthorizationCode, error) {
				return nil, backendDown
			}
		})
		_, run := exchange(env, "some-code", "")
		oerr := requireErrorCode(t, run(), ErrorCodeServerError)
		assert.ErrorIs(t, oerr, backendDown)
	})

	t.Run("slow backend hits the store timeout", func(t *testing.T) {
		env := newEnv(t, func(s *storagemock.Store) {
			s.RedeemAuthorizationCodeFunc = func(ctx context.Context, _ string) (*storage.AuthorizationCode, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
		})
		_, run := exchange(env, "some-code", "")

		done := make(chan error, 1)
		go func() { done <- run() }()
		select {
		case err := <-done:
			oerr := requireErrorCode(t, err, ErrorCodeServerError)
			assert.ErrorIs(t, oerr, context.DeadlineExceeded)
		case <-time.After(5 * time.Second):
			t.Fatal("ExchangeCode did not return after the store timeout")
		}
	})

	t.Run("saving a refresh token", func(t *testing.T) {
		env := newEnv(t, func(s *storagemock.Store) {
			s.SaveRefreshTokenFunc = func(context.Context, *storage.RefreshToken) error { return backendDown }
		})
		code, verifier := env.authorize(t, "test-client-id", []string{"openid"})
		_, run := exchange(env, code, verifier)
		requireErrorCode(t, run(), ErrorCodeServerError)
	})
}

func TestAuthenticateUser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user, err := env.srv.AuthenticateUser(ctx, "alice", "wonderland", "test-client-id", "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, testSubject, user.Subject)

	_, err = env.srv.AuthenticateUser(ctx, "alice", "wrong", "test-client-id", "192.0.2.1")
	oerr := requireErrorCode(t, err, ErrorCodeAccessDenied)
	assert.ErrorIs(t, oerr, providers.ErrInvalidCredentials)
}

func TestAuthenticateUser_ProviderFailure(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	env := newTestEnv(t, nil)

	auth := mock.NewMockAuthenticator()
	auth.AuthenticateFunc = func(context.Context, string, string) (*providers.UserInfo, error) {
		return nil, errors.New("ldap: connection reset")
	}
	srv, err := New(env.store, env.store, env.store, env.keys, auth, &Config{Issuer: testIssuer, Now: clock.Now}, nil)
	require.NoError(t, err)

	_, err = srv.AuthenticateUser(context.Background(), "alice", "wonderland", "test-client-id", "192.0.2.1")
	requireErrorCode(t, err, ErrorCodeServerError)
	assert.Equal(t, 1, auth.GetCallCount("Authenticate"))
}
