package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oidc-authserver/storage"
)

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code with a TTL matching its expiry
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	j, err := s.toAuthorizationCodeJSON(code)
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(s.now(), code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.codeKey(code.Code), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// RedeemAuthorizationCode atomically checks if a code is unused and marks it as used.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
//
// The binding is ONLY returned on reuse errors to enable revocation. For other
// errors (not found, expired), nil is returned.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := redeemCodeScript.Run(ctx, s.client,
		[]string{s.codeKey(code)},
		strconv.FormatInt(s.now().Unix(), 10),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrAuthorizationCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		authCode, err := s.decodeAuthorizationCode(strings.TrimPrefix(result, "ALREADY_USED:"))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrAuthorizationCodeUsed)
		}
		authCode.Used = true
		return authCode, storage.ErrAuthorizationCodeUsed
	}

	authCode, err := s.decodeAuthorizationCode(result)
	if err != nil {
		return nil, err
	}
	authCode.Used = true

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", safeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.codeKey(code)).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

func (s *Store) decodeAuthorizationCode(data string) (*storage.AuthorizationCode, error) {
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}
	return s.fromAuthorizationCodeJSON(&j)
}

// authorizationCodeJSON is the JSON representation of an authorization code.
// Scopes are space-joined because the Lua cjson encoder turns empty arrays into objects.
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Subject             string `json:"subject"`
	Nonce               string `json:"nonce,omitempty"`
	AuthTime            int64  `json:"auth_time"`
	IssuedAt            int64  `json:"issued_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func (s *Store) toAuthorizationCodeJSON(c *storage.AuthorizationCode) (*authorizationCodeJSON, error) {
	subject, err := s.encrypt(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt subject: %w", err)
	}
	nonce, err := s.encrypt(c.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt nonce: %w", err)
	}
	return &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		RedirectURI:         c.RedirectURI,
		Scope:               strings.Join(c.Scopes, " "),
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Subject:             subject,
		Nonce:               nonce,
		AuthTime:            unixOrZero(c.AuthTime),
		IssuedAt:            unixOrZero(c.IssuedAt),
		ExpiresAt:           unixOrZero(c.ExpiresAt),
		Used:                c.Used,
	}, nil
}

func (s *Store) fromAuthorizationCodeJSON(j *authorizationCodeJSON) (*storage.AuthorizationCode, error) {
	subject, err := s.decrypt(j.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt subject: %w", err)
	}
	nonce, err := s.decrypt(j.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt nonce: %w", err)
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scopes:              strings.Fields(j.Scope),
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Subject:             subject,
		Nonce:               nonce,
		AuthTime:            timeOrZero(j.AuthTime),
		IssuedAt:            timeOrZero(j.IssuedAt),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}, nil
}
