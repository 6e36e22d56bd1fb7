package server

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// Grant and response types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// ScopeOpenID triggers ID token issuance
const ScopeOpenID = "openid"

// SupportedGrantTypes lists every grant a client may register for
var SupportedGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypeRefreshToken}

// SupportedPKCEMethods returns the code_challenge_method values this server accepts
func (s *Server) SupportedPKCEMethods() []string {
	if s.Config.AllowPKCEPlain {
		return []string{PKCEMethodS256, PKCEMethodPlain}
	}
	return []string{PKCEMethodS256}
}

// requiresPKCE reports whether an authorization request by client must carry a challenge
func (s *Server) requiresPKCE(client *storage.Client) bool {
	return s.Config.RequirePKCE || client.RequirePKCE || client.ClientType == ClientTypePublic
}

// validateCodeChallenge checks the PKCE parameters of an authorization request
func (s *Server) validateCodeChallenge(client *storage.Client, challenge, method string) error {
	if challenge == "" {
		if method != "" {
			return fmt.Errorf("code_challenge_method given without code_challenge")
		}
		if s.requiresPKCE(client) {
			return fmt.Errorf("code_challenge is required")
		}
		return nil
	}

	// RFC 7636 Section 4.3: a missing method means plain
	if method == "" {
		method = PKCEMethodPlain
	}
	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("code_challenge_method %q is not allowed", PKCEMethodPlain)
		}
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Challenges share the verifier's length and alphabet
	return validateVerifierSyntax(challenge)
}

// validatePKCE recomputes the challenge from verifier with the bound method
// and compares in constant time
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return fmt.Errorf("code_verifier given but no code_challenge was bound")
		}
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if err := validateVerifierSyntax(verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain, "":
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("%q code_challenge_method is not allowed", PKCEMethodPlain)
		}
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateVerifierSyntax enforces RFC 7636 length 43-128 and the
// unreserved alphabet [A-Za-z0-9-._~]
func validateVerifierSyntax(v string) error {
	if len(v) < MinCodeVerifierLength {
		return fmt.Errorf("must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(v) > MaxCodeVerifierLength {
		return fmt.Errorf("must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	for _, ch := range v {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// resolveScopes checks requested against the client's scopes and the server's
// supported set. An empty request yields the client's full scope set.
func (s *Server) resolveScopes(client *storage.Client, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), client.Scopes...), nil
	}
	if len(s.Config.SupportedScopes) > 0 && !util.ScopesSubset(requested, s.Config.SupportedScopes) {
		return nil, fmt.Errorf("unsupported scopes: %v", util.MissingScopes(requested, s.Config.SupportedScopes))
	}
	if !util.ScopesSubset(requested, client.Scopes) {
		return nil, fmt.Errorf("client is not authorized for one or more requested scopes")
	}
	return requested, nil
}
