package server

import (
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authserver/storage"
)

func TestValidatePKCE(t *testing.T) {
	// RFC 7636 Appendix B
	const (
		rfcVerifier  = "dBjftJeZ4CVP-mJ92K1qUUd6uGBZGfLW6pEGgC7dQFo"
		rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	)

	tests := []struct {
		name       string
		allowPlain bool
		challenge  string
		method     string
		verifier   string
		wantErr    bool
	}{
		{"rfc 7636 example", false, rfcChallenge, PKCEMethodS256, rfcVerifier, false},
		{"wrong verifier", false, rfcChallenge, PKCEMethodS256, strings.Repeat("a", 43), true},
		{"missing verifier", false, rfcChallenge, PKCEMethodS256, "", true},
		{"verifier too short", false, rfcChallenge, PKCEMethodS256, "abc", true},
		{"verifier too long", false, rfcChallenge, PKCEMethodS256, strings.Repeat("a", 129), true},
		{"verifier with invalid characters", false, rfcChallenge, PKCEMethodS256, strings.Repeat("a", 42) + "!", true},
		{"no challenge and no verifier", false, "", "", "", false},
		{"verifier without challenge", false, "", "", rfcVerifier, true},
		{"plain disabled", false, rfcVerifier, PKCEMethodPlain, rfcVerifier, true},
		{"plain enabled", true, rfcVerifier, PKCEMethodPlain, rfcVerifier, false},
		{"plain enabled mismatch", true, rfcVerifier, PKCEMethodPlain, strings.Repeat("b", 43), true},
		{"unknown method", true, rfcChallenge, "S512", rfcVerifier, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{Config: &Config{AllowPKCEPlain: tt.allowPlain}}
			err := s.validatePKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCodeChallenge(t *testing.T) {
	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	confidential := &storage.Client{ClientType: ClientTypeConfidential}
	public := &storage.Client{ClientType: ClientTypePublic}

	tests := []struct {
		name        string
		config      Config
		client      *storage.Client
		challenge   string
		method      string
		wantErr     bool
		wantMethods int
	}{
		{"s256", Config{}, confidential, challenge, PKCEMethodS256, false, 1},
		{"optional for confidential client", Config{}, confidential, "", "", false, 1},
		{"required for public client", Config{}, public, "", "", true, 1},
		{"required by server", Config{RequirePKCE: true}, confidential, "", "", true, 1},
		{"method without challenge", Config{}, confidential, "", PKCEMethodS256, true, 1},
		{"missing method means plain", Config{}, confidential, challenge, "", true, 1},
		{"missing method with plain allowed", Config{AllowPKCEPlain: true}, confidential, challenge, "", false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			s := &Server{Config: &cfg}
			err := s.validateCodeChallenge(tt.client, tt.challenge, tt.method)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCodeChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := len(s.SupportedPKCEMethods()); got != tt.wantMethods {
				t.Errorf("SupportedPKCEMethods() = %d methods, want %d", got, tt.wantMethods)
			}
		})
	}
}

func TestResolveScopes(t *testing.T) {
	client := &storage.Client{Scopes: []string{"openid", "email"}}

	tests := []struct {
		name      string
		supported []string
		requested []string
		want      string
		wantErr   bool
	}{
		{"empty request gets client scopes", nil, nil, "openid email", false},
		{"subset", nil, []string{"email"}, "email", false},
		{"outside client scopes", nil, []string{"admin"}, "", true},
		{"outside server scopes", []string{"openid"}, []string{"email"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{Config: &Config{SupportedScopes: tt.supported}}
			got, err := s.resolveScopes(client, tt.requested)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveScopes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && strings.Join(got, " ") != tt.want {
				t.Errorf("resolveScopes() = %v, want %q", got, tt.want)
			}
		})
	}
}
