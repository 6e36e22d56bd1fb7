package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-authserver/security"
)

const (
	// AlgorithmRS256 is the only signing algorithm issued and accepted
	AlgorithmRS256 = "RS256"

	// DefaultKeySize is the RSA modulus size for generated keys
	DefaultKeySize = 2048

	// MinKeySize is the smallest RSA modulus accepted
	MinKeySize = 2048

	encryptedPEMType = "AUTHSERVER ENCRYPTED PRIVATE KEY"
	privatePEMType   = "PRIVATE KEY"
)

// keyFileAD binds sealed key files to their purpose
var keyFileAD = []byte("oidc-authserver/signing-key")

var (
	// ErrKeyNotFound is returned when no published key has the requested kid
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyTooSmall is returned for RSA keys below MinKeySize bits
	ErrKeyTooSmall = errors.New("rsa key too small")

	// ErrEncryptedKey is returned when an encrypted key file is loaded without an encryptor
	ErrEncryptedKey = errors.New("key file is encrypted and no encryption key was provided")
)

// SigningKey is an RSA key pair identified by a stable key ID.
// The private half never leaves this package except through Sign.
type SigningKey struct {
	KeyID     string
	Algorithm string
	CreatedAt time.Time

	// RetiredAt and ExpiresAt are set once the key is demoted to verify-only
	RetiredAt time.Time
	ExpiresAt time.Time

	private *rsa.PrivateKey

	// lastExp is the latest exp (unix seconds) of any token signed with this
	// key. Retired copies share it, so a signature racing a rotation still
	// extends the retired key's lifetime.
	lastExp *atomic.Int64
}

// PublicKey is the verification half of a SigningKey
type PublicKey struct {
	KeyID     string
	Algorithm string
	Key       *rsa.PublicKey
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewSigningKey wraps an RSA private key, deriving its key ID
func NewSigningKey(private *rsa.PrivateKey, createdAt time.Time) (*SigningKey, error) {
	if private == nil {
		return nil, errors.New("private key is nil")
	}
	if bits := private.N.BitLen(); bits < MinKeySize {
		return nil, fmt.Errorf("%w: %d bits, need at least %d", ErrKeyTooSmall, bits, MinKeySize)
	}

	kid, err := DeriveKeyID(&private.PublicKey)
	if err != nil {
		return nil, err
	}

	return &SigningKey{
		KeyID:     kid,
		Algorithm: AlgorithmRS256,
		CreatedAt: createdAt,
		private:   private,
		lastExp:   new(atomic.Int64),
	}, nil
}

// GenerateSigningKey creates a fresh RSA key of the given size
func GenerateSigningKey(bits int, createdAt time.Time) (*SigningKey, error) {
	if bits == 0 {
		bits = DefaultKeySize
	}
	if bits < MinKeySize {
		return nil, fmt.Errorf("%w: %d bits requested", ErrKeyTooSmall, bits)
	}

	private, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return NewSigningKey(private, createdAt)
}

// DeriveKeyID computes the RFC 7638 JWK thumbprint of pub, base64url encoded
func DeriveKeyID(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// Sign serializes token with this key, stamping the kid header.
// Only RS256 tokens are signed.
func (k *SigningKey) Sign(token *jwt.Token) (string, error) {
	if token.Method != jwt.SigningMethodRS256 {
		return "", fmt.Errorf("unsupported signing method %q", token.Method.Alg())
	}
	token.Header["kid"] = k.KeyID
	if exp, err := token.Claims.GetExpirationTime(); err == nil && exp != nil {
		k.recordExpiry(exp.Unix())
	}
	return token.SignedString(k.private)
}

func (k *SigningKey) recordExpiry(exp int64) {
	for {
		cur := k.lastExp.Load()
		if exp <= cur || k.lastExp.CompareAndSwap(cur, exp) {
			return
		}
	}
}

// LastTokenExpiry returns the latest exp of any token signed with k,
// or the zero time when it has signed nothing with an exp claim.
func (k *SigningKey) LastTokenExpiry() time.Time {
	exp := k.lastExp.Load()
	if exp == 0 {
		return time.Time{}
	}
	return time.Unix(exp, 0)
}

// verifiableUntil is the end of a retired key's overlap window: the later of
// ExpiresAt and one second past the last exp it signed.
func (k *SigningKey) verifiableUntil() time.Time {
	until := k.ExpiresAt
	if last := k.LastTokenExpiry(); !last.IsZero() {
		if signed := last.Add(time.Second); signed.After(until) {
			until = signed
		}
	}
	return until
}

// Signer exposes the key as a crypto.Signer
func (k *SigningKey) Signer() crypto.Signer {
	return k.private
}

// Public returns the verification half of the key
func (k *SigningKey) Public() PublicKey {
	return PublicKey{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Key:       &k.private.PublicKey,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.publishedUntil(),
	}
}

func (k *SigningKey) publishedUntil() time.Time {
	if k.RetiredAt.IsZero() {
		return time.Time{}
	}
	return k.verifiableUntil()
}

// retire returns a verify-only copy of k that stops verifying at expiresAt,
// or later if k signed tokens that outlive it
func (k *SigningKey) retire(now, expiresAt time.Time) *SigningKey {
	retired := *k
	retired.RetiredAt = now
	retired.ExpiresAt = expiresAt
	return &retired
}

// ParsePrivateKeyPEM decodes a PKCS#1 or PKCS#8 RSA private key.
// Encrypted key files written by EncodePrivateKeyPEM need enc.
func ParsePrivateKeyPEM(data []byte, enc *security.Encryptor) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	der := block.Bytes
	if block.Type == encryptedPEMType {
		if !enc.IsEnabled() {
			return nil, ErrEncryptedKey
		}
		var err error
		der, err = enc.Open(block.Bytes, keyFileAD)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt key file: %w", err)
		}
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T, want RSA", parsed)
	}
	return key, nil
}

// EncodePrivateKeyPEM encodes key as PKCS#8 PEM. With an enabled enc the
// DER bytes are sealed with AES-GCM and wrapped in a custom PEM block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey, enc *security.Encryptor) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	if !enc.IsEnabled() {
		return pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: der}), nil
	}

	sealed, err := enc.Seal(der, keyFileAD)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: encryptedPEMType, Bytes: sealed}), nil
}

// LoadSigningKeyFile reads a PEM key file from disk
func LoadSigningKeyFile(path string, enc *security.Encryptor, createdAt time.Time) (*SigningKey, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	private, err := ParsePrivateKeyPEM(data, enc)
	if err != nil {
		return nil, err
	}
	return NewSigningKey(private, createdAt)
}

// WriteSigningKeyFile writes key to path with 0600 permissions
func WriteSigningKeyFile(path string, key *SigningKey, enc *security.Encryptor) error {
	data, err := EncodePrivateKeyPEM(key.private, enc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write signing key: %w", err)
	}
	return nil
}
