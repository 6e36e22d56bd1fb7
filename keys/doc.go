// Package keys manages the RSA keys that sign access and ID tokens.
//
// A Manager holds one current signing key and a list of retired keys. Rotate
// demotes the current key to verify-only for Config.MaxTokenTTL. Keys track
// the latest exp they signed and stay published at least that long, so every
// token stays verifiable until it expires even when a client's token lifetime
// exceeds MaxTokenTTL. After the window passes, PruneExpired drops the key
// from the published set.
//
// The whole key set is swapped through a single atomic pointer. Concurrent
// readers of CurrentSigningKey, PublicKeys and JWKS see either the set before
// a rotation or the set after it.
//
// Key IDs are RFC 7638 thumbprints. Keys load from PKCS#1 or PKCS#8 PEM, and
// key files can be sealed at rest with a security.Encryptor.
package keys
