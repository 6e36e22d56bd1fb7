// Package util provides small helpers shared by the server packages.
//
// Key utilities:
//   - SafeTruncate: truncates codes and token hashes before logging
//   - ParseScope / FormatScope: convert between the wire form and scope lists
//   - ValidateRedirectURI: registration-time checks on redirect URIs
package util
