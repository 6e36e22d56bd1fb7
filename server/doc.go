// Package server implements the authorization server core.
//
// The Server type runs the grant state machine for the authorization_code,
// client_credentials and refresh_token grants on top of three collaborators:
//   - the client registry and code store (storage package)
//   - the token service and key manager (token and keys packages)
//   - a resource owner Authenticator (providers package)
//
// Every operation returns a *Error whose Code is one of the OAuth 2.0 error
// codes. Internal faults surface as server_error with a generic description;
// the cause stays in Err for logs.
//
// Authorization grants move through GrantState values:
//
//	Requested -> CodeIssued -> Redeemed
//	Requested -> Denied
//	any       -> Expired
//
// Codes and refresh tokens are consumed with atomic check-and-mark store
// operations. A replayed code revokes the refresh tokens issued from it and a
// replayed refresh token revokes its whole rotation chain.
//
// Example usage:
//
//	store := memory.New()
//	km, _ := keys.New(keys.Config{RotationInterval: 24 * time.Hour}, logger)
//	users := usermemory.New()
//
//	srv, err := server.New(store, store, store, km, users, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
package server
