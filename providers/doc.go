// Package providers defines how the authorization server authenticates
// resource owners.
//
// The Authenticator interface is the only collaborator the grant flows need
// from a user store: given a username and password it returns a stable
// subject or ErrInvalidCredentials.
//
// Implementations are provided in subpackages:
//   - providers/memory: bcrypt-hashed users held in memory
//   - providers/mock: Authenticator with injectable behaviour for tests
//
// Example usage:
//
//	users := memory.New()
//	if err := users.AddUser("alice", "correct horse battery staple", providers.UserInfo{Email: "alice@example.com"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, _ := server.New(store, store, store, km, users, config, logger)
package providers
