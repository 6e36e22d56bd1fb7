package providers

import (
	"context"
	"errors"
)

// ErrInvalidCredentials is returned when a username or password is rejected.
// Implementations must not reveal which of the two was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator verifies resource owner credentials.
// The authorization server only needs a stable subject back; how users are
// stored and how passwords are hashed is up to the implementation.
type Authenticator interface {
	// Name returns the authenticator name (e.g., "memory")
	Name() string

	// Authenticate checks username and password and returns the user on success.
	// Returns ErrInvalidCredentials on mismatch or unknown user.
	Authenticate(ctx context.Context, username, password string) (*UserInfo, error)
}

// UserInfo represents an authenticated resource owner
type UserInfo struct {
	// Subject is the stable user identifier used as the sub claim
	Subject string

	// Username is the login name
	Username string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	// Name is the user's full name
	Name string
}
