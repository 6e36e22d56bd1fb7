// Package memory provides an in-memory Authenticator with bcrypt-hashed passwords.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authserver/providers"
)

// ErrDuplicateUser is returned when a username is already registered
var ErrDuplicateUser = errors.New("user already exists")

// dummyHash is compared against when the user does not exist so that
// unknown usernames take as long as wrong passwords.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type user struct {
	info         providers.UserInfo
	passwordHash []byte
}

// Authenticator holds users in memory. It is safe for concurrent use.
type Authenticator struct {
	mu    sync.RWMutex
	users map[string]*user
	cost  int
}

// Compile-time interface check
var _ providers.Authenticator = (*Authenticator)(nil)

// New creates an empty authenticator using bcrypt.DefaultCost
func New() *Authenticator {
	return &Authenticator{
		users: make(map[string]*user),
		cost:  bcrypt.DefaultCost,
	}
}

// SetCost changes the bcrypt cost for users added afterwards.
// Tests use bcrypt.MinCost to stay fast.
func (a *Authenticator) SetCost(cost int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cost = cost
}

// Name returns "memory"
func (a *Authenticator) Name() string {
	return "memory"
}

// AddUser registers a user. An empty info.Subject gets a random UUID.
func (a *Authenticator) AddUser(username, password string, info providers.UserInfo) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if password == "" {
		return fmt.Errorf("password is required")
	}

	a.mu.RLock()
	cost := a.cost
	a.mu.RUnlock()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return a.AddUserWithHash(username, string(hash), info)
}

// AddUserWithHash registers a user whose password is already bcrypt-hashed
func (a *Authenticator) AddUserWithHash(username, passwordHash string, info providers.UserInfo) error {
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return fmt.Errorf("invalid bcrypt hash: %w", err)
	}
	if info.Subject == "" {
		info.Subject = uuid.NewString()
	}
	info.Username = username

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.users[username]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, username)
	}
	a.users[username] = &user{info: info, passwordHash: []byte(passwordHash)}
	return nil
}

// RemoveUser deletes a user. Unknown users are ignored.
func (a *Authenticator) RemoveUser(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.users, username)
}

// Authenticate implements providers.Authenticator
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*providers.UserInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	u, ok := a.users[username]
	a.mu.RUnlock()

	hash := dummyHash
	if ok {
		hash = u.passwordHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return nil, providers.ErrInvalidCredentials
	}

	info := u.info
	return &info, nil
}
