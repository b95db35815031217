// Package auth provides end-user authentication for the hub.
package auth

import (
	"context"
	"errors"

	"github.com/orvio-apps/caphub/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Identity is the unified identity representation for all auth providers.
// SubjectID is the stable external identifier used to resolve the customer
// mapping; Email is only informational.
type Identity struct {
	SubjectID string
	Email     string
	Username  string
	Role      string // "admin" or "user"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.User, error)
}
