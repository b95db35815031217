package auth

import (
	"fmt"

	"github.com/orvio-apps/caphub/internal/config"
	"github.com/orvio-apps/caphub/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "clerk":
		return NewClerkProvider(cfg.ClerkIssuer)
	case "builtin", "":
		return NewService(s, cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
