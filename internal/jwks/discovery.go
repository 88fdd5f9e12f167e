package jwks

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Discover resolves the jwks_uri advertised by an OpenID provider and
// returns a remote Cache for it.
func Discover(ctx context.Context, issuer string, opts ...Option) (*Cache, error) {
	if issuer == "" {
		return nil, errors.New("jwks: issuer is required for discovery")
	}

	c := newCache(opts)
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.client), issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	c.url = meta.JwksURI
	c.load = c.fetch
	return c, nil
}
