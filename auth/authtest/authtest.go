package authtest

import (
	"context"
	"strings"

	"github.com/ggoodman/admission-gateway/auth"
	"github.com/ggoodman/admission-gateway/internal/logctx"
)

// Static is a test authenticator that accepts a fixed set of tokens. Any
// other non-empty token fails with CodeInvalidSignature.
type Static struct {
	Tokens map[string]*auth.Identity
}

// NewStatic creates an authenticator with no known tokens.
func NewStatic() *Static {
	return &Static{Tokens: map[string]*auth.Identity{}}
}

// Add registers token as belonging to subject.
func (s *Static) Add(token, subject string, anonymous bool) *Static {
	s.Tokens[token] = &auth.Identity{
		Subject:     subject,
		IsAnonymous: anonymous,
		Claims:      map[string]any{"sub": subject, "is_anonymous": anonymous},
	}
	return s
}

func (s *Static) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, auth.NewError(auth.CodeTokenMissing, "Authorization token is required", logctx.TraceID(ctx))
	}
	id, ok := s.Tokens[token]
	if !ok {
		return nil, auth.NewError(auth.CodeInvalidSignature, "Signature verification failed", logctx.TraceID(ctx))
	}
	return id, nil
}
