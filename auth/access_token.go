package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/ggoodman/admission-gateway/internal/jwks"
	"github.com/ggoodman/admission-gateway/internal/jwtauth"
	"github.com/ggoodman/admission-gateway/internal/logctx"
)

// JWTAuthenticator verifies bearer JWTs against a key cache.
type JWTAuthenticator struct {
	v    *jwtauth.Verifier
	keys *jwks.Cache
	sec  SecurityConfig
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// Verify validates tok. The returned *Error carries the trace id found on
// ctx.
func (a *JWTAuthenticator) Verify(ctx context.Context, tok string) (*Identity, error) {
	res, err := a.v.Verify(ctx, tok)
	if err != nil {
		// Map internal failures to the public error type.
		var verr *jwtauth.Error
		if !errors.As(err, &verr) {
			return nil, &Error{
				Status:  http.StatusUnauthorized,
				Code:    CodeInvalidToken,
				Message: "JWT validation failed",
				TraceID: logctx.TraceID(ctx),
				err:     err,
			}
		}
		return nil, &Error{
			Status:  http.StatusUnauthorized,
			Code:    Code(verr.Code),
			Message: verr.Message,
			TraceID: logctx.TraceID(ctx),
			err:     verr,
		}
	}
	return &Identity{
		Subject:     res.Subject,
		Issuer:      res.Issuer,
		Audience:    res.Audience,
		Email:       res.Email,
		IsAnonymous: res.Anonymous,
		ExpiresAt:   res.ExpiresAt,
		IssuedAt:    res.IssuedAt,
		NotBefore:   res.NotBefore,
		Claims:      res.Claims,
	}, nil
}

// Refresh forces a reload of the verification keys.
func (a *JWTAuthenticator) Refresh(ctx context.Context) error { return a.keys.Refresh(ctx) }

// Watch reloads keys when the configured key file changes. It returns
// immediately when the keys do not come from a file.
func (a *JWTAuthenticator) Watch(ctx context.Context) error {
	if a.sec.KeyFile == "" || a.sec.StaticJWK != "" {
		return nil
	}
	return a.keys.Watch(ctx)
}

// KeyCount reports how many verification keys are currently loaded.
func (a *JWTAuthenticator) KeyCount() int { return len(a.keys.Keys()) }

// SecurityConfig returns the normalized configuration in effect.
func (a *JWTAuthenticator) SecurityConfig() SecurityConfig { return a.sec.Copy() }
