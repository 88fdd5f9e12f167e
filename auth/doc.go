// Package auth resolves the identity behind a bearer token.
//
// An Authenticator verifies a token string and returns an Identity or an
// *Error. The gateway extracts the token from the Authorization header and
// renders *Error values as 401 responses carrying the error code and the
// request's trace id.
//
// # JWT Authentication
//
// SecurityConfig.NewAuthenticator builds a JWTAuthenticator backed by a key
// cache. Keys come from a remote JWKS URL, a static JWK (a key set, a single
// key or an array of keys), a JWK file that is reloaded on change, or the
// jwks_uri of an OpenID provider found through discovery.
//
//	authn, err := auth.SecurityConfig{
//	    JWKSURL:  "https://project.supabase.co/auth/v1/.well-known/jwks.json",
//	    Issuer:   "https://project.supabase.co/auth/v1",
//	    Audience: "authenticated",
//	}.NewAuthenticator(ctx, auth.WithLogger(log))
//	if err != nil { log.Fatal(err) }
//
//	id, err := authn.Verify(r.Context(), bearerToken)
//	var aerr *auth.Error
//	if errors.As(err, &aerr) { /* 401 with aerr.Code */ }
//
// # Algorithms & Clock Skew
//
// By default ES256, RS256 and HS256 are accepted; "none" never is. Leeway
// tolerates clock skew on exp and nbf, and MaxFutureIat rejects tokens that
// claim to be issued too far ahead. nbf is optional unless RequireNbf is set.
//
// # Errors
//
// Every failure is an *Error with Status 401 and one of the Code constants.
// All of them match ErrUnauthorized with errors.Is.
package auth
