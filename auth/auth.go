package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ggoodman/admission-gateway/internal/jwtauth"
)

// ErrUnauthorized is matched by every *Error returned from an Authenticator.
var ErrUnauthorized = errors.New("unauthorized")

// Code is the stable machine readable identifier of an identity failure.
type Code string

const (
	CodeTokenMissing         = Code(jwtauth.CodeTokenMissing)
	CodeInvalidHeader        = Code(jwtauth.CodeInvalidHeader)
	CodeAlgorithmMissing     = Code(jwtauth.CodeAlgorithmMissing)
	CodeUnsupportedAlgorithm = Code(jwtauth.CodeUnsupportedAlgorithm)
	CodeKeyNotFound          = Code(jwtauth.CodeKeyNotFound)
	CodeTokenExpired         = Code(jwtauth.CodeTokenExpired)
	CodeTokenNotYetValid     = Code(jwtauth.CodeTokenNotYetValid)
	CodeInvalidAudience      = Code(jwtauth.CodeInvalidAudience)
	CodeInvalidIssuer        = Code(jwtauth.CodeInvalidIssuer)
	CodeIssuerNotAllowed     = Code(jwtauth.CodeIssuerNotAllowed)
	CodeSubjectMissing       = Code(jwtauth.CodeSubjectMissing)
	CodeIatTooFarInFuture    = Code(jwtauth.CodeIatTooFarInFuture)
	CodeTokenNotYetActive    = Code(jwtauth.CodeTokenNotYetActive)
	CodeInvalidSignature     = Code(jwtauth.CodeInvalidSignature)
	CodeInvalidToken         = Code(jwtauth.CodeInvalidToken)
)

// Error is a structured identity failure. Status is always 401.
type Error struct {
	Status  int
	Code    Code
	Message string
	TraceID string

	err error
}

// NewError builds an identity failure for the given code.
func NewError(code Code, message, traceID string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: code, Message: message, TraceID: traceID}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.err == nil {
		return []error{ErrUnauthorized}
	}
	return []error{ErrUnauthorized, e.err}
}

// Identity is a verified caller. It is immutable and scoped to one request
// or one stream.
type Identity struct {
	Subject     string
	Issuer      string
	Audience    []string
	Email       string
	IsAnonymous bool
	ExpiresAt   time.Time
	IssuedAt    time.Time
	NotBefore   *time.Time
	// Claims holds the full decoded payload for downstream consumers.
	Claims map[string]any
}

func (id *Identity) UserID() string { return id.Subject }

// DecodeClaims unmarshals the raw claims into ref.
func (id *Identity) DecodeClaims(ref any) error {
	b, err := json.Marshal(id.Claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator verifies bearer tokens. Failures are returned as *Error.
type Authenticator interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}
