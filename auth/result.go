package auth

import (
	"fmt"
	"strings"
)

// Challenge returns the WWW-Authenticate value for a bearer failure, in the
// RFC 6750 form.
func (e *Error) Challenge(realm string) string {
	var b strings.Builder
	b.WriteString("Bearer")
	sep := " "
	if realm != "" {
		fmt.Fprintf(&b, "%srealm=%q", sep, realm)
		sep = ", "
	}
	if e.Code == CodeTokenMissing {
		// No error attribute when no credentials were presented.
		return b.String()
	}
	errCode := "invalid_token"
	if e.Code == CodeInvalidHeader {
		errCode = "invalid_request"
	}
	fmt.Fprintf(&b, "%serror=%q, error_description=%q", sep, errCode, e.Message)
	return b.String()
}
