package gateway

import (
	"regexp"
	"slices"
	"strings"
)

// Rule matches a request path, and optionally restricts the match to a set of
// methods.
type Rule struct {
	Pattern *regexp.Regexp
	Methods []string
}

func (r Rule) matches(method, path string) bool {
	if !r.Pattern.MatchString(path) {
		return false
	}
	return len(r.Methods) == 0 || slices.Contains(r.Methods, strings.ToUpper(method))
}

// Policy decides which paths anonymous callers may reach. Allowed rules are
// consulted first, then Restricted ones; paths matching neither are allowed.
type Policy struct {
	Allowed    []Rule
	Restricted []Rule
}

func rule(expr string, methods ...string) Rule {
	return Rule{Pattern: regexp.MustCompile(expr), Methods: methods}
}

// DefaultPolicy keeps anonymous callers to chat and read-only model listing
// and away from admin, sharing and bulk endpoints.
func DefaultPolicy() *Policy {
	return &Policy{
		Allowed: []Rule{
			rule(`^/api/v1/messages$`),
			rule(`^/api/v1/messages/[^/]+/events$`),
			rule(`^/api/v1/llm/models$`, "GET"),
			rule(`^/health$`),
			rule(`^/docs$`),
			rule(`^/openapi\.json$`),
		},
		Restricted: []Rule{
			rule(`^/api/v1/admin/.*$`),
			rule(`^/api/v1/base/.*$`),
			rule(`^/api/v1/user/.*$`),
			rule(`^/api/v1/role/.*$`),
			rule(`^/api/v1/menu/.*$`),
			rule(`^/api/v1/api/.*$`),
			rule(`^/api/v1/dept/.*$`),
			rule(`^/api/v1/auditlog/.*$`),
			rule(`^/api/v1/conversations/.+/share$`),
			rule(`^/api/v1/public_shares/.*$`),
			rule(`^/api/v1/messages/batch$`),
			rule(`^/api/v1/conversations/batch$`),
			rule(`(?i)^/api/v1/llm/models$`),
			rule(`^/api/v1/llm/prompts/.*$`),
		},
	}
}

// AllowsAnonymous reports whether an anonymous caller may reach path.
func (p *Policy) AllowsAnonymous(method, path string) bool {
	for _, r := range p.Allowed {
		if r.matches(method, path) {
			return true
		}
	}
	for _, r := range p.Restricted {
		if r.matches(method, path) {
			return false
		}
	}
	return true
}

// DefaultExemptPaths bypass verification and admission entirely.
var DefaultExemptPaths = []string{
	"/api/v1/base/access_token",
	"/api/v1/healthz",
	"/api/v1/livez",
	"/api/v1/readyz",
	"/api/v1/metrics",
	"/docs",
	"/redoc",
	"/openapi.json",
}
