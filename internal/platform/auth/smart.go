package auth

import (
	"fmt"
	"strings"
)

// Permission is one capability from a SMART on FHIR scope, following the v2
// granular model (create, read, update, delete, search). v1 scopes map onto
// the same set: read covers read+search, write covers create+update+delete.
type Permission uint8

const (
	PermCreate Permission = 1 << iota
	PermRead
	PermUpdate
	PermDelete
	PermSearch
)

const allPermissions = PermCreate | PermRead | PermUpdate | PermDelete | PermSearch

// String renders the permission set in the v2 letter form, e.g. "rs".
func (p Permission) String() string {
	var b strings.Builder
	if p&PermCreate != 0 {
		b.WriteByte('c')
	}
	if p&PermRead != 0 {
		b.WriteByte('r')
	}
	if p&PermUpdate != 0 {
		b.WriteByte('u')
	}
	if p&PermDelete != 0 {
		b.WriteByte('d')
	}
	if p&PermSearch != 0 {
		b.WriteByte('s')
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}

// SMARTScope is a parsed SMART on FHIR clinical scope.
//
// Format: <context>/<resourceType>.<permissions> where permissions is a v1
// verb (read, write, *) or a v2 letter set (cruds).
// Examples: patient/Patient.read, user/Observation.cruds, patient/*.rs
type SMARTScope struct {
	Context      string // "patient", "user" or "system"
	ResourceType string // concrete type or "*"
	Perms        Permission
}

// ParseSMARTScope parses a single clinical scope. Non-clinical scopes
// (openid, profile, launch/patient, offline_access, ...) are errors here;
// ParseSMARTScopes skips them.
func ParseSMARTScope(s string) (SMARTScope, error) {
	slash := strings.Index(s, "/")
	if slash <= 0 || slash == len(s)-1 {
		return SMARTScope{}, fmt.Errorf("scope %q is not a clinical scope", s)
	}
	context := s[:slash]
	switch context {
	case "patient", "user", "system":
	default:
		return SMARTScope{}, fmt.Errorf("scope %q has unknown context %q", s, context)
	}

	rest := s[slash+1:]
	dot := strings.LastIndex(rest, ".")
	if dot <= 0 || dot == len(rest)-1 {
		return SMARTScope{}, fmt.Errorf("scope %q is missing a permission suffix", s)
	}

	perms, err := parsePermissions(rest[dot+1:])
	if err != nil {
		return SMARTScope{}, fmt.Errorf("scope %q: %w", s, err)
	}

	return SMARTScope{
		Context:      context,
		ResourceType: rest[:dot],
		Perms:        perms,
	}, nil
}

func parsePermissions(verb string) (Permission, error) {
	switch verb {
	case "read":
		return PermRead | PermSearch, nil
	case "write":
		return PermCreate | PermUpdate | PermDelete, nil
	case "*":
		return allPermissions, nil
	}
	var p Permission
	for _, ch := range verb {
		switch ch {
		case 'c':
			p |= PermCreate
		case 'r':
			p |= PermRead
		case 'u':
			p |= PermUpdate
		case 'd':
			p |= PermDelete
		case 's':
			p |= PermSearch
		default:
			return 0, fmt.Errorf("unknown permission %q", string(ch))
		}
	}
	if p == 0 {
		return 0, fmt.Errorf("empty permission set")
	}
	return p, nil
}

// ParseSMARTScopes splits a token's space-separated scope claim and returns
// the clinical scopes. Scopes that are not clinical scopes are skipped, not
// errors: tokens routinely carry openid and profile alongside data scopes.
func ParseSMARTScopes(raw string) []SMARTScope {
	var scopes []SMARTScope
	for _, s := range strings.Fields(raw) {
		scope, err := ParseSMARTScope(s)
		if err != nil {
			continue
		}
		scopes = append(scopes, scope)
	}
	return scopes
}

// Allows reports whether this scope grants perm on resourceType for a
// request made in the given context. System scopes apply regardless of the
// request context.
func (s SMARTScope) Allows(context, resourceType string, perm Permission) bool {
	if s.Context != context && s.Context != "system" {
		return false
	}
	if s.ResourceType != "*" && s.ResourceType != resourceType {
		return false
	}
	return s.Perms&perm == perm
}

// ScopesAllow reports whether any of the scopes grants the permission.
func ScopesAllow(scopes []SMARTScope, context, resourceType string, perm Permission) bool {
	for _, s := range scopes {
		if s.Allows(context, resourceType, perm) {
			return true
		}
	}
	return false
}

// RequiredPermission maps a request shape onto the permission it needs:
// instance reads need read, type-level GETs need search, and writes map to
// create/update/delete by method.
func RequiredPermission(method string, hasID bool) (Permission, bool) {
	switch method {
	case "GET", "HEAD":
		if hasID {
			return PermRead, true
		}
		return PermSearch, true
	case "POST":
		return PermCreate, true
	case "PUT", "PATCH":
		return PermUpdate, true
	case "DELETE":
		return PermDelete, true
	default:
		return 0, false
	}
}
