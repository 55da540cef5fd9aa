package handlers

import (
	"net/http"
	"strings"
)

// Identity describes the authenticated caller as asserted by the fronting
// authorization service. A zero User means anonymous.
type Identity struct {
	User  string
	Roles []string
}

func (id Identity) Anonymous() bool {
	return id.User == ""
}

func (id Identity) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range id.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// IdentityFn extracts the caller identity from a request.
type IdentityFn func(*http.Request) Identity

// HeaderIdentity trusts the identity headers set by the authentication proxy
// in front of the service.
func HeaderIdentity(r *http.Request) Identity {
	id := Identity{User: strings.TrimSpace(r.Header.Get("X-Authenticated-User"))}
	for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
		if role = strings.TrimSpace(role); role != "" {
			id.Roles = append(id.Roles, role)
		}
	}
	return id
}

// AnonymousIdentity treats every caller as anonymous.
func AnonymousIdentity(*http.Request) Identity {
	return Identity{}
}
