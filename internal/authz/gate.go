// Package authz decides which identities may enter which workflow views.
//
// Authorize is a pure function: it performs no I/O and depends only on its arguments,
// so the HTTP middleware and any other caller share one role to destination mapping.
package authz

import "github.com/noah-isme/agricert-api/internal/models"

// PublicEntry is where callers without an identity are sent.
const PublicEntry = "/"

var homes = map[models.UserRole]string{
	models.RoleRequester: "/farmer/dashboard",
	models.RoleInspector: "/inspector/dashboard",
	models.RoleIssuer:    "/certifier/dashboard",
}

// Identity is the minimal view of a caller the gate needs.
type Identity struct {
	ID   string
	Role models.UserRole
}

// Decision is the outcome of Authorize. Redirect is set only when Allowed is false.
type Decision struct {
	Allowed       bool
	Redirect      string
	Authenticated bool
}

// HomeFor returns the canonical landing view for role, or PublicEntry for unknown roles.
func HomeFor(role models.UserRole) string {
	if home, ok := homes[role]; ok {
		return home
	}
	return PublicEntry
}

// Authorize checks identity against allowed. An empty allowed set admits any identity.
func Authorize(identity *Identity, allowed ...models.UserRole) Decision {
	if identity == nil {
		return Decision{Redirect: PublicEntry}
	}
	if len(allowed) == 0 {
		return Decision{Allowed: true, Authenticated: true}
	}
	for _, role := range allowed {
		if identity.Role == role {
			return Decision{Allowed: true, Authenticated: true}
		}
	}
	return Decision{Redirect: HomeFor(identity.Role), Authenticated: true}
}
