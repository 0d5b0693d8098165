package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/agricert-api/internal/models"
)

func TestAuthorize(t *testing.T) {
	requester := &Identity{ID: "u1", Role: models.RoleRequester}
	inspector := &Identity{ID: "u2", Role: models.RoleInspector}
	issuer := &Identity{ID: "u3", Role: models.RoleIssuer}
	stranger := &Identity{ID: "u4", Role: models.UserRole("auditor")}

	tests := []struct {
		name     string
		identity *Identity
		allowed  []models.UserRole
		want     Decision
	}{
		{"no identity", nil, []models.UserRole{models.RoleRequester}, Decision{Redirect: "/"}},
		{"no identity open route", nil, nil, Decision{Redirect: "/"}},
		{"open to any identity", inspector, nil, Decision{Allowed: true, Authenticated: true}},
		{"role allowed", requester, []models.UserRole{models.RoleRequester}, Decision{Allowed: true, Authenticated: true}},
		{"one of many", issuer, []models.UserRole{models.RoleInspector, models.RoleIssuer}, Decision{Allowed: true, Authenticated: true}},
		{"requester redirected home", requester, []models.UserRole{models.RoleIssuer}, Decision{Redirect: "/farmer/dashboard", Authenticated: true}},
		{"inspector redirected home", inspector, []models.UserRole{models.RoleRequester}, Decision{Redirect: "/inspector/dashboard", Authenticated: true}},
		{"issuer redirected home", issuer, []models.UserRole{models.RoleInspector}, Decision{Redirect: "/certifier/dashboard", Authenticated: true}},
		{"unknown role goes public", stranger, []models.UserRole{models.RoleIssuer}, Decision{Redirect: "/", Authenticated: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Authorize(tc.identity, tc.allowed...))
		})
	}
}

func TestHomeFor(t *testing.T) {
	assert.Equal(t, "/farmer/dashboard", HomeFor(models.RoleRequester))
	assert.Equal(t, "/", HomeFor(""))
}
