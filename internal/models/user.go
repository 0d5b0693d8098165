package models

import (
	"strings"
	"time"
)

// UserRole represents the capability set a user acts under.
type UserRole string

const (
	RoleRequester UserRole = "requester"
	RoleInspector UserRole = "inspector"
	RoleIssuer    UserRole = "issuer"
)

// AllRoles lists the canonical roles in workflow order.
var AllRoles = []UserRole{RoleRequester, RoleInspector, RoleIssuer}

// Valid reports whether r is one of the canonical roles.
func (r UserRole) Valid() bool {
	switch r {
	case RoleRequester, RoleInspector, RoleIssuer:
		return true
	}
	return false
}

// ParseRole maps input values, including legacy client aliases, onto a canonical role.
func ParseRole(raw string) (UserRole, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "requester", "farmer":
		return RoleRequester, true
	case "inspector":
		return RoleInspector, true
	case "issuer", "certificate_issuer", "certifier":
		return RoleIssuer, true
	}
	return "", false
}

// User represents an application user stored in the users table.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	Phone        string     `db:"phone" json:"phone"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         UserRole   `db:"role" json:"role"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *UserRole
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
