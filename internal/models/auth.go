package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ChallengePurpose distinguishes login codes from registration codes.
type ChallengePurpose string

const (
	PurposeLogin    ChallengePurpose = "login"
	PurposeRegister ChallengePurpose = "register"
)

// Registration holds the account details kept on a register challenge until the code is verified.
// The plain password is dropped once PasswordHash is set.
type Registration struct {
	FullName     string   `json:"full_name" validate:"required,min=2"`
	Email        string   `json:"email" validate:"required,email"`
	Phone        string   `json:"phone" validate:"required,e164"`
	Password     string   `json:"password,omitempty" validate:"required,min=8"`
	PasswordHash string   `json:"password_hash,omitempty" validate:"-"`
	Role         UserRole `json:"role" validate:"required"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Phone    string   `json:"phone"`
	FullName string   `json:"full_name"`
	Role     UserRole `json:"role"`
}

// NewUserInfo projects a user onto its public fields.
func NewUserInfo(u *User) UserInfo {
	return UserInfo{ID: u.ID, Email: u.Email, Phone: u.Phone, FullName: u.FullName, Role: u.Role}
}

// ChallengeClaims is the payload of a pending-challenge token.
type ChallengeClaims struct {
	ChallengeID string           `json:"cid"`
	Identifier  string           `json:"idf"`
	Purpose     ChallengePurpose `json:"purpose"`
	jwt.RegisteredClaims
}

// LoginMetadata carries client details recorded in the audit log.
type LoginMetadata struct {
	IP        string
	UserAgent string
	IssuedAt  time.Time
}
