package models

import "time"

// Session binds an opaque bearer token to an identity until ExpiresAt.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Role      UserRole  `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *UserInfo `json:"user,omitempty"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Challenge is an outstanding one-time code. It is consumed by the first successful verification.
type Challenge struct {
	ID           string           `json:"id"`
	Identifier   string           `json:"identifier"`
	Purpose      ChallengePurpose `json:"purpose"`
	UserID       string           `json:"user_id,omitempty"`
	Destination  string           `json:"destination"`
	CodeHash     string           `json:"code_hash"`
	Registration *Registration    `json:"registration,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

// PendingChallenge is returned to callers between the challenge and verification phases.
type PendingChallenge struct {
	Token       string           `json:"challenge_token"`
	Purpose     ChallengePurpose `json:"purpose"`
	Destination string           `json:"destination"`
	ExpiresAt   time.Time        `json:"expires_at"`
}
