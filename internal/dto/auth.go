package dto

import (
	"time"

	"github.com/noah-isme/agricert-api/internal/models"
)

// LoginRequest carries password credentials. Identifier is an email address or an E.164 phone number.
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

// ChallengeRequest starts a one-time code challenge. Registration is required for the register purpose.
type ChallengeRequest struct {
	Identifier   string                  `json:"identifier"`
	Purpose      models.ChallengePurpose `json:"purpose" validate:"required,oneof=login register"`
	Registration *models.Registration    `json:"registration"`
}

// VerifyChallengeRequest exchanges a challenge token and code for a session.
type VerifyChallengeRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required,numeric"`
}

// CompleteLoginRequest submits credentials and the code in one call.
type CompleteLoginRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Identifier     string `json:"identifier" validate:"required"`
	Password       string `json:"password" validate:"required"`
	Code           string `json:"code" validate:"required,numeric"`
}

// SessionResponse is returned once a session is issued.
type SessionResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	User      *models.UserInfo `json:"user"`
	Redirect  string           `json:"redirect"`
}
