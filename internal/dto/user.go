package dto

import "github.com/noah-isme/agricert-api/internal/models"

// CreateUserRequest represents payload for creating users.
type CreateUserRequest struct {
	Email    string          `json:"email" validate:"required,email"`
	Phone    string          `json:"phone" validate:"required,e164"`
	FullName string          `json:"full_name" validate:"required"`
	Role     models.UserRole `json:"role" validate:"required"`
	Active   bool            `json:"active"`
	Password string          `json:"password" validate:"required,min=8"`
}

// UpdateUserRequest payload for updating users. Role cannot be changed.
type UpdateUserRequest struct {
	FullName string  `json:"full_name" validate:"required"`
	Email    string  `json:"email" validate:"omitempty,email"`
	Phone    string  `json:"phone" validate:"omitempty,e164"`
	Active   *bool   `json:"active"`
	Role     *string `json:"role"`
}
