package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/agricert-api/internal/authz"
	"github.com/noah-isme/agricert-api/internal/dto"
	"github.com/noah-isme/agricert-api/internal/middleware"
	"github.com/noah-isme/agricert-api/internal/models"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/response"
)

type sessionService interface {
	RequestChallenge(ctx context.Context, identifier string, purpose models.ChallengePurpose, reg *models.Registration) (*models.PendingChallenge, error)
	Login(ctx context.Context, identifier, password string) (*models.PendingChallenge, error)
	VerifyChallenge(ctx context.Context, challengeToken, code string, meta models.LoginMetadata) (*models.Session, error)
	CompleteLogin(ctx context.Context, challengeToken, identifier, password, code string, meta models.LoginMetadata) (*models.Session, error)
	Logout(ctx context.Context, token string, meta models.LoginMetadata) error
	Profile(ctx context.Context, userID string) (*models.UserInfo, error)
}

// AuthHandler wires HTTP endpoints to the session manager.
type AuthHandler struct {
	sessions  sessionService
	validator *validator.Validate
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(sessions sessionService, validate *validator.Validate) *AuthHandler {
	if validate == nil {
		validate = validator.New()
	}
	return &AuthHandler{sessions: sessions, validator: validate}
}

// RequestOTP godoc
// @Summary Request a one-time code
// @Description Starts a login or registration challenge and sends the code to the account phone
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body dto.ChallengeRequest true "Challenge payload"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /auth/request-otp [post]
func (h *AuthHandler) RequestOTP(c *gin.Context) {
	var req dto.ChallengeRequest
	if !h.bind(c, &req, "invalid challenge payload") {
		return
	}

	pending, err := h.sessions.RequestChallenge(c.Request.Context(), req.Identifier, req.Purpose, req.Registration)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusAccepted, pending, nil)
}

// VerifyOTP godoc
// @Summary Verify a one-time code
// @Description Exchanges a challenge token and code for a session
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body dto.VerifyChallengeRequest true "Verification payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/verify-otp [post]
func (h *AuthHandler) VerifyOTP(c *gin.Context) {
	var req dto.VerifyChallengeRequest
	if !h.bind(c, &req, "invalid verification payload") {
		return
	}

	session, err := h.sessions.VerifyChallenge(c.Request.Context(), req.ChallengeToken, req.Code, loginMetadata(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, sessionResponse(session), nil)
}

// Login godoc
// @Summary Check password credentials
// @Description Validates email or phone and password, then sends a login code. No session is issued here.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body dto.LoginRequest true "Login payload"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if !h.bind(c, &req, "invalid login payload") {
		return
	}

	pending, err := h.sessions.Login(c.Request.Context(), req.Identifier, req.Password)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusAccepted, pending, nil)
}

// CompleteLogin godoc
// @Summary Complete a password login
// @Description Submits credentials together with the code sent by /auth/login
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body dto.CompleteLoginRequest true "Completion payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/complete-login [post]
func (h *AuthHandler) CompleteLogin(c *gin.Context) {
	var req dto.CompleteLoginRequest
	if !h.bind(c, &req, "invalid login payload") {
		return
	}

	session, err := h.sessions.CompleteLogin(c.Request.Context(), req.ChallengeToken, req.Identifier, req.Password, req.Code, loginMetadata(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, sessionResponse(session), nil)
}

// Profile godoc
// @Summary Get current user
// @Description Returns the authenticated user's profile and home view
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/profile [get]
func (h *AuthHandler) Profile(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	info, err := h.sessions.Profile(c.Request.Context(), actor.ID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, info, nil, map[string]interface{}{"redirect": authz.HomeFor(info.Role)})
}

// Logout godoc
// @Summary Logout current session
// @Description Discards the bearer session token. Safe to repeat.
// @Tags Authentication
// @Produce json
// @Success 204 {object} response.Envelope
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer"))
	if session := middleware.SessionFromContext(c); session != nil {
		token = session.Token
	}

	if err := h.sessions.Logout(c.Request.Context(), token, loginMetadata(c)); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

func (h *AuthHandler) bind(c *gin.Context, req interface{}, message string) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, message))
		return false
	}
	if err := h.validator.Struct(req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, message))
		return false
	}
	return true
}

func sessionResponse(session *models.Session) *dto.SessionResponse {
	return &dto.SessionResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
		User:      session.User,
		Redirect:  authz.HomeFor(session.Role),
	}
}
