package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/agricert-api/internal/authz"
	"github.com/noah-isme/agricert-api/internal/models"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/response"
)

// ContextSessionKey is the gin context key storing the restored session.
const ContextSessionKey = "currentSession"

type sessionRestorer interface {
	RestoreSession(ctx context.Context, token string) (*models.Session, error)
}

// Session protects routes by requiring a live session token.
func Session(sessions sessionRestorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Error(c, redirectTo(appErrors.Clone(appErrors.ErrUnauthorized, "missing or invalid authorization header"), authz.PublicEntry))
			c.Abort()
			return
		}

		session, err := sessions.RestoreSession(c.Request.Context(), token)
		if err != nil {
			appErr := appErrors.FromError(err)
			if appErr.Status == http.StatusUnauthorized {
				appErr = redirectTo(appErr, authz.PublicEntry)
			}
			response.Error(c, appErr)
			c.Abort()
			return
		}

		c.Set(ContextSessionKey, session)
		c.Next()
	}
}

// OptionalSession attaches the session when present but does not block.
func OptionalSession(sessions sessionRestorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Next()
			return
		}
		if session, err := sessions.RestoreSession(c.Request.Context(), token); err == nil {
			c.Set(ContextSessionKey, session)
		}
		c.Next()
	}
}

// SessionFromContext returns the session attached by Session, or nil.
func SessionFromContext(c *gin.Context) *models.Session {
	value, exists := c.Get(ContextSessionKey)
	if !exists {
		return nil
	}
	session, ok := value.(*models.Session)
	if !ok {
		return nil
	}
	return session
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func redirectTo(err *appErrors.Error, target string) *appErrors.Error {
	return appErrors.WithDetails(err, map[string]interface{}{"redirect": target})
}
