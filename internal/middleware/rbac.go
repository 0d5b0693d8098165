package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/agricert-api/internal/authz"
	"github.com/noah-isme/agricert-api/internal/models"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/response"
)

// RequireRoles admits sessions whose role is listed. Callers with the wrong role get 403
// and a redirect hint to their own home view.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		var identity *authz.Identity
		if session := SessionFromContext(c); session != nil {
			identity = &authz.Identity{ID: session.UserID, Role: session.Role}
		}

		decision := authz.Authorize(identity, roles...)
		if decision.Allowed {
			c.Next()
			return
		}
		if !decision.Authenticated {
			response.Error(c, redirectTo(appErrors.ErrUnauthorized, decision.Redirect))
		} else {
			response.Error(c, redirectTo(appErrors.ErrForbidden, decision.Redirect))
		}
		c.Abort()
	}
}
