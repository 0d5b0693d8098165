package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

const legacyRouteContextKey = "legacy_successor"

// LegacyAlias marks routes kept for older clients. Responses carry a Deprecation header and
// a Link to the canonical route.
func LegacyAlias(successor string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Deprecation", "true")
		if successor != "" {
			c.Writer.Header().Set("Link", fmt.Sprintf("<%s>; rel=\"successor-version\"", successor))
		}
		c.Set(legacyRouteContextKey, successor)
		c.Next()
	}
}

// LegacySuccessor returns the canonical route recorded by LegacyAlias.
func LegacySuccessor(c *gin.Context) (string, bool) {
	value, exists := c.Get(legacyRouteContextKey)
	if !exists {
		return "", false
	}
	successor, ok := value.(string)
	return successor, ok
}
