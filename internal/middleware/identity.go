package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/medgw/internal/proxy"
)

// Identity returns a middleware that reads the verified caller identity
// set by the upstream authenticator and stores it in the request context.
// Requests without a user id header pass through as anonymous.
func Identity(userIDHeader, rolesHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := proxy.IdentityFromHeaders(c.Request.Header, userIDHeader, rolesHeader); id != nil {
			c.Request = c.Request.WithContext(proxy.ContextWithIdentity(c.Request.Context(), id))
		}
		c.Next()
	}
}
