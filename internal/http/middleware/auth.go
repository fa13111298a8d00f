// README: Bearer-token auth middleware; resolves the caller email through the identity verifier.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"driveup/internal/infra"
)

const callerKey = "caller"

// Auth rejects requests without a valid bearer token. The resolved identity
// is stored on the gin context for CallerEmail. A verifier that cannot reach
// its identity service yields 502, not 401.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		id, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(token))
		if err != nil && !errors.Is(err, infra.ErrInvalidToken) {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "identity service unavailable"})
			return
		}
		if err != nil || id == nil || id.Email == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(callerKey, id)
		c.Next()
	}
}

// CallerEmail returns the authenticated caller's email, or "" outside Auth.
func CallerEmail(c *gin.Context) string {
	v, ok := c.Get(callerKey)
	if !ok {
		return ""
	}
	id, _ := v.(*infra.Identity)
	if id == nil {
		return ""
	}
	return id.Email
}
