package middleware

import (
	"context"
	"net/http"
	"strings"

	"workflow-collab-api/internal/auth"
	"workflow-collab-api/internal/realtime"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// CredentialVerifier turns a bearer credential into an identity.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

// Authenticate verifies the bearer credential in the Authorization header and
// stores the identity in the request context.
func Authenticate(v CredentialVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			// Extract token from "Bearer <token>"
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
		// Fallback for WebSocket/browser where custom headers cannot be set: allow token in query param
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is required",
				"code":  realtime.CodeInvalidCredential,
			})
			return
		}

		identity, err := v.Verify(c.Request.Context(), tokenString)
		if err != nil {
			code := realtime.ErrorCode(err)
			if code == realtime.CodeInternal {
				_ = c.Error(err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "Failed to verify credential",
					"code":  code,
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"code":  code,
			})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := v.(auth.Identity)
	return identity, ok
}
