// README: Firebase ID-token authentication and role checks.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"courierdispatch/internal/infra"
)

const (
	ctxKeyUID  = "caller_uid"
	ctxKeyRole = "caller_role"
)

// Roles carried in the "role" custom claim.
const (
	RoleCourier  = "courier"
	RoleOwner    = "owner"
	RoleCustomer = "customer"
	RoleService  = "service"
)

// Auth verifies the bearer token and stores the caller's uid and role on the
// context. Browsers cannot set headers on a websocket handshake, so the token
// may also come in the "token" query parameter.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		role, _ := token.Claims["role"].(string)
		if role == "" {
			role = RoleCustomer
		}
		c.Set(ctxKeyUID, token.UID)
		c.Set(ctxKeyRole, role)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxKeyUID)
}

// CallerRole defaults to customer when the token has no role claim.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxKeyRole)
}

// RequireRole rejects callers whose role is not one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}
