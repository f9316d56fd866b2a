package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/karaoke-night-system/pkg/jwt"
	"github.com/karaoke-night-system/pkg/redis"
)

// AuthMiddleware validates the bearer token and loads the Redis session.
// The token is taken from the Authorization header, the auth cookie, or a
// query parameter (for WebSocket upgrades, which cannot set headers from
// browsers).
func AuthMiddleware(sessions *redis.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenString = strings.TrimPrefix(h, "Bearer ")
		}
		if tokenString == "" {
			tokenString, _ = c.Cookie("auth_token")
		}
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := jwt.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		session, err := sessions.GetSession(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session not found"})
			return
		}
		if time.Now().After(session.ExpiresAt) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("user_name", session.Name)
		c.Set("user_role", session.Role)
		c.Next()
	}
}

// HostOnly rejects callers whose session is not the host role. Used for
// moderation and playback control routes.
func HostOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("user_role") != "host" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "host role required"})
			return
		}
		c.Next()
	}
}
