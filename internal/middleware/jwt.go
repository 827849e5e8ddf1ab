package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vineethgoud568-prog/CureMos/internal/identity"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
)

const (
	UserIDKey = "user_id"
	RoleKey   = "role"
)

// JWTAuth validates the bearer token and stores the caller's user id and
// role in the context. Browsers cannot set headers on a websocket upgrade, so
// a token query parameter is accepted as well.
func JWTAuth(iss *identity.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if tokenString == "" {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Authorization header required",
				})
				return
			}

			// Extract token from "Bearer <token>"
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid authorization header format",
				})
				return
			}
			tokenString = parts[1]
		}

		claims, err := iss.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// Caller returns the authenticated user id and role set by JWTAuth.
func Caller(c *gin.Context) (string, models.Role, bool) {
	userID := c.GetString(UserIDKey)
	role, _ := c.Get(RoleKey)
	r, _ := role.(models.Role)
	return userID, r, userID != ""
}
