package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vineethgoud568-prog/CureMos/internal/identity"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string      `json:"username" binding:"required"`
	Password string      `json:"password" binding:"required"`
	Role     models.Role `json:"role"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string      `json:"token"`
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
}

// Login handles user login and JWT generation.
// For demo purposes, accepts any username/password combination; the username
// becomes the user id and the role defaults to doctor A.
func Login(iss *identity.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		if req.Role == "" {
			req.Role = models.RoleDoctorA
		}
		if !req.Role.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Unknown role",
			})
			return
		}

		tokenString, err := iss.Issue(req.Username, req.Role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  tokenString,
			UserID: req.Username,
			Role:   req.Role,
		})
	}
}
