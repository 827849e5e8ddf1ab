package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vineethgoud568-prog/CureMos/internal/identity"
	"github.com/vineethgoud568-prog/CureMos/internal/middleware"
	"go.uber.org/zap"
)

type RouterConfig struct {
	AllowedOrigins []string
	Issuer         *identity.Issuer
	API            *API
	Relay          *Relay
	Logger         *zap.Logger
}

// NewRouter wires every HTTP and websocket route.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(cfg.Logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.Issuer)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.Issuer))

		consultations := apiGroup.Group("/consultations", auth)
		consultations.GET("", cfg.API.ListConsultations)
		consultations.POST("", cfg.API.CreateConsultation)
		consultations.GET("/:id", cfg.API.GetConsultation)
		consultations.DELETE("/:id", cfg.API.DeleteConsultation)
		consultations.PATCH("/:id/status", cfg.API.UpdateStatus)
		consultations.GET("/:id/messages", cfg.API.ListMessages)
		consultations.POST("/:id/messages", cfg.API.SendMessage)

		apiGroup.POST("/messages/:id/read", auth, cfg.API.MarkRead)
	}

	// WebSocket signaling endpoint, one topic per consultation
	wsGroup := router.Group("/ws", auth)
	{
		wsGroup.GET("/signal/:sessionId", cfg.Relay.HandleSignaling)
	}

	return router
}
