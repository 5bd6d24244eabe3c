package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/mossy-p/webrtc-rooms/internal/middleware"
)

// SetupRouter wires the control API for one peer session.
func SetupRouter(cfg *config.Config, s Session, hub *Hub) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if gin.IsDebugging() {
		router.Use(gin.Logger())
	}

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "phase": s.State().Phase()})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		if cfg.JWTSecret != "" {
			apiGroup.POST("/auth/login", Login(cfg.JWTSecret))
		}

		apiGroup.GET("/session", auth, GetSession(s))
		apiGroup.POST("/session", auth, CreateSession(s))
		apiGroup.POST("/session/join-form", auth, OpenJoinForm(s))
		apiGroup.DELETE("/session/join-form", auth, CloseJoinForm(s))
		apiGroup.POST("/session/join", auth, JoinSession(s))
		apiGroup.POST("/session/hangup", auth, HangUp(s))

		apiGroup.POST("/media", auth, AcquireMedia(s))
		apiGroup.DELETE("/media", auth, ReleaseMedia(s))
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/events", auth, HandleEvents(hub, s))
	}

	return router
}
