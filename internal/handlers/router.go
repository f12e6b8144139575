package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-roulette/config"
)

// NewRouter wires the HTTP surface of the relay service
func NewRouter(cfg *config.Config, hub *Hub) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Environment != "production" {
		router.Use(gin.Logger())
	}

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.Origins()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/stats", hub.GetStats)
	}

	router.GET("/ws", hub.HandleSignaling)

	return router
}
