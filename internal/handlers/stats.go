package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetStats returns the online, waiting and active session counts
func (h *Hub) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Stats())
}
