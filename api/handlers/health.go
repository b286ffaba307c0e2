package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthCheck provides a simple health check endpoint
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Status returns the dispatcher state and the state of every open session
func Status(popService PopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := popService.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}
