package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	api_errors "github.com/customeros/popstack/api/errors"
)

const APIKeyHeader = "X-POPSTACK-API-KEY"

// APIKeyConfig holds the configuration for API key authentication
type APIKeyConfig struct {
	HeaderName  string
	ValidAPIKey string
}

// APIKeyMiddleware rejects requests that do not carry the configured key.
func APIKeyMiddleware(config APIKeyConfig) gin.HandlerFunc {
	if config.HeaderName == "" {
		config.HeaderName = APIKeyHeader
	}
	valid := []byte(config.ValidAPIKey)

	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader(config.HeaderName))

		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api_errors.ErrorResponse{Error: "Missing API key"})
			return
		}
		if len(valid) == 0 || subtle.ConstantTimeCompare([]byte(apiKey), valid) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api_errors.ErrorResponse{Error: "Invalid API key"})
			return
		}

		c.Next()
	}
}
