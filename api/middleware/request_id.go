package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIdHeader = "X-Request-Id"

// RequestIdMiddleware takes the caller's request id or makes one up, and
// echoes it on the response.
func RequestIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestId := c.GetHeader(RequestIdHeader)
		if requestId == "" {
			requestId = uuid.NewString()
		}
		c.Set("RequestId", requestId)
		c.Header(RequestIdHeader, requestId)
		c.Next()
	}
}
