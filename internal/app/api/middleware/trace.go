package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fatflowers/vpnbilling/pkg/logctx"
)

const RequestIDHeader = "X-Request-ID"

// TraceMiddleware adds a trace ID to the request.
// It reads X-Request-ID if provided by the client; otherwise generates a UUID.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(RequestIDHeader)
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.New().String()
		}
		c.Set(logctx.TraceIDKey, traceID)
		c.Writer.Header().Set(RequestIDHeader, traceID)
		c.Next()
	}
}
