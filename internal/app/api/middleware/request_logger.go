package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/pkg/logctx"
)

// RequestLoggerMiddleware attaches a request-scoped logger enriched with
// trace_id to gin.Context and the request context.
func RequestLoggerMiddleware(base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLogger := base.With("trace_id", c.GetString(logctx.TraceIDKey))
		setLogger(c, reqLogger)
		c.Next()
	}
}

func setLogger(c *gin.Context, lg *zap.SugaredLogger) {
	c.Set("logger", lg)
	c.Request = c.Request.WithContext(logctx.With(c.Request.Context(), lg))
}
