package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/pkg/logctx"
)

// RequestLoggerMiddleware attaches a logger carrying trace_id to gin.Context
// and the request context, and echoes the trace id as X-Request-ID.
func RequestLoggerMiddleware(base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := TraceID(c)
		reqLogger := base.With("trace_id", traceID)
		c.Set(logctx.GinLoggerKey, reqLogger)
		c.Request = c.Request.WithContext(logctx.WithLogger(c.Request.Context(), reqLogger))
		if traceID != "" {
			c.Writer.Header().Set("X-Request-ID", traceID)
		}
		c.Next()
	}
}
