package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fatflowers/paysync/pkg/logctx"
)

// TraceIDKey is where TraceMiddleware stores the trace id on gin.Context.
const TraceIDKey = "traceID"

// TraceMiddleware reads X-Request-ID or generates one, and stores it on
// gin.Context and the request context.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Request-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Set(TraceIDKey, traceID)
		c.Request = c.Request.WithContext(logctx.WithTraceID(c.Request.Context(), traceID))
		c.Next()
	}
}

// TraceID returns the trace id set by TraceMiddleware, or "".
func TraceID(c *gin.Context) string {
	return c.GetString(TraceIDKey)
}
