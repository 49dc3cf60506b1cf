// internal/middleware/logging_middleware.go
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/davetaz/dcc-io-daemon/internal/utils"
)

// RequestIDKey is the context key the response envelope reads the
// request id back from.
const RequestIDKey = "request_id"

// skipPaths are endpoints whose traffic would drown the log: the health
// probe fires every few seconds and /ws is one long-lived request.
var skipPaths = map[string]struct{}{
	"/health": {},
	"/ws":     {},
}

// LoggingMiddleware tags every request with an id, echoes it in the
// X-Request-ID header and logs the request once it completes.
func LoggingMiddleware(logger *utils.ServiceLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)

		startTime := time.Now()
		c.Next()

		if _, skip := skipPaths[c.Request.URL.Path]; skip {
			return
		}
		logger.LogAPIRequest(
			c.Request.Method,
			c.Request.URL.Path,
			requestID,
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(startTime),
		)
	}
}
