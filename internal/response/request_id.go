package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// ContextKeyRequestID is the Gin context key for the request ID.
	ContextKeyRequestID = "request_id"
	// ContextKeyLogger is the Gin context key for the request-scoped logger.
	ContextKeyLogger = "request_logger"

	maxRequestIDLength = 64
)

// RequestContext tags every request with an id and a logger carrying it.
// A client supplied X-Request-ID is kept only when it looks like an id.
// Session and exam routes add their ids to the logger.
func RequestContext(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if !validRequestID(reqID) {
			reqID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, reqID)
		c.Header("X-Request-ID", reqID)

		fields := log.With().Str("request_id", reqID)
		if sessionID := c.Param("session_id"); sessionID != "" {
			fields = fields.Str("session_id", sessionID)
		}
		if examID := c.Param("exam_id"); examID != "" {
			fields = fields.Str("exam_id", examID)
		}
		reqLog := fields.Logger()
		c.Set(ContextKeyLogger, reqLog)

		start := time.Now()
		c.Next()

		reqLog.Debug().
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request served")
	}
}

// Logger returns the request-scoped logger, or fallback when RequestContext
// did not run.
func Logger(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if v, ok := c.Get(ContextKeyLogger); ok {
		if l, ok := v.(zerolog.Logger); ok {
			return l
		}
	}
	return fallback
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
