package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const (
	ContextRequestIDKey = "request_id"
	requestIDHeader     = "X-Request-Id"
	maxRequestIDLen     = 128
)

// RequestID tags the request and its logger with an id, reusing the one the
// client sent when it looks sane.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, reqID)
		c.Set(ContextRequestIDKey, reqID)
		c.Next()
	}
}

func RequestLogger(c *gin.Context) *zap.Logger {
	logger := logutil.GetLogger(c.Request.Context())
	if reqID, ok := c.Get(ContextRequestIDKey); ok {
		logger = logger.With(zap.Any("request_id", reqID))
	}
	if uid := UserID(c); uid != "" {
		logger = logger.With(zap.String("user_id", uid))
	}
	return logger
}
