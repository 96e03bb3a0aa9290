package middleware

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/pkg/errreport"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
	"github.com/d60-Lab/timeline-fanout/pkg/response"
)

// Recovery 捕获 panic，上报 sentry 并返回 500
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				errreport.Recover(r)
				logger.Error("http panic recovered",
					zap.Any("panic", r),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"))
				response.InternalError(c, errors.New("internal error"))
			}
		}()
		c.Next()
	}
}

// Logger 每个请求一行访问日志
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if id := AccountID(c); id != 0 {
			fields = append(fields, zap.Int64("account_id", id))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= 500:
			logger.Error("http request", fields...)
		default:
			logger.Debug("http request", fields...)
		}
	}
}
