package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gcpool/internal/httputil"
)

// Logger пишет по строке на запрос. Ошибки сервера идут уровнем error,
// остальное - debug, чтобы частые 429 не засоряли лог.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", httputil.GetRequestID(c)),
		}
		if label := c.GetString(BearerLabelKey); label != "" {
			fields = append(fields, zap.String("client", label))
		}
		if status >= 500 {
			log.Error("[HTTP] запрос", fields...)
			return
		}
		log.Debug("[HTTP] запрос", fields...)
	}
}
