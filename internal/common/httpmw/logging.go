package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/testerman/testerman/internal/common/logger"
	"go.uber.org/zap"
)

// RequestLogger logs each request once the handler returns. Websocket
// upgrades (xc, il, ia, xa) are logged as channel sessions instead: for
// those the elapsed time is the connection lifetime, not a latency, and
// the hijacked response carries no meaningful status.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	log = log.WithFields(zap.String("server", serverName))
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		ws := c.IsWebsocket()

		c.Next()

		elapsed := time.Since(start)
		if ws {
			log.Debug("channel session closed",
				zap.String("path", path),
				zap.String("client", c.ClientIP()),
				zap.Duration("lifetime", elapsed))
			return
		}

		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client", c.ClientIP()),
			zap.Int("status", status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
			zap.Int("bytes", size),
		}
		switch {
		case status >= 500:
			log.Error("http", fields...)
		case status >= 400:
			// 4xx carries contract meaning here (409 reschedule conflicts,
			// 422 preparation failures), worth surfacing above debug.
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
