package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Logger logs request info after a handler runs:
// method path -> clientIP (status) (latency)
func Logger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"client":  c.ClientIP(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Info("request completed")
	}
}
