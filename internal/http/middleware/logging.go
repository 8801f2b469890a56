// README: Request logging and HTTP metrics.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"courierdispatch/internal/metrics"
)

// Logging logs every request and records it in m when m is not nil. Paths are
// the route pattern so ids do not explode label cardinality.
func Logging(log logrus.FieldLogger, m *metrics.HTTP) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		if m != nil {
			code := strconv.Itoa(status)
			m.Requests.WithLabelValues(c.Request.Method, path, code).Inc()
			m.Duration.WithLabelValues(c.Request.Method, path, code).Observe(elapsed.Seconds())
		}

		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   status,
			"duration": elapsed,
		})
		if uid := CallerUID(c); uid != "" {
			entry = entry.WithField("uid", uid)
		}
		if status >= 500 {
			entry.Error("http request")
			return
		}
		entry.Info("http request")
	}
}
