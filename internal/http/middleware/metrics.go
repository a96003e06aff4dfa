package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/interception-backend/internal/observability"
)

// Metrics instruments API requests. Event-stream routes stay open for the
// length of a run, so they are tracked as open streams and counted on close
// without a latency sample.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		method := c.Request.Method
		if isEventStream(route) {
			m.StreamOpened(route)
			defer func() {
				m.StreamClosed(route)
				m.CountAPI(method, route, strconv.Itoa(c.Writer.Status()))
			}()
			c.Next()
			return
		}

		start := time.Now()
		m.ApiInflightInc()
		defer m.ApiInflightDec()

		c.Next()

		if route == "" {
			route = "unmatched"
		}
		m.ObserveAPI(method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// isEventStream matches /api/runs/:id/events and /api/runs/stream.
func isEventStream(route string) bool {
	return strings.HasSuffix(route, "/events") || strings.HasSuffix(route, "/runs/stream")
}
