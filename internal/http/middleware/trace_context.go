package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/interception-backend/internal/platform/ctxutil"
)

const (
	headerTraceID   = "X-Trace-Id"
	headerRequestID = "X-Request-Id"
)

// AttachTraceContext tags the request with a request id, and echoes the
// active trace id when otelgin started a span.
func AttachTraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{RequestID: reqID})
		c.Request = c.Request.WithContext(ctx)
		c.Set("request_id", reqID)
		c.Writer.Header().Set(headerRequestID, reqID)
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.HasTraceID() {
			traceID := spanCtx.TraceID().String()
			c.Set("trace_id", traceID)
			c.Writer.Header().Set(headerTraceID, traceID)
		}
		c.Next()
	}
}
