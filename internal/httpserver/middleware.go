package httpserver

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trustfund/internal/handler"
	"trustfund/pkg/logger"
	"trustfund/pkg/metrics"
	"trustfund/pkg/trace"
)

// TraceMiddleware 复用请求头中的 X-Trace-ID，没有则生成
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		traceID := c.GetHeader(trace.HeaderName)
		if traceID != "" {
			ctx = trace.WithContext(ctx, traceID)
		} else {
			ctx, traceID = trace.Ensure(ctx)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName, traceID)
		c.Next()
	}
}

// LoggingMiddleware 请求日志 + 请求耗时指标
func LoggingMiddleware(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), latency)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		}
		if id := handler.Invoker(c); id != "" {
			fields = append(fields, zap.String("invoker", string(id)))
		}
		if kind := c.GetString(handler.ErrorKindKey); kind != "" {
			fields = append(fields, zap.String("error_kind", kind))
		}
		logger.WithTrace(c.Request.Context(), l).Info("HTTP Request", fields...)
	}
}
