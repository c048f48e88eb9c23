package httpserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trustfund/internal/handler"
	"trustfund/pkg/logger"
	"trustfund/pkg/util"
)

// IdempotencyHeader 客户端提供的幂等键
const IdempotencyHeader = "Idempotency-Key"

// IdempotencyStore 由 util.IdempotencyStore 实现
type IdempotencyStore interface {
	Begin(ctx context.Context, scope, key string) (*util.StoredResponse, error)
	Complete(ctx context.Context, scope, key string, resp util.StoredResponse) error
	Abort(ctx context.Context, scope, key string) error
}

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// IdempotencyMiddleware 同一身份 + Idempotency-Key 的重复提交直接回放首个响应。
// 5xx 响应不保存，客户端可以用同一个 key 重试。Redis 不可用时按普通请求处理。
func IdempotencyMiddleware(store IdempotencyStore, l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if store == nil || key == "" {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		log := logger.WithTrace(ctx, l)
		scope := string(handler.Invoker(c))

		stored, err := store.Begin(ctx, scope, key)
		switch {
		case errors.Is(err, util.ErrRequestInFlight):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": "a request with this idempotency key is still in progress",
				"kind":  "RequestInFlight",
			})
			return
		case err != nil:
			log.Warn("Idempotency store unavailable, processing without replay protection", zap.Error(err))
			c.Next()
			return
		case stored != nil:
			c.Header("Idempotent-Replayed", "true")
			c.Data(stored.Status, "application/json; charset=utf-8", stored.Body)
			c.Abort()
			return
		}

		release := func() {
			if err := store.Abort(context.WithoutCancel(ctx), scope, key); err != nil {
				log.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(err))
			}
		}
		// handler panic 时 Recovery 会返回 500，这里先释放 key 再继续向外抛
		defer func() {
			if r := recover(); r != nil {
				release()
				panic(r)
			}
		}()

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError {
			release()
			return
		}
		resp := util.StoredResponse{Status: status, Body: w.body.Bytes()}
		if err := store.Complete(context.WithoutCancel(ctx), scope, key, resp); err != nil {
			log.Warn("Failed to store idempotent response", zap.String("key", key), zap.Error(err))
		}
	}
}
