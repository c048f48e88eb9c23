package mqhandler

import (
	"context"

	"go.uber.org/zap"

	"trustfund/pkg/mq"
	"trustfund/pkg/util"
)

// RetryCounter 由 util.RetryCounter 实现
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// RetryPolicy 可重试错误在 maxRetries 次内重新入队，其余进入死信队列
func RetryPolicy(handler string, counter RetryCounter, maxRetries int64, logger *zap.Logger) mq.FailurePolicy {
	return func(ctx context.Context, msg mq.Message, err error) mq.Decision {
		retryable, errType := util.IsRetryableError(err)
		log := logger.With(
			zap.String("handler", handler),
			zap.String("message_id", msg.MessageID),
			zap.String("error_type", errType),
		)
		if !retryable || msg.MessageID == "" {
			log.Warn("Dead-lettering message", zap.Error(err))
			return mq.DeadLetter
		}

		key := util.FormatRetryKey(handler, msg.MessageID)
		count, cerr := counter.IncrementAndGet(ctx, key)
		if cerr != nil {
			// 计数不可用时保守处理，避免无限重投
			log.Warn("Retry counter unavailable, dead-lettering", zap.Error(cerr))
			return mq.DeadLetter
		}
		if util.ShouldRetry(count, maxRetries, retryable) {
			log.Info("Requeueing message", zap.Int64("attempt", count))
			return mq.Requeue
		}

		log.Warn("Retries exhausted, dead-lettering", zap.Int64("attempts", count))
		if err := counter.Reset(ctx, key); err != nil {
			log.Warn("Failed to reset retry counter", zap.Error(err))
		}
		return mq.DeadLetter
	}
}
