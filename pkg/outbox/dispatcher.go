package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trustfund/pkg/circuitbreaker"
	"trustfund/pkg/metrics"
	"trustfund/pkg/mq"
	"trustfund/pkg/trace"
)

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	source     Source
	publisher  mq.EventPublisher
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

func NewDispatcher(source Source, publisher mq.EventPublisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		source:     source,
		publisher:  publisher,
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		logger:     logger,
		maxRetries: 5,
		interval:   time.Second,
		batchSize:  100,
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	if maxRetries > 0 {
		d.maxRetries = maxRetries
	}
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	return d
}

func (d *Dispatcher) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// Start 阻塞运行直到 ctx 取消
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce 处理一批到期事件，返回成功发布的数量
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	events, err := d.source.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to get pending events", zap.Error(err))
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	d.logger.Debug("Processing pending events", zap.Int("count", len(events)))

	sent := 0
	for _, event := range events {
		err := d.publish(ctx, event)
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			// broker 不可用，本批剩余事件留到下一轮，不计入重试次数
			d.logger.Warn("Circuit breaker open, postponing outbox batch",
				zap.Int("remaining", len(events)-sent))
			return sent
		}
		if err != nil {
			metrics.IncrementOutboxPublished(event.RoutingKey, "failed")
			d.logger.Error("Failed to publish event",
				zap.Int64("id", event.ID),
				zap.String("event_id", event.EventID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			if err := d.source.MarkAsFailed(ctx, event.ID, d.maxRetries); err != nil {
				d.logger.Error("Failed to mark event as failed", zap.Int64("id", event.ID), zap.Error(err))
			}
			continue
		}

		metrics.IncrementOutboxPublished(event.RoutingKey, "sent")
		if err := d.source.MarkAsSent(ctx, event.ID); err != nil {
			// 消息已发出但状态未更新，下一轮会重复发布，由消费端按 event_id 去重
			d.logger.Error("Failed to mark event as sent", zap.Int64("id", event.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// publish 发布单个事件到 MQ，并恢复事件产生时的 trace_id
func (d *Dispatcher) publish(ctx context.Context, event *Event) error {
	if traceID := traceIDOf(event.Payload); traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	return d.breaker.Execute(func() error {
		if !d.publisher.IsConnected() {
			return fmt.Errorf("publisher is not connected")
		}
		return d.publisher.PublishWithContext(ctx, event.RoutingKey, event.EventID, event.Payload)
	})
}
