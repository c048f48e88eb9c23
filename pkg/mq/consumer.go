package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"trustfund/pkg/metrics"
	"trustfund/pkg/otel"
	"trustfund/pkg/trace"
)

// Message 交给 handler 的消息
type Message struct {
	RoutingKey string
	MessageID  string
	Body       []byte
}

type MessageHandler func(ctx context.Context, msg Message) error

// Decision handler 失败后如何处置消息
type Decision int

const (
	Requeue    Decision = iota // 重新入队
	DeadLetter                 // 进入死信队列
)

// FailurePolicy 根据错误决定消息去向
type FailurePolicy func(ctx context.Context, msg Message, err error) Decision

type Consumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	policy     FailurePolicy
	logger     *zap.Logger
	done       chan struct{}
	stopOnce   sync.Once
}

// NewConsumer 声明 queue 并绑定到事件 exchange；queue 的死信转发到 DLQ exchange
func NewConsumer(url, exchange, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	if exchange == "" {
		exchange = ExchangeName
	}
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(format string, err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf(format, err)
	}

	if err := DeclareExchange(ch, exchange); err != nil {
		return fail("failed to declare exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch); err != nil {
		return fail("failed to declare dlq exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, queueName, routingKey); err != nil {
		return fail("%w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		amqp091.Table{"x-dead-letter-exchange": DLQExchangeName},
	)
	if err != nil {
		return fail("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return fail("failed to bind queue: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return fail("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", exchange),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		policy:     func(context.Context, Message, error) Decision { return Requeue },
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// SetFailurePolicy 默认策略为重新入队
func (c *Consumer) SetFailurePolicy(p FailurePolicy) {
	c.policy = p
}

// IsConnected 用于 readiness 检查
func (c *Consumer) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}

// Stop 关闭 channel 与连接，StartConsuming 随之返回
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.channel != nil {
			_ = c.channel.Close()
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// StartConsuming 阻塞消费，直到 ctx 取消或连接断开
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		case <-c.done:
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, msg)
		}
	}
}

// handle 保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	start := time.Now()
	ctx = otel.Extract(ctx, d.Headers)
	if traceID, ok := d.Headers[trace.HeaderName].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, span := otel.MQConsumeSpan(ctx, d.RoutingKey, c.queue.Name)
	defer span.End()

	msg := Message{RoutingKey: d.RoutingKey, MessageID: d.MessageId, Body: d.Body}
	log := c.logger.With(
		zap.String("routing_key", d.RoutingKey),
		zap.String("queue", c.queue.Name),
		zap.String("message_id", d.MessageId),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic recovered", zap.Any("panic", r))
			// panic 的消息直接进死信，避免无限重投
			if err := d.Nack(false, false); err != nil {
				log.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	err := c.handler(ctx, msg)
	metrics.RecordMQConsumeLatency(d.RoutingKey, c.queue.Name, time.Since(start))
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Error("Failed to ack message", zap.Error(err))
		}
		return
	}

	span.RecordError(err)
	requeue := c.policy(ctx, msg, err) == Requeue
	log.Error("Handler error", zap.Error(err), zap.Bool("requeue", requeue))
	if err := d.Nack(false, requeue); err != nil {
		log.Error("Failed to nack message", zap.Error(err))
	}
}
