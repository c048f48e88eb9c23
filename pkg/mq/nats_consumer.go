package mq

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	gotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"trustfund/pkg/metrics"
	"trustfund/pkg/otel"
	"trustfund/pkg/trace"
)

// NATSConsumer 以 queue group 订阅托管事件。
// core NATS 不会重投，handler 失败只记录日志。
type NATSConsumer struct {
	conn    *nats.Conn
	subject string
	queue   string
	handler MessageHandler
	logger  *zap.Logger
}

// NewNATSConsumer subject 支持通配符，如 trustfund.escrow.milestone.*
func NewNATSConsumer(url, subject, queue string, logger *zap.Logger) (*NATSConsumer, error) {
	nc, err := nats.Connect(url,
		nats.Name("trustfund-"+queue),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("NATS consumer initialized",
		zap.String("subject", subject),
		zap.String("queue", queue),
	)
	return &NATSConsumer{conn: nc, subject: subject, queue: queue, logger: logger}, nil
}

func (c *NATSConsumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *NATSConsumer) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// StartConsuming 阻塞直到 ctx 取消，然后 drain 订阅
func (c *NATSConsumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}
	sub, err := c.conn.QueueSubscribe(c.subject, c.queue, func(m *nats.Msg) {
		c.handle(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		c.logger.Warn("Failed to drain NATS subscription", zap.Error(err))
	}
	return ctx.Err()
}

func (c *NATSConsumer) handle(ctx context.Context, m *nats.Msg) {
	start := time.Now()
	if m.Header != nil {
		ctx = gotel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(m.Header)))
		if traceID := m.Header.Get(trace.HeaderName); traceID != "" {
			ctx = trace.WithContext(ctx, traceID)
		}
	}
	ctx, span := otel.MQConsumeSpan(ctx, m.Subject, c.queue)
	defer span.End()

	msg := Message{RoutingKey: m.Subject, Body: m.Data}
	if m.Header != nil {
		msg.MessageID = m.Header.Get(nats.MsgIdHdr)
	}
	log := c.logger.With(
		zap.String("subject", m.Subject),
		zap.String("message_id", msg.MessageID),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic recovered", zap.Any("panic", r))
		}
	}()

	err := c.handler(ctx, msg)
	metrics.RecordMQConsumeLatency(m.Subject, c.queue, time.Since(start))
	if err != nil {
		span.RecordError(err)
		log.Error("Handler error", zap.Error(err))
	}
}

func (c *NATSConsumer) Stop() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
