package mq

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	gotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"trustfund/pkg/otel"
	"trustfund/pkg/trace"
)

// NATSPublisher 以 NATS subject 发布 outbox 事件，subject = prefix + routing key
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("trustfund-outbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: nc, prefix: prefix}, nil
}

// Subject 返回 routing key 对应的 subject
func (p *NATSPublisher) Subject(routingKey string) string {
	return p.prefix + routingKey
}

func (p *NATSPublisher) PublishWithContext(ctx context.Context, routingKey, messageID string, body []byte) error {
	subject := p.Subject(routingKey)
	ctx, span := otel.MQPublishSpan(ctx, "nats", subject, routingKey)
	defer span.End()

	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, messageID)
	if traceID := trace.FromContext(ctx); traceID != "" {
		msg.Header.Set(trace.HeaderName, traceID)
	}
	gotel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	if err := p.conn.PublishMsg(msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := p.conn.FlushTimeout(time.Until(deadline)); err != nil {
			return fmt.Errorf("flush %s: %w", subject, err)
		}
	}
	return nil
}

func (p *NATSPublisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}
