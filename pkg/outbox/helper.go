package outbox

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
)

// InsertEventInTx 在业务事务中写入一条 outbox 事件
func InsertEventInTx(
	ctx context.Context,
	tx pgx.Tx,
	repo *Repository,
	eventID string,
	aggregateType string,
	aggregateKey string,
	routingKey string,
	payload interface{},
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := &Event{
		EventID:       eventID,
		AggregateType: aggregateType,
		AggregateKey:  aggregateKey,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	}
	return repo.InsertEvent(ctx, tx, event)
}

// traceIDOf 从 payload 中提取 trace_id
func traceIDOf(payload json.RawMessage) string {
	var meta struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return ""
	}
	return meta.TraceID
}
