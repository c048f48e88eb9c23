package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trustfund/pkg/outbox"
)

// Outbox 把内存 store 提交的事件转换成 outbox.Source，
// 让 memory 驱动也能经 Dispatcher 投递到 broker。事件不持久化，进程退出即丢失。
// pending 与 failed 都有上限，broker 长时间不可用时多余事件留在 store 中由其上限裁剪。
type Outbox struct {
	store  *Store
	logger *zap.Logger

	mu       sync.Mutex
	nextID   int64
	capacity int
	pending  []*outbox.Event
	failed   []*outbox.Event
	now      func() time.Time
}

func NewOutbox(store *Store, logger *zap.Logger) *Outbox {
	return &Outbox{store: store, logger: logger, capacity: DefaultEventLimit, now: time.Now}
}

func (o *Outbox) pull() {
	room := o.capacity - len(o.pending)
	if room <= 0 {
		return
	}
	for _, ev := range o.store.TakeEvents(room) {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			o.logger.Error("Dropping unencodable escrow event",
				zap.String("event_id", ev.ID),
				zap.String("routing_key", ev.RoutingKey),
				zap.Error(err),
			)
			continue
		}
		o.nextID++
		now := o.now()
		o.pending = append(o.pending, &outbox.Event{
			ID:            o.nextID,
			EventID:       ev.ID,
			AggregateType: "project",
			AggregateKey:  ev.Project.String(),
			RoutingKey:    ev.RoutingKey,
			Payload:       payload,
			Status:        outbox.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
}

func (o *Outbox) GetPendingEvents(_ context.Context, limit int) ([]*outbox.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pull()

	now := o.now()
	var out []*outbox.Event
	for _, e := range o.pending {
		if len(out) >= limit {
			break
		}
		if e.Status != outbox.StatusPending || (e.NextRetryAt != nil && e.NextRetryAt.After(now)) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (o *Outbox) MarkAsSent(_ context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, e := range o.pending {
		if e.ID == id {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: id %d", outbox.ErrEventNotFound, id)
}

// MarkAsFailed 与 PostgreSQL 实现一致：线性退避，达到上限后标记 failed
func (o *Outbox) MarkAsFailed(_ context.Context, id int64, maxRetries int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, e := range o.pending {
		if e.ID != id {
			continue
		}
		e.RetryCount++
		e.UpdatedAt = o.now()
		if e.RetryCount >= maxRetries {
			e.Status = outbox.StatusFailed
			e.NextRetryAt = nil
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			o.failed = append(o.failed, e)
			if over := len(o.failed) - o.capacity; over > 0 {
				o.failed = append([]*outbox.Event(nil), o.failed[over:]...)
			}
			return nil
		}
		next := e.UpdatedAt.Add(time.Duration(e.RetryCount) * 5 * time.Second)
		e.NextRetryAt = &next
		return nil
	}
	return fmt.Errorf("%w: id %d", outbox.ErrEventNotFound, id)
}

// Failed 取出已放弃投递的事件；取出后不再保留
func (o *Outbox) Failed() []*outbox.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.failed
	o.failed = nil
	return out
}
