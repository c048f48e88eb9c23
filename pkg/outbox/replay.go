package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trustfund/pkg/mq"
	"trustfund/pkg/trace"
)

// ReplayService 提供重放 Outbox 事件的服务
type ReplayService struct {
	repo      *Repository
	publisher mq.EventPublisher
	logger    *zap.Logger
}

func NewReplayService(repo *Repository, publisher mq.EventPublisher, logger *zap.Logger) *ReplayService {
	return &ReplayService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// ReplayEvent 立即重新发布指定事件；publisher 为空时只重置为 pending，交给 Dispatcher
func (s *ReplayService) ReplayEvent(ctx context.Context, id int64) error {
	event, err := s.repo.GetEventByID(ctx, id)
	if err != nil {
		return err
	}
	if s.publisher == nil {
		return s.repo.ReplayEvent(ctx, id)
	}

	if traceID := traceIDOf(event.Payload); traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	if err := s.publisher.PublishWithContext(ctx, event.RoutingKey, event.EventID, event.Payload); err != nil {
		if resetErr := s.repo.ReplayEvent(ctx, id); resetErr != nil {
			return fmt.Errorf("failed to publish and reset event: %w (reset error: %v)", err, resetErr)
		}
		return fmt.Errorf("failed to publish, event queued for dispatcher: %w", err)
	}

	if err := s.repo.MarkAsSent(ctx, id); err != nil {
		return fmt.Errorf("failed to mark as sent: %w", err)
	}
	return nil
}

// ReplayFailedEvents 重放所有失败的事件，返回成功数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			s.logger.Warn("Replay failed", zap.Int64("id", event.ID), zap.Error(err))
			continue
		}
		successCount++
	}
	return successCount, nil
}
