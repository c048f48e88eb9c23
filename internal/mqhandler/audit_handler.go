package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "trustfund/contracts/mq"
	"trustfund/internal/escrow"
	"trustfund/pkg/logger"
	"trustfund/pkg/metrics"
	"trustfund/pkg/mq"
	"trustfund/pkg/util"
)

// AuditHandlerName 去重与重试计数使用的 handler 名
const AuditHandlerName = "conservation_audit"

// Auditor 由 escrow.Engine 实现
type Auditor interface {
	Audit(ctx context.Context, project escrow.Key) (*escrow.AuditReport, error)
}

// Deduper 由 util.Deduper 实现
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, eventID string) bool
	Release(ctx context.Context, handler, eventID string)
}

// AuditHandler 每次里程碑注资或放款后重新核对项目 vault 的守恒关系
type AuditHandler struct {
	auditor Auditor
	deduper Deduper
	logger  *zap.Logger
}

func NewAuditHandler(auditor Auditor, deduper Deduper, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		auditor: auditor,
		deduper: deduper,
		logger:  logger,
	}
}

// HandleMessage 适配 mq.MessageHandler
func (h *AuditHandler) HandleMessage(ctx context.Context, msg mq.Message) error {
	return h.Handle(ctx, msg.Body)
}

func (h *AuditHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var meta mqcontracts.EventMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		h.logger.Error("Failed to unmarshal escrow event", zap.Error(err))
		return util.Permanent(err)
	}
	project, err := escrow.ParseKey(meta.Project)
	if err != nil {
		return util.Permanent(fmt.Errorf("event %s: %w", meta.EventID, err))
	}

	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("event_id", meta.EventID),
		zap.String("type", meta.Type),
		zap.Stringer("project", project),
	)

	if meta.EventID != "" && h.deduper != nil && !h.deduper.AcquireOnce(ctx, AuditHandlerName, meta.EventID) {
		return nil
	}

	report, err := h.auditor.Audit(ctx, project)
	if err != nil {
		if h.deduper != nil && meta.EventID != "" {
			h.deduper.Release(ctx, AuditHandlerName, meta.EventID)
		}
		if escrow.IsRejection(err) {
			// 事件指向不存在的项目，重投也无济于事
			log.Error("Audit target rejected", zap.Error(err))
			return util.Permanent(err)
		}
		return fmt.Errorf("audit project %s: %w", project, err)
	}

	if !report.Balanced {
		metrics.IncrementConservationViolation()
		log.Error("Conservation violated",
			zap.Uint64("vault_balance", report.VaultBalance),
			zap.Uint64("pending_total", report.PendingTotal),
			zap.Int("pending_count", report.PendingCount),
			zap.Bool("overflow", report.Overflow),
		)
		return nil
	}

	log.Info("Conservation holds",
		zap.Uint64("vault_balance", report.VaultBalance),
		zap.Int("pending_count", report.PendingCount),
		zap.Int("released_count", report.ReleasedCount),
	)
	return nil
}
