package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trustfund/internal/escrow"
)

// Replayer outbox 重放能力；memory 驱动下为 nil
type Replayer interface {
	ReplayEvent(ctx context.Context, id int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

type AdminHandler struct {
	engine        *escrow.Engine
	replayService Replayer
	logger        *zap.Logger
}

func NewAdminHandler(engine *escrow.Engine, replayService Replayer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		engine:        engine,
		replayService: replayService,
		logger:        logger,
	}
}

type createMintRequest struct {
	Mint     string `json:"mint" binding:"required"`
	Decimals uint8  `json:"decimals"`
}

// CreateMint POST /v1/admin/mints，调用方成为 mint authority
func (h *AdminHandler) CreateMint(c *gin.Context) {
	var req createMintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	info, err := h.engine.CreateMint(c.Request.Context(), Invoker(c), escrow.Mint(req.Mint), req.Decimals)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

type mintToRequest struct {
	Holder string  `json:"holder" binding:"required"`
	Amount *uint64 `json:"amount" binding:"required"`
}

// MintTo POST /v1/admin/mints/:mint/mint-to
func (h *AdminHandler) MintTo(c *gin.Context) {
	var req mintToRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	acct, err := h.engine.MintTo(c.Request.Context(), Invoker(c), escrow.Mint(c.Param("mint")), escrow.Identity(req.Holder), *req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// ReplayOutboxEvent 重放指定的 Outbox 事件
// POST /v1/admin/outbox/replay?id=xxx
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	if h.replayService == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "outbox replay requires the postgres store"})
		return
	}
	idStr := c.Query("id")
	if idStr == "" {
		badRequest(c, "missing id parameter")
		return
	}

	eventID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		badRequest(c, "invalid id parameter")
		return
	}

	if err := h.replayService.ReplayEvent(c.Request.Context(), eventID); err != nil {
		h.logger.Error("Failed to replay event",
			zap.Int64("event_id", eventID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay event",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "replayed",
		"event_id": eventID,
	})
}

// ReplayFailedEvents 重放所有失败的事件
// POST /v1/admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	if h.replayService == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "outbox replay requires the postgres store"})
		return
	}
	limitStr := c.DefaultQuery("limit", "100")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		limit = 100
	}

	successCount, err := h.replayService.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay failed events",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"success_count": successCount,
		"limit":         limit,
	})
}
