package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trustfund/internal/escrow"
	"trustfund/pkg/logger"
)

// EscrowHandler 四个托管写操作的 HTTP 入口
type EscrowHandler struct {
	engine *escrow.Engine
	logger *zap.Logger
}

func NewEscrowHandler(engine *escrow.Engine, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{engine: engine, logger: logger}
}

type initializeProjectRequest struct {
	ProjectID string `json:"project_id"`
	Mint      string `json:"mint" binding:"required"`
}

// InitializeProject POST /v1/projects
func (h *EscrowHandler) InitializeProject(c *gin.Context) {
	var req initializeProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	p, err := h.engine.InitializeProject(c.Request.Context(), Invoker(c), req.ProjectID, escrow.Mint(req.Mint))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

type addMilestoneRequest struct {
	MilestoneID *uint8  `json:"milestone_id" binding:"required"`
	Amount      *uint64 `json:"amount" binding:"required"`
	Source      string  `json:"source"`
}

// AddMilestone POST /v1/projects/:key/milestones
func (h *EscrowHandler) AddMilestone(c *gin.Context) {
	project, ok := keyParam(c, "key")
	if !ok {
		return
	}
	var req addMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	source, err := optionalKey(req.Source)
	if err != nil {
		badRequest(c, "invalid source: "+err.Error())
		return
	}

	m, err := h.engine.AddMilestone(c.Request.Context(), Invoker(c), escrow.AddMilestoneRequest{
		Project:     project,
		MilestoneID: *req.MilestoneID,
		Amount:      *req.Amount,
		Source:      source,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// AcceptProject POST /v1/projects/:key/accept
func (h *EscrowHandler) AcceptProject(c *gin.Context) {
	project, ok := keyParam(c, "key")
	if !ok {
		return
	}

	p, err := h.engine.AcceptProject(c.Request.Context(), Invoker(c), project)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type releaseFundsRequest struct {
	Project     string `json:"project" binding:"required"`
	Milestone   string `json:"milestone" binding:"required"`
	Destination string `json:"destination"`
}

// ReleaseFunds POST /v1/release
func (h *EscrowHandler) ReleaseFunds(c *gin.Context) {
	var req releaseFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	project, err := escrow.ParseKey(req.Project)
	if err != nil {
		badRequest(c, "invalid project: "+err.Error())
		return
	}
	milestone, err := escrow.ParseKey(req.Milestone)
	if err != nil {
		badRequest(c, "invalid milestone: "+err.Error())
		return
	}
	dest, err := optionalKey(req.Destination)
	if err != nil {
		badRequest(c, "invalid destination: "+err.Error())
		return
	}

	m, err := h.engine.ReleaseFunds(c.Request.Context(), Invoker(c), escrow.ReleaseRequest{
		Project:     project,
		Milestone:   milestone,
		Destination: dest,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	logger.WithTrace(c.Request.Context(), h.logger).Debug("Release served",
		zap.Stringer("milestone", m.Key),
		zap.Uint64("amount", m.Amount),
	)
	c.JSON(http.StatusOK, m)
}
