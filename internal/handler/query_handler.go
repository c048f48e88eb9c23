package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trustfund/internal/escrow"
)

type QueryHandler struct {
	engine *escrow.Engine
	logger *zap.Logger
}

func NewQueryHandler(engine *escrow.Engine, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{engine: engine, logger: logger}
}

// GetProject GET /v1/projects/:key
func (h *QueryHandler) GetProject(c *gin.Context) {
	key, ok := keyParam(c, "key")
	if !ok {
		return
	}
	p, err := h.engine.Project(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// GetClientProject GET /v1/clients/:identity/project
func (h *QueryHandler) GetClientProject(c *gin.Context) {
	p, err := h.engine.ProjectByClient(c.Request.Context(), escrow.Identity(c.Param("identity")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ListMilestones GET /v1/projects/:key/milestones
func (h *QueryHandler) ListMilestones(c *gin.Context) {
	key, ok := keyParam(c, "key")
	if !ok {
		return
	}
	ms, err := h.engine.Milestones(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	if ms == nil {
		ms = []*escrow.Milestone{}
	}
	c.JSON(http.StatusOK, gin.H{"milestones": ms})
}

// GetVault GET /v1/projects/:key/vault
func (h *QueryHandler) GetVault(c *gin.Context) {
	key, ok := keyParam(c, "key")
	if !ok {
		return
	}
	acct, err := h.engine.Vault(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// GetAudit GET /v1/projects/:key/audit
func (h *QueryHandler) GetAudit(c *gin.Context) {
	key, ok := keyParam(c, "key")
	if !ok {
		return
	}
	report, err := h.engine.Audit(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	if !report.Balanced {
		h.logger.Warn("Conservation check failed",
			zap.Stringer("project", key),
			zap.Uint64("vault_balance", report.VaultBalance),
			zap.Uint64("pending_total", report.PendingTotal),
		)
	}
	c.JSON(http.StatusOK, report)
}

// GetAccount GET /v1/accounts/:address
func (h *QueryHandler) GetAccount(c *gin.Context) {
	address, ok := keyParam(c, "address")
	if !ok {
		return
	}
	acct, err := h.engine.Account(c.Request.Context(), address)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}
