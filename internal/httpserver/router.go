package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"trustfund/internal/handler"
	"trustfund/pkg/otel"
	"trustfund/pkg/rbac"
)

// ReadyCheck /readyz 的一项依赖检查
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type RouterConfig struct {
	JWTSecret   string
	Idempotency IdempotencyStore
	Ready       []ReadyCheck
}

func NewRouter(
	escrowHandler *handler.EscrowHandler,
	queryHandler *handler.QueryHandler,
	adminHandler *handler.AdminHandler,
	cfg RouterConfig,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(otel.GinMiddleware())
	r.Use(LoggingMiddleware(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for _, check := range cfg.Ready {
			if err := check.Check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": check.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(cfg.JWTSecret))

	write := v1.Group("/")
	write.Use(RequirePermission(rbac.PermissionEscrowWrite), IdempotencyMiddleware(cfg.Idempotency, logger))
	{
		write.POST("/projects", escrowHandler.InitializeProject)
		write.POST("/projects/:key/milestones", escrowHandler.AddMilestone)
		write.POST("/projects/:key/accept", escrowHandler.AcceptProject)
		write.POST("/release", escrowHandler.ReleaseFunds)
	}

	read := v1.Group("/")
	read.Use(RequirePermission(rbac.PermissionEscrowRead))
	{
		read.GET("/projects/:key", queryHandler.GetProject)
		read.GET("/projects/:key/milestones", queryHandler.ListMilestones)
		read.GET("/projects/:key/vault", queryHandler.GetVault)
		read.GET("/projects/:key/audit", queryHandler.GetAudit)
		read.GET("/clients/:identity/project", queryHandler.GetClientProject)
		read.GET("/accounts/:address", queryHandler.GetAccount)
	}

	admin := v1.Group("/admin")
	{
		admin.POST("/mints",
			RequirePermission(rbac.PermissionMintCreate),
			IdempotencyMiddleware(cfg.Idempotency, logger),
			adminHandler.CreateMint)
		admin.POST("/mints/:mint/mint-to",
			RequirePermission(rbac.PermissionMintIssue),
			IdempotencyMiddleware(cfg.Idempotency, logger),
			adminHandler.MintTo)
		admin.POST("/outbox/replay", RequirePermission(rbac.PermissionOutboxReplay), adminHandler.ReplayOutboxEvent)
		admin.POST("/outbox/replay-failed", RequirePermission(rbac.PermissionOutboxReplay), adminHandler.ReplayFailedEvents)
	}

	return r
}
