package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	mqcontracts "trustfund/contracts/mq"
	"trustfund/internal/app"
	"trustfund/internal/config"
	"trustfund/internal/httpserver"
	"trustfund/internal/mqhandler"
	"trustfund/pkg/logger"
	"trustfund/pkg/mq"
	"trustfund/pkg/otel"
	redisclient "trustfund/pkg/redis"
	"trustfund/pkg/util"
)

var version = "dev"

// auditConsumer RabbitMQ 与 NATS 消费端的公共部分
type auditConsumer interface {
	SetHandler(h mq.MessageHandler)
	StartConsuming(ctx context.Context) error
	IsConnected() bool
	Stop()
}

func main() {
	// Load config
	cfg, err := config.Load(os.Getenv("CONFIG_DIR"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Env, cfg.Log.Level)
	defer log.Sync()

	if cfg.Store.Driver != "postgres" {
		log.Fatal("Worker requires store.driver=postgres; the memory driver dispatches inside the API process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := otel.Init(cfg.OTel, version, log)
	if err != nil {
		log.Fatal("OpenTelemetry initialization failed", zap.Error(err))
	}
	defer shutdownOTel()

	log.Info("Starting worker service...")

	// Init DB
	res, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer res.Close()

	// Init Redis
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := redisclient.Ping(ctx, rdb); err != nil {
		log.Warn("Redis unavailable at startup, dedup degraded", zap.Error(err))
	}
	deduper := util.NewDeduper(rdb, 24*time.Hour, log)
	retryCounter := util.NewRetryCounter(rdb, time.Hour)

	// (1) Outbox dispatcher
	publisher, err := app.NewEventPublisher(cfg)
	if err != nil {
		log.Fatal("Failed to init event publisher", zap.Error(err), zap.String("transport", cfg.Events.Transport))
	}
	defer publisher.Close()

	dispatcher := app.NewDispatcher(cfg, res.OutboxSource(), publisher, log)
	go dispatcher.Start(ctx)

	// (2) Conservation audit consumer
	auditHandler := mqhandler.NewAuditHandler(res.Engine, deduper, log)
	var consumer auditConsumer
	switch cfg.Events.Transport {
	case "nats":
		consumer, err = mq.NewNATSConsumer(cfg.NATS.URL, cfg.NATS.SubjectPrefix+mqcontracts.RoutingMilestonePattern, cfg.Worker.AuditQueue, log)
	default:
		var c *mq.Consumer
		c, err = mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Exchange, cfg.Worker.AuditQueue, mqcontracts.RoutingMilestonePattern, log)
		if err == nil {
			c.SetFailurePolicy(mqhandler.RetryPolicy(mqhandler.AuditHandlerName, retryCounter, cfg.Worker.MaxRetries, log))
			consumer = c
		}
	}
	if err != nil {
		log.Fatal("Failed to init audit consumer", zap.Error(err), zap.String("queue", cfg.Worker.AuditQueue))
	}
	consumer.SetHandler(auditHandler.HandleMessage)
	defer consumer.Stop()

	go func() {
		log.Info("Starting audit consumer", zap.String("queue", cfg.Worker.AuditQueue))
		if err := consumer.StartConsuming(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Audit consumer stopped", zap.Error(err))
			stop()
		}
	}()

	// (3) Health + metrics
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := res.Ping(ctx); err != nil {
			c.JSON(503, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		if !publisher.IsConnected() || !consumer.IsConnected() {
			c.JSON(503, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(200, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info("Worker is ready to process messages", zap.String("transport", cfg.Events.Transport))
	if err := httpserver.Serve(ctx, cfg.Worker.MetricsPort, r, log); err != nil {
		log.Error("Worker HTTP server stopped with error", zap.Error(err))
	}
	log.Info("Worker stopped")
}
