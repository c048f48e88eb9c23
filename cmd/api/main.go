package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"trustfund/internal/app"
	"trustfund/internal/config"
	"trustfund/internal/handler"
	"trustfund/internal/httpserver"
	"trustfund/pkg/logger"
	"trustfund/pkg/otel"
	"trustfund/pkg/outbox"
	redisclient "trustfund/pkg/redis"
	"trustfund/pkg/util"
)

var version = "dev"

func main() {
	// Load config
	cfg, err := config.Load(os.Getenv("CONFIG_DIR"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Env, cfg.Log.Level)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := otel.Init(cfg.OTel, version, log)
	if err != nil {
		log.Fatal("OpenTelemetry initialization failed", zap.Error(err))
	}
	defer shutdownOTel()

	// Init store
	res, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Store initialization failed", zap.Error(err))
	}
	defer res.Close()

	ready := []httpserver.ReadyCheck{{Name: "db", Check: res.Ping}}

	// Init Redis（幂等存储）
	var idem httpserver.IdempotencyStore
	if cfg.Idempotency.Enabled {
		rdb := redisclient.NewRedisClient(cfg.Redis)
		defer rdb.Close()
		if err := redisclient.Ping(ctx, rdb); err != nil {
			log.Warn("Redis unavailable at startup, idempotency degraded", zap.Error(err))
		}
		idem = util.NewIdempotencyStore(rdb, cfg.Idempotency.TTL)
		ready = append(ready, httpserver.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisclient.Ping(ctx, rdb)
		}})
	}

	// Outbox：postgres 下由 worker 投递，API 只提供重放入口；memory 下在进程内投递
	var replayer handler.Replayer
	if res.Pool != nil {
		replayer = outbox.NewReplayService(outbox.NewRepository(res.Pool), nil, log)
	} else {
		publisher, err := app.NewEventPublisher(cfg)
		if err != nil {
			log.Warn("Event broker unavailable, in-memory events will not be published", zap.Error(err))
			res.Memory.SetEventLimit(0)
		} else {
			defer publisher.Close()
			dispatcher := app.NewDispatcher(cfg, res.OutboxSource(), publisher, log)
			go dispatcher.Start(ctx)
		}
	}

	// Init Handlers
	escrowHandler := handler.NewEscrowHandler(res.Engine, log)
	queryHandler := handler.NewQueryHandler(res.Engine, log)
	adminHandler := handler.NewAdminHandler(res.Engine, replayer, log)

	// Router
	router := httpserver.NewRouter(escrowHandler, queryHandler, adminHandler, httpserver.RouterConfig{
		JWTSecret:   cfg.JWT.Secret,
		Idempotency: idem,
		Ready:       ready,
	}, log)

	log.Info("Starting trustfund API",
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("version", version),
	)
	if err := httpserver.Serve(ctx, cfg.Server.Port, router, log); err != nil {
		log.Error("HTTP server stopped with error", zap.Error(err))
	}

	log.Info("trustfund API stopped")
}
