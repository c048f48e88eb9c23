// Package app 组装各进程共用的依赖：存储、发布端、outbox 投递
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"trustfund/internal/config"
	"trustfund/internal/escrow"
	"trustfund/internal/repository"
	"trustfund/internal/store/memory"
	"trustfund/pkg/circuitbreaker"
	"trustfund/pkg/db"
	"trustfund/pkg/mq"
	"trustfund/pkg/outbox"
)

// Resources 按 store.driver 打开的账本存储
type Resources struct {
	Engine *escrow.Engine
	Pool   *pgxpool.Pool // memory 驱动下为 nil
	Memory *memory.Store // postgres 驱动下为 nil

	logger *zap.Logger
}

// OpenStore 打开配置指定的存储并创建 Engine
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Resources, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("Using in-memory store, state is lost on exit")
		s := memory.New()
		return &Resources{Engine: escrow.NewEngine(s, logger), Memory: s, logger: logger}, nil
	case "postgres":
		pool, err := db.NewConnection(ctx, cfg.DB, logger)
		if err != nil {
			return nil, err
		}
		s := repository.NewStore(pool, logger)
		return &Resources{Engine: escrow.NewEngine(s, logger), Pool: pool, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (r *Resources) Close() {
	if r.Pool != nil {
		r.Pool.Close()
	}
}

// Ping readiness 检查；memory 驱动总是就绪
func (r *Resources) Ping(ctx context.Context) error {
	if r.Pool == nil {
		return nil
	}
	return r.Pool.Ping(ctx)
}

// OutboxSource Dispatcher 的事件来源
func (r *Resources) OutboxSource() outbox.Source {
	if r.Memory != nil {
		return memory.NewOutbox(r.Memory, r.logger)
	}
	return outbox.NewRepository(r.Pool)
}

// NewEventPublisher 按 events.transport 连接 broker
func NewEventPublisher(cfg *config.Config) (mq.EventPublisher, error) {
	switch cfg.Events.Transport {
	case "nats":
		return mq.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
	case "rabbitmq":
		return mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
	default:
		return nil, fmt.Errorf("unknown events transport %q", cfg.Events.Transport)
	}
}

// NewDispatcher 带熔断保护的 outbox 投递
func NewDispatcher(cfg *config.Config, source outbox.Source, publisher mq.EventPublisher, logger *zap.Logger) *outbox.Dispatcher {
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()).
		OnStateChange(func(from, to circuitbreaker.State) {
			logger.Warn("Publisher circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
				zap.String("transport", cfg.Events.Transport),
			)
		})
	return outbox.NewDispatcher(source, publisher, logger).
		WithBreaker(breaker).
		WithInterval(cfg.Events.PollInterval).
		WithBatchSize(cfg.Events.BatchSize).
		WithMaxRetries(cfg.Events.MaxRetries)
}
