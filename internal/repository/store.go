// Package repository PostgreSQL 上的 escrow.Store 实现
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"trustfund/internal/escrow"
	"trustfund/pkg/outbox"
	"trustfund/pkg/util"
)

const (
	aggregateProject = "project"
	maxTxAttempts    = 3
)

// Store 每次 Atomically 对应一个数据库事务；事件写入同一事务中的 outbox_events
type Store struct {
	db         *pgxpool.Pool
	logger     *zap.Logger
	projects   *ProjectRepository
	milestones *MilestoneRepository
	accounts   *AccountRepository
	outbox     *outbox.Repository
}

func NewStore(db *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		db:         db,
		logger:     logger,
		projects:   NewProjectRepository(logger),
		milestones: NewMilestoneRepository(logger),
		accounts:   NewAccountRepository(logger),
		outbox:     outbox.NewRepository(db),
	}
}

// Atomically 在事务中执行 fn；死锁或序列化冲突时整体重试
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx escrow.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || escrow.IsRejection(err) {
			return err
		}
		retryable, kind := util.IsRetryableError(err)
		if !retryable || kind != "tx_conflict" {
			return err
		}
		s.logger.Warn("Retrying conflicting transaction", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx escrow.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping readiness 检查
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// pgTx 把 escrow.Tx 适配到各 repository 的 *Tx 方法
type pgTx struct {
	s  *Store
	tx pgx.Tx
}

func (t *pgTx) GetMint(ctx context.Context, mint escrow.Mint) (*escrow.MintInfo, error) {
	return t.s.accounts.GetMintTx(ctx, t.tx, mint)
}

func (t *pgTx) InsertMint(ctx context.Context, m *escrow.MintInfo) error {
	return t.s.accounts.InsertMintTx(ctx, t.tx, m)
}

func (t *pgTx) UpdateMintSupply(ctx context.Context, mint escrow.Mint, supply uint64) error {
	return t.s.accounts.UpdateMintSupplyTx(ctx, t.tx, mint, supply)
}

func (t *pgTx) GetAccount(ctx context.Context, address escrow.Key) (*escrow.TokenAccount, error) {
	return t.s.accounts.GetAccountTx(ctx, t.tx, address)
}

func (t *pgTx) InsertAccount(ctx context.Context, a *escrow.TokenAccount) error {
	return t.s.accounts.InsertAccountTx(ctx, t.tx, a)
}

func (t *pgTx) UpdateBalance(ctx context.Context, address escrow.Key, balance uint64) error {
	return t.s.accounts.UpdateBalanceTx(ctx, t.tx, address, balance)
}

func (t *pgTx) GetProject(ctx context.Context, key escrow.Key) (*escrow.Project, error) {
	return t.s.projects.GetTx(ctx, t.tx, key)
}

func (t *pgTx) InsertProject(ctx context.Context, p *escrow.Project) error {
	return t.s.projects.InsertTx(ctx, t.tx, p)
}

func (t *pgTx) UpdateProject(ctx context.Context, p *escrow.Project) error {
	return t.s.projects.UpdateTx(ctx, t.tx, p)
}

func (t *pgTx) GetMilestone(ctx context.Context, key escrow.Key) (*escrow.Milestone, error) {
	return t.s.milestones.GetTx(ctx, t.tx, key)
}

func (t *pgTx) InsertMilestone(ctx context.Context, m *escrow.Milestone) error {
	return t.s.milestones.InsertTx(ctx, t.tx, m)
}

func (t *pgTx) UpdateMilestone(ctx context.Context, m *escrow.Milestone) error {
	return t.s.milestones.UpdateTx(ctx, t.tx, m)
}

func (t *pgTx) ListMilestones(ctx context.Context, project escrow.Key) ([]*escrow.Milestone, error) {
	return t.s.milestones.ListByProjectTx(ctx, t.tx, project)
}

func (t *pgTx) AppendEvent(ctx context.Context, ev escrow.Event) error {
	return outbox.InsertEventInTx(ctx, t.tx, t.s.outbox,
		ev.ID,
		aggregateProject,
		ev.Project.String(),
		ev.RoutingKey,
		ev.Payload,
	)
}
