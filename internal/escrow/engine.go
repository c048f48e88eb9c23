package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	mqcontracts "trustfund/contracts/mq"
	"trustfund/pkg/logger"
	"trustfund/pkg/metrics"
	"trustfund/pkg/otel"
	"trustfund/pkg/trace"
)

// Engine 托管协议引擎：四个写操作 + 只读查询。
// 每个操作都在 Store.Atomically 内完成校验、状态变更和 vault 指令。
type Engine struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock 替换时间源（测试用）
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// AddMilestoneRequest names the records addMilestone touches.
type AddMilestoneRequest struct {
	Project     Key
	MilestoneID uint8
	Amount      uint64
	// Source 为空时使用 client 在项目 mint 下的关联账户
	Source Key
}

// ReleaseRequest names the records releaseFunds touches.
type ReleaseRequest struct {
	Project   Key
	Milestone Key
	// Destination 为空时使用 freelancer 在项目 mint 下的关联账户
	Destination Key
}

// InitializeProject 创建项目和它的空 vault
func (e *Engine) InitializeProject(ctx context.Context, client Identity, projectID string, mint Mint) (*Project, error) {
	if client == "" {
		return nil, fmt.Errorf("%w: invoker identity is required", ErrInvalidArgument)
	}
	if len(projectID) > MaxProjectIDLen {
		return nil, fmt.Errorf("%w: project id longer than %d bytes", ErrInvalidArgument, MaxProjectIDLen)
	}
	if mint == "" {
		return nil, fmt.Errorf("%w: token mint is required", ErrInvalidArgument)
	}

	key := ProjectKey(client)
	var out *Project
	err := e.run(ctx, "initialize_project", []zap.Field{
		zap.String("invoker", string(client)),
		zap.Stringer("project", key),
		zap.String("mint", string(mint)),
	}, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetProject(ctx, key); err == nil {
			return fmt.Errorf("%w: project %s for client %s", ErrAlreadyExists, key, client)
		} else if !IsNotFound(err) {
			return err
		}

		now := e.now()
		p := &Project{
			Key:       key,
			Client:    client,
			Status:    ProjectCreated,
			ProjectID: projectID,
			Mint:      mint,
			Vault:     VaultAddress(key),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := openAccount(ctx, tx, p.Vault, DerivedOwner(VaultAuthority(key)), mint, now); err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
		if err := tx.InsertProject(ctx, p); err != nil {
			return fmt.Errorf("insert project %s: %w", key, err)
		}

		if err := tx.AppendEvent(ctx, e.event(ctx, mqcontracts.RoutingProjectInitialized, key, func(meta mqcontracts.EventMeta) any {
			return mqcontracts.ProjectInitializedPayload{
				EventMeta: meta,
				Client:    string(client),
				ProjectID: projectID,
				Mint:      string(mint),
				Vault:     p.Vault.String(),
			}
		})); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddMilestone 由 client 注资并创建里程碑；项目处于 Created 或 Accepted 都允许
func (e *Engine) AddMilestone(ctx context.Context, client Identity, req AddMilestoneRequest) (*Milestone, error) {
	var out *Milestone
	err := e.run(ctx, "add_milestone", []zap.Field{
		zap.String("invoker", string(client)),
		zap.Stringer("project", req.Project),
		zap.Uint8("milestone_id", req.MilestoneID),
		zap.Uint64("amount", req.Amount),
	}, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetProject(ctx, req.Project)
		if err != nil {
			return fmt.Errorf("load project %s: %w", req.Project, err)
		}
		if p.Client != client {
			return fmt.Errorf("%w: only the project client may add milestones", ErrUnauthorized)
		}

		key := MilestoneKey(p.Key, req.MilestoneID)
		if _, err := tx.GetMilestone(ctx, key); err == nil {
			return fmt.Errorf("%w: milestone %d of project %s", ErrAlreadyExists, req.MilestoneID, p.Key)
		} else if !IsNotFound(err) {
			return err
		}

		source := req.Source
		if source.IsZero() {
			source = AssociatedAccount(IdentityOwner(client), p.Mint)
		}
		if _, err := tx.GetAccount(ctx, source); err != nil {
			if IsNotFound(err) {
				return fmt.Errorf("%w: no token account %s", ErrInsufficientFunds, source)
			}
			return err
		}

		now := e.now()
		m := &Milestone{
			Key:         key,
			Project:     p.Key,
			MilestoneID: req.MilestoneID,
			Amount:      req.Amount,
			Status:      MilestonePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertMilestone(ctx, m); err != nil {
			return fmt.Errorf("insert milestone %s: %w", key, err)
		}
		if err := transfer(ctx, tx, IdentitySigner(client), source, p.Vault, req.Amount); err != nil {
			return fmt.Errorf("fund vault: %w", err)
		}

		if err := tx.AppendEvent(ctx, e.event(ctx, mqcontracts.RoutingMilestoneAdded, p.Key, func(meta mqcontracts.EventMeta) any {
			return mqcontracts.MilestoneAddedPayload{
				EventMeta:   meta,
				Milestone:   key.String(),
				MilestoneID: req.MilestoneID,
				Amount:      req.Amount,
				Source:      source.String(),
			}
		})); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AddFundsMoved("deposit", req.Amount)
	return out, nil
}

// AcceptProject 调用方成为项目的 freelancer
func (e *Engine) AcceptProject(ctx context.Context, freelancer Identity, project Key) (*Project, error) {
	if freelancer == "" {
		return nil, fmt.Errorf("%w: invoker identity is required", ErrInvalidArgument)
	}
	var out *Project
	err := e.run(ctx, "accept_project", []zap.Field{
		zap.String("invoker", string(freelancer)),
		zap.Stringer("project", project),
	}, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetProject(ctx, project)
		if err != nil {
			return fmt.Errorf("load project %s: %w", project, err)
		}
		if p.Status != ProjectCreated {
			return fmt.Errorf("%w: project %s is %s", ErrProjectAlreadyAccepted, project, p.Status)
		}

		f := freelancer
		p.Freelancer = &f
		p.Status = ProjectAccepted
		p.UpdatedAt = e.now()
		if err := tx.UpdateProject(ctx, p); err != nil {
			return fmt.Errorf("update project %s: %w", project, err)
		}

		if err := tx.AppendEvent(ctx, e.event(ctx, mqcontracts.RoutingProjectAccepted, project, func(meta mqcontracts.EventMeta) any {
			return mqcontracts.ProjectAcceptedPayload{EventMeta: meta, Freelancer: string(freelancer)}
		})); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseFunds 由 client 授权，把里程碑金额从 vault 转给 freelancer。
// 校验顺序固定，遇到第一个失败即返回。
func (e *Engine) ReleaseFunds(ctx context.Context, client Identity, req ReleaseRequest) (*Milestone, error) {
	var out *Milestone
	err := e.run(ctx, "release_funds", []zap.Field{
		zap.String("invoker", string(client)),
		zap.Stringer("project", req.Project),
		zap.Stringer("milestone", req.Milestone),
	}, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetProject(ctx, req.Project)
		if err != nil {
			return fmt.Errorf("load project %s: %w", req.Project, err)
		}
		m, err := tx.GetMilestone(ctx, req.Milestone)
		if err != nil {
			return fmt.Errorf("load milestone %s: %w", req.Milestone, err)
		}

		if m.Project != p.Key {
			return fmt.Errorf("%w: milestone %s does not belong to project %s", ErrInvalidFreelancer, m.Key, p.Key)
		}
		if p.Status != ProjectAccepted {
			return fmt.Errorf("%w: project %s is %s", ErrProjectNotAccepted, p.Key, p.Status)
		}
		if p.Client != client {
			return fmt.Errorf("%w: only the project client may release funds", ErrUnauthorized)
		}
		if m.Status != MilestonePending {
			return fmt.Errorf("%w: milestone %d is %s", ErrMilestoneAlreadyReleased, m.MilestoneID, m.Status)
		}
		if p.Freelancer == nil {
			return fmt.Errorf("project %s is accepted without a freelancer", p.Key)
		}

		dest, err := e.payoutAccount(ctx, tx, p, req.Destination)
		if err != nil {
			return err
		}
		if err := transfer(ctx, tx, vaultSigner(p.Key), p.Vault, dest, m.Amount); err != nil {
			return fmt.Errorf("release vault funds: %w", err)
		}

		m.Status = MilestoneReleased
		m.UpdatedAt = e.now()
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return fmt.Errorf("update milestone %s: %w", m.Key, err)
		}

		if err := tx.AppendEvent(ctx, e.event(ctx, mqcontracts.RoutingMilestoneReleased, p.Key, func(meta mqcontracts.EventMeta) any {
			return mqcontracts.MilestoneReleasedPayload{
				EventMeta:   meta,
				Milestone:   m.Key.String(),
				MilestoneID: m.MilestoneID,
				Amount:      m.Amount,
				Freelancer:  string(*p.Freelancer),
				Destination: dest.String(),
			}
		})); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AddFundsMoved("release", out.Amount)
	return out, nil
}

// payoutAccount 校验收款账户属于项目 freelancer。
// freelancer 的关联账户不存在时按需开户，其他不存在的地址一律视为无效。
func (e *Engine) payoutAccount(ctx context.Context, tx Tx, p *Project, requested Key) (Key, error) {
	owner := IdentityOwner(*p.Freelancer)
	associated := AssociatedAccount(owner, p.Mint)
	dest := requested
	if dest.IsZero() {
		dest = associated
	}

	acct, err := tx.GetAccount(ctx, dest)
	switch {
	case err == nil:
	case IsNotFound(err) && dest == associated:
		acct, err = openAccount(ctx, tx, dest, owner, p.Mint, e.now())
		if err != nil {
			return Key{}, fmt.Errorf("open payout account: %w", err)
		}
	case IsNotFound(err):
		return Key{}, fmt.Errorf("%w: payout account %s does not exist", ErrInvalidFreelancer, dest)
	default:
		return Key{}, err
	}

	if acct.Owner != owner {
		return Key{}, fmt.Errorf("%w: payout account %s is owned by %s", ErrInvalidFreelancer, dest, acct.Owner)
	}
	return dest, nil
}

func (e *Engine) event(ctx context.Context, routingKey string, project Key, build func(mqcontracts.EventMeta) any) Event {
	id := uuid.NewString()
	meta := mqcontracts.EventMeta{
		EventID:    id,
		Type:       routingKey,
		Project:    project.String(),
		OccurredAt: e.now(),
		TraceID:    trace.FromContext(ctx),
	}
	return Event{
		ID:         id,
		RoutingKey: routingKey,
		Project:    project,
		Payload:    build(meta),
	}
}

// run 执行一次原子操作并记录日志与指标
func (e *Engine) run(ctx context.Context, op string, fields []zap.Field, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := otel.StartSpan(ctx, "escrow."+op)
	defer span.End()

	start := time.Now()
	err := e.store.Atomically(ctx, fn)
	took := time.Since(start)

	log := logger.WithTrace(ctx, e.logger).With(zap.String("operation", op))
	if err != nil {
		kind := Kind(err)
		span.SetAttributes(attribute.String("escrow.error_kind", kind))
		if !IsRejection(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		fields = append(fields, zap.String("error_kind", kind), zap.Error(err))
		if IsRejection(err) {
			log.Warn("Escrow operation rejected", fields...)
		} else {
			log.Error("Escrow operation failed", fields...)
		}
		metrics.RecordEscrowOperation(op, kind, took)
		return err
	}

	log.Info("Escrow operation applied", append(fields, zap.Duration("took", took))...)
	metrics.RecordEscrowOperation(op, "ok", took)
	return nil
}

// view 只读查询，不记录操作指标
func (e *Engine) view(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := e.store.Atomically(ctx, fn)
	if err != nil && !errors.Is(err, ErrNotFound) {
		logger.WithTrace(ctx, e.logger).Error("Escrow query failed", zap.Error(err))
	}
	return err
}
