package escrow

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Project 按 key 查询项目
func (e *Engine) Project(ctx context.Context, key Key) (*Project, error) {
	var out *Project
	err := e.view(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetProject(ctx, key)
		if err != nil {
			return fmt.Errorf("load project %s: %w", key, err)
		}
		out = p
		return nil
	})
	return out, err
}

// ProjectByClient 查询某 client 唯一的项目
func (e *Engine) ProjectByClient(ctx context.Context, client Identity) (*Project, error) {
	return e.Project(ctx, ProjectKey(client))
}

func (e *Engine) Milestone(ctx context.Context, key Key) (*Milestone, error) {
	var out *Milestone
	err := e.view(ctx, func(ctx context.Context, tx Tx) error {
		m, err := tx.GetMilestone(ctx, key)
		if err != nil {
			return fmt.Errorf("load milestone %s: %w", key, err)
		}
		out = m
		return nil
	})
	return out, err
}

// Milestones 列出项目的全部里程碑，按 milestoneID 升序
func (e *Engine) Milestones(ctx context.Context, project Key) ([]*Milestone, error) {
	var out []*Milestone
	err := e.view(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetProject(ctx, project); err != nil {
			return fmt.Errorf("load project %s: %w", project, err)
		}
		ms, err := tx.ListMilestones(ctx, project)
		if err != nil {
			return err
		}
		sort.Slice(ms, func(i, j int) bool { return ms[i].MilestoneID < ms[j].MilestoneID })
		out = ms
		return nil
	})
	return out, err
}

func (e *Engine) Account(ctx context.Context, address Key) (*TokenAccount, error) {
	var out *TokenAccount
	err := e.view(ctx, func(ctx context.Context, tx Tx) error {
		a, err := tx.GetAccount(ctx, address)
		if err != nil {
			return fmt.Errorf("load account %s: %w", address, err)
		}
		out = a
		return nil
	})
	return out, err
}

// Vault 查询项目的托管账户
func (e *Engine) Vault(ctx context.Context, project Key) (*TokenAccount, error) {
	var out *TokenAccount
	err := e.view(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetProject(ctx, project)
		if err != nil {
			return fmt.Errorf("load project %s: %w", project, err)
		}
		a, err := tx.GetAccount(ctx, p.Vault)
		if err != nil {
			return fmt.Errorf("load vault %s: %w", p.Vault, err)
		}
		out = a
		return nil
	})
	return out, err
}

// CreateMint 注册新的代币 mint，authority 为调用方
func (e *Engine) CreateMint(ctx context.Context, authority Identity, mint Mint, decimals uint8) (*MintInfo, error) {
	if authority == "" || mint == "" {
		return nil, fmt.Errorf("%w: mint and authority are required", ErrInvalidArgument)
	}
	var out *MintInfo
	err := e.run(ctx, "create_mint", []zap.Field{
		zap.String("invoker", string(authority)),
		zap.String("mint", string(mint)),
	}, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetMint(ctx, mint); err == nil {
			return fmt.Errorf("%w: mint %s", ErrAlreadyExists, mint)
		} else if !IsNotFound(err) {
			return err
		}
		info := &MintInfo{Mint: mint, Authority: authority, Decimals: decimals, CreatedAt: e.now()}
		if err := tx.InsertMint(ctx, info); err != nil {
			return fmt.Errorf("insert mint %s: %w", mint, err)
		}
		out = info
		return nil
	})
	return out, err
}

// OpenAssociatedAccount 为 holder 开立其在 mint 下的关联账户
func (e *Engine) OpenAssociatedAccount(ctx context.Context, holder Identity, mint Mint) (*TokenAccount, error) {
	if holder == "" {
		return nil, fmt.Errorf("%w: holder identity is required", ErrInvalidArgument)
	}
	owner := IdentityOwner(holder)
	address := AssociatedAccount(owner, mint)
	var out *TokenAccount
	err := e.run(ctx, "open_account", []zap.Field{
		zap.String("invoker", string(holder)),
		zap.String("mint", string(mint)),
		zap.Stringer("account", address),
	}, func(ctx context.Context, tx Tx) error {
		a, err := openAccount(ctx, tx, address, owner, mint, e.now())
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// MintTo 由 mint authority 增发 amount 到 holder 的关联账户（不存在则开户）
func (e *Engine) MintTo(ctx context.Context, authority Identity, mint Mint, holder Identity, amount uint64) (*TokenAccount, error) {
	if holder == "" {
		return nil, fmt.Errorf("%w: holder identity is required", ErrInvalidArgument)
	}
	owner := IdentityOwner(holder)
	address := AssociatedAccount(owner, mint)
	var out *TokenAccount
	err := e.run(ctx, "mint_to", []zap.Field{
		zap.String("invoker", string(authority)),
		zap.String("mint", string(mint)),
		zap.String("holder", string(holder)),
		zap.Uint64("amount", amount),
	}, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetAccount(ctx, address); IsNotFound(err) {
			if _, err := openAccount(ctx, tx, address, owner, mint, e.now()); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		if err := mintTo(ctx, tx, IdentitySigner(authority), mint, address, amount); err != nil {
			return err
		}
		a, err := tx.GetAccount(ctx, address)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}
