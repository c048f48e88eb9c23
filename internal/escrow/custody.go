package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// transfer 把 amount 从 from 转到 to，signer 必须控制 from。
// 两个账户按地址顺序读取（加锁），避免并发转账死锁。
func transfer(ctx context.Context, tx Tx, signer Signer, from, to Key, amount uint64) error {
	if from == to {
		return fmt.Errorf("%w: source and destination are the same account", ErrInvalidArgument)
	}

	first, second := from, to
	if bytes.Compare(second[:], first[:]) < 0 {
		first, second = second, first
	}
	a, err := tx.GetAccount(ctx, first)
	if err != nil {
		return fmt.Errorf("load account %s: %w", first, err)
	}
	b, err := tx.GetAccount(ctx, second)
	if err != nil {
		return fmt.Errorf("load account %s: %w", second, err)
	}
	src, dst := a, b
	if src.Address != from {
		src, dst = b, a
	}

	if !signer.CanDebit(src) {
		return fmt.Errorf("%w: %s does not own account %s", ErrUnauthorized, signer.Owner(), from)
	}
	if src.Mint != dst.Mint {
		return fmt.Errorf("%w: %s vs %s", ErrMintMismatch, src.Mint, dst.Mint)
	}
	if src.Balance < amount {
		return fmt.Errorf("%w: account %s holds %d, needs %d", ErrInsufficientFunds, from, src.Balance, amount)
	}
	if dst.Balance > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance overflow on %s", ErrInvalidArgument, to)
	}

	if err := tx.UpdateBalance(ctx, from, src.Balance-amount); err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if err := tx.UpdateBalance(ctx, to, dst.Balance+amount); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

// openAccount 在 address 处创建零余额账户
func openAccount(ctx context.Context, tx Tx, address Key, owner Owner, mint Mint, now time.Time) (*TokenAccount, error) {
	if _, err := tx.GetMint(ctx, mint); err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMint, mint)
		}
		return nil, err
	}
	acct := &TokenAccount{
		Address:   address,
		Owner:     owner,
		Mint:      mint,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("open account %s: %w", address, err)
	}
	return acct, nil
}

// mintTo 增发代币到账户，signer 必须是 mint authority
func mintTo(ctx context.Context, tx Tx, signer Signer, mint Mint, to Key, amount uint64) error {
	info, err := tx.GetMint(ctx, mint)
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrUnknownMint, mint)
		}
		return err
	}
	if signer.Owner() != IdentityOwner(info.Authority) {
		return fmt.Errorf("%w: %s is not the authority of mint %s", ErrUnauthorized, signer.Owner(), mint)
	}
	acct, err := tx.GetAccount(ctx, to)
	if err != nil {
		return fmt.Errorf("load account %s: %w", to, err)
	}
	if acct.Mint != mint {
		return fmt.Errorf("%w: account %s holds %s", ErrMintMismatch, to, acct.Mint)
	}
	if info.Supply > math.MaxUint64-amount || acct.Balance > math.MaxUint64-amount {
		return fmt.Errorf("%w: supply overflow on %s", ErrInvalidArgument, mint)
	}
	if err := tx.UpdateMintSupply(ctx, mint, info.Supply+amount); err != nil {
		return err
	}
	return tx.UpdateBalance(ctx, to, acct.Balance+amount)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
