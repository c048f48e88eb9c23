package repository

import (
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"trustfund/internal/escrow"
)

// mapError 把驱动错误翻译为 escrow 的错误类别
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, escrow.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", what, escrow.ErrAlreadyExists)
		case "23503":
			if pgErr.ConstraintName == "token_accounts_mint_fkey" {
				return fmt.Errorf("%s: %w", what, escrow.ErrUnknownMint)
			}
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// amountArg BIGINT 列无法保存超过 MaxInt64 的数额
func amountArg(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: amount %d exceeds storable range", escrow.ErrInvalidArgument, v)
	}
	return int64(v), nil
}

func parseKey(s string) (escrow.Key, error) {
	k, err := escrow.ParseKey(s)
	if err != nil {
		return escrow.Key{}, fmt.Errorf("corrupt key %q in database: %v", s, err)
	}
	return k, nil
}
