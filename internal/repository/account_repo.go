package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"trustfund/internal/escrow"
	"trustfund/pkg/otel"
)

// AccountRepository mints 与 token_accounts 表
type AccountRepository struct {
	logger *zap.Logger
}

func NewAccountRepository(logger *zap.Logger) *AccountRepository {
	return &AccountRepository{logger: logger}
}

// GetMintTx 读取并锁定 mint 行
func (r *AccountRepository) GetMintTx(ctx context.Context, tx pgx.Tx, mint escrow.Mint) (*escrow.MintInfo, error) {
	query := `
		SELECT mint, authority, decimals, supply, created_at
		FROM mints
		WHERE mint = $1
		FOR UPDATE
	`
	var (
		m        escrow.MintInfo
		name     string
		auth     string
		decimals int16
		supply   int64
	)
	err := otel.DB(ctx, "select", "mints", func(ctx context.Context) error {
		return tx.QueryRow(ctx, query, string(mint)).Scan(&name, &auth, &decimals, &supply, &m.CreatedAt)
	})
	if err != nil {
		return nil, mapError(err, "mint "+string(mint))
	}
	m.Mint = escrow.Mint(name)
	m.Authority = escrow.Identity(auth)
	m.Decimals = uint8(decimals)
	m.Supply = uint64(supply)
	return &m, nil
}

func (r *AccountRepository) InsertMintTx(ctx context.Context, tx pgx.Tx, m *escrow.MintInfo) error {
	supply, err := amountArg(m.Supply)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO mints (mint, authority, decimals, supply, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	err = otel.DB(ctx, "insert", "mints", func(ctx context.Context) error {
		_, err := tx.Exec(ctx, query, string(m.Mint), string(m.Authority), int16(m.Decimals), supply, m.CreatedAt)
		return err
	})
	if err != nil {
		return mapError(err, "insert mint "+string(m.Mint))
	}
	r.logger.Info("Mint created", zap.String("mint", string(m.Mint)), zap.String("authority", string(m.Authority)))
	return nil
}

func (r *AccountRepository) UpdateMintSupplyTx(ctx context.Context, tx pgx.Tx, mint escrow.Mint, supply uint64) error {
	v, err := amountArg(supply)
	if err != nil {
		return err
	}
	return mapError(r.exec(ctx, tx, "mints", `UPDATE mints SET supply = $2 WHERE mint = $1`, string(mint), v), "update mint "+string(mint))
}

// GetAccountTx 读取并锁定账户行
func (r *AccountRepository) GetAccountTx(ctx context.Context, tx pgx.Tx, address escrow.Key) (*escrow.TokenAccount, error) {
	query := `
		SELECT owner_kind, owner_id, mint, balance, created_at, updated_at
		FROM token_accounts
		WHERE address = $1
		FOR UPDATE
	`
	a := escrow.TokenAccount{Address: address}
	var (
		kind    int16
		mint    string
		balance int64
	)
	err := otel.DB(ctx, "select", "token_accounts", func(ctx context.Context) error {
		return tx.QueryRow(ctx, query, address.String()).Scan(&kind, &a.Owner.ID, &mint, &balance, &a.CreatedAt, &a.UpdatedAt)
	})
	if err != nil {
		return nil, mapError(err, "account "+address.String())
	}
	a.Owner.Kind = escrow.OwnerKind(kind)
	a.Mint = escrow.Mint(mint)
	a.Balance = uint64(balance)
	return &a, nil
}

func (r *AccountRepository) InsertAccountTx(ctx context.Context, tx pgx.Tx, a *escrow.TokenAccount) error {
	balance, err := amountArg(a.Balance)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO token_accounts (address, owner_kind, owner_id, mint, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	err = otel.DB(ctx, "insert", "token_accounts", func(ctx context.Context) error {
		_, err := tx.Exec(ctx, query,
			a.Address.String(),
			int16(a.Owner.Kind),
			a.Owner.ID,
			string(a.Mint),
			balance,
			a.CreatedAt,
			a.UpdatedAt,
		)
		return err
	})
	return mapError(err, "insert account "+a.Address.String())
}

func (r *AccountRepository) UpdateBalanceTx(ctx context.Context, tx pgx.Tx, address escrow.Key, balance uint64) error {
	v, err := amountArg(balance)
	if err != nil {
		return err
	}
	query := `UPDATE token_accounts SET balance = $2, updated_at = NOW() WHERE address = $1`
	return mapError(r.exec(ctx, tx, "token_accounts", query, address.String(), v), "update account "+address.String())
}

// exec 执行单行更新，未命中任何行时返回 pgx.ErrNoRows
func (r *AccountRepository) exec(ctx context.Context, tx pgx.Tx, table, query string, args ...any) error {
	return otel.DB(ctx, "update", table, func(ctx context.Context) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}
