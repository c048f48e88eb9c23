package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"trustfund/internal/escrow"
	"trustfund/pkg/otel"
)

type ProjectRepository struct {
	logger *zap.Logger
}

func NewProjectRepository(logger *zap.Logger) *ProjectRepository {
	return &ProjectRepository{logger: logger}
}

// GetTx 读取并锁定项目行。所有写操作都先锁项目，保证同一项目上的操作串行
func (r *ProjectRepository) GetTx(ctx context.Context, tx pgx.Tx, key escrow.Key) (*escrow.Project, error) {
	query := `
		SELECT client, freelancer, status, project_id, mint, vault, created_at, updated_at
		FROM projects
		WHERE key = $1
		FOR UPDATE
	`
	p := escrow.Project{Key: key}
	var (
		client, status, mint, vault string
		freelancer                  *string
	)
	err := otel.DB(ctx, "select", "projects", func(ctx context.Context) error {
		return tx.QueryRow(ctx, query, key.String()).Scan(
			&client, &freelancer, &status, &p.ProjectID, &mint, &vault, &p.CreatedAt, &p.UpdatedAt,
		)
	})
	if err != nil {
		return nil, mapError(err, "project "+key.String())
	}

	p.Client = escrow.Identity(client)
	if freelancer != nil {
		f := escrow.Identity(*freelancer)
		p.Freelancer = &f
	}
	if p.Status, err = escrow.ParseProjectStatus(status); err != nil {
		return nil, err
	}
	p.Mint = escrow.Mint(mint)
	if p.Vault, err = parseKey(vault); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProjectRepository) InsertTx(ctx context.Context, tx pgx.Tx, p *escrow.Project) error {
	r.logger.Debug("Inserting project",
		zap.String("key", p.Key.String()),
		zap.String("client", string(p.Client)),
	)
	query := `
		INSERT INTO projects (key, client, freelancer, status, project_id, mint, vault, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	err := otel.DB(ctx, "insert", "projects", func(ctx context.Context) error {
		_, err := tx.Exec(ctx, query,
			p.Key.String(),
			string(p.Client),
			freelancerArg(p.Freelancer),
			p.Status.String(),
			p.ProjectID,
			string(p.Mint),
			p.Vault.String(),
			p.CreatedAt,
			p.UpdatedAt,
		)
		return err
	})
	return mapError(err, "insert project "+p.Key.String())
}

// UpdateTx 只更新可变字段：freelancer、status
func (r *ProjectRepository) UpdateTx(ctx context.Context, tx pgx.Tx, p *escrow.Project) error {
	query := `
		UPDATE projects
		SET freelancer = $2, status = $3, updated_at = $4
		WHERE key = $1
	`
	err := otel.DB(ctx, "update", "projects", func(ctx context.Context) error {
		tag, err := tx.Exec(ctx, query, p.Key.String(), freelancerArg(p.Freelancer), p.Status.String(), p.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	return mapError(err, "update project "+p.Key.String())
}

func freelancerArg(f *escrow.Identity) *string {
	if f == nil {
		return nil
	}
	s := string(*f)
	return &s
}
