package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"trustfund/internal/escrow"
	"trustfund/pkg/otel"
)

type MilestoneRepository struct {
	logger *zap.Logger
}

func NewMilestoneRepository(logger *zap.Logger) *MilestoneRepository {
	return &MilestoneRepository{logger: logger}
}

const milestoneColumns = `key, project, milestone_id, amount, status, created_at, updated_at`

func scanMilestone(row pgx.Row) (*escrow.Milestone, error) {
	var (
		m                   escrow.Milestone
		key, project, state string
		id                  int16
		amount              int64
	)
	if err := row.Scan(&key, &project, &id, &amount, &state, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.Key, err = parseKey(key); err != nil {
		return nil, err
	}
	if m.Project, err = parseKey(project); err != nil {
		return nil, err
	}
	if m.Status, err = escrow.ParseMilestoneStatus(state); err != nil {
		return nil, err
	}
	m.MilestoneID = uint8(id)
	m.Amount = uint64(amount)
	return &m, nil
}

// GetTx 读取并锁定里程碑行
func (r *MilestoneRepository) GetTx(ctx context.Context, tx pgx.Tx, key escrow.Key) (*escrow.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE key = $1 FOR UPDATE`
	var m *escrow.Milestone
	err := otel.DB(ctx, "select", "milestones", func(ctx context.Context) error {
		var err error
		m, err = scanMilestone(tx.QueryRow(ctx, query, key.String()))
		return err
	})
	if err != nil {
		return nil, mapError(err, "milestone "+key.String())
	}
	return m, nil
}

func (r *MilestoneRepository) InsertTx(ctx context.Context, tx pgx.Tx, m *escrow.Milestone) error {
	amount, err := amountArg(m.Amount)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO milestones (key, project, milestone_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	err = otel.DB(ctx, "insert", "milestones", func(ctx context.Context) error {
		_, err := tx.Exec(ctx, query,
			m.Key.String(),
			m.Project.String(),
			int16(m.MilestoneID),
			amount,
			m.Status.String(),
			m.CreatedAt,
			m.UpdatedAt,
		)
		return err
	})
	return mapError(err, "insert milestone "+m.Key.String())
}

// UpdateTx 只更新 status
func (r *MilestoneRepository) UpdateTx(ctx context.Context, tx pgx.Tx, m *escrow.Milestone) error {
	query := `UPDATE milestones SET status = $2, updated_at = $3 WHERE key = $1`
	err := otel.DB(ctx, "update", "milestones", func(ctx context.Context) error {
		tag, err := tx.Exec(ctx, query, m.Key.String(), m.Status.String(), m.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	return mapError(err, "update milestone "+m.Key.String())
}

func (r *MilestoneRepository) ListByProjectTx(ctx context.Context, tx pgx.Tx, project escrow.Key) ([]*escrow.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE project = $1 ORDER BY milestone_id`
	var out []*escrow.Milestone
	err := otel.DB(ctx, "select", "milestones", func(ctx context.Context) error {
		rows, err := tx.Query(ctx, query, project.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMilestone(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, mapError(err, "list milestones of "+project.String())
	}
	return out, nil
}
