package escrow

import (
	"context"
	"fmt"
	"math/bits"
)

// AuditReport 项目 vault 余额与里程碑账目的对账结果
type AuditReport struct {
	Project       Key    `json:"project"`
	VaultBalance  uint64 `json:"vault_balance"`
	PendingTotal  uint64 `json:"pending_total"`
	ReleasedTotal uint64 `json:"released_total"`
	PendingCount  int    `json:"pending_count"`
	ReleasedCount int    `json:"released_count"`
	Overflow      bool   `json:"overflow,omitempty"`
	Balanced      bool   `json:"balanced"`
}

// Audit 校验守恒：vault 余额 == 所有 Pending 里程碑金额之和
func (e *Engine) Audit(ctx context.Context, project Key) (*AuditReport, error) {
	var out *AuditReport
	err := e.view(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetProject(ctx, project)
		if err != nil {
			return fmt.Errorf("load project %s: %w", project, err)
		}
		vault, err := tx.GetAccount(ctx, p.Vault)
		if err != nil {
			return fmt.Errorf("load vault %s: %w", p.Vault, err)
		}
		ms, err := tx.ListMilestones(ctx, project)
		if err != nil {
			return err
		}

		r := &AuditReport{Project: project, VaultBalance: vault.Balance}
		for _, m := range ms {
			var carry uint64
			switch m.Status {
			case MilestonePending:
				r.PendingTotal, carry = bits.Add64(r.PendingTotal, m.Amount, 0)
				r.PendingCount++
			case MilestoneReleased:
				r.ReleasedTotal, carry = bits.Add64(r.ReleasedTotal, m.Amount, 0)
				r.ReleasedCount++
			}
			if carry != 0 {
				r.Overflow = true
			}
		}
		r.Balanced = !r.Overflow && r.PendingTotal == r.VaultBalance
		out = r
		return nil
	})
	return out, err
}
