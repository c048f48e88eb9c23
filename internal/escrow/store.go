package escrow

import "context"

// AccountStore 代币账户的原始持久化，转账规则在 custody.go 中实现
type AccountStore interface {
	GetMint(ctx context.Context, mint Mint) (*MintInfo, error)
	InsertMint(ctx context.Context, m *MintInfo) error
	UpdateMintSupply(ctx context.Context, mint Mint, supply uint64) error

	// GetAccount 在事务内读取并锁定账户
	GetAccount(ctx context.Context, address Key) (*TokenAccount, error)
	InsertAccount(ctx context.Context, a *TokenAccount) error
	UpdateBalance(ctx context.Context, address Key, balance uint64) error
}

// Tx 一次原子操作可见的全部状态。
// 实现方必须保证：Get* 返回副本；Insert* 在 key 已存在时返回 ErrAlreadyExists；
// Get* 在记录不存在时返回 ErrNotFound。
type Tx interface {
	AccountStore

	GetProject(ctx context.Context, key Key) (*Project, error)
	InsertProject(ctx context.Context, p *Project) error
	UpdateProject(ctx context.Context, p *Project) error

	GetMilestone(ctx context.Context, key Key) (*Milestone, error)
	InsertMilestone(ctx context.Context, m *Milestone) error
	UpdateMilestone(ctx context.Context, m *Milestone) error
	ListMilestones(ctx context.Context, project Key) ([]*Milestone, error)

	// AppendEvent 与业务写入同一事务提交
	AppendEvent(ctx context.Context, ev Event) error
}

// Store runs fn as one indivisible step: either every write fn made through
// tx is applied, or none is. A non-nil error from fn discards all writes.
type Store interface {
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Event 成功操作产生的领域事件
type Event struct {
	ID         string
	RoutingKey string
	Project    Key
	Payload    any
}
