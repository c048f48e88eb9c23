// Package memory 进程内的 escrow.Store 实现，用于本地运行和测试。
package memory

import (
	"context"
	"fmt"
	"sync"

	"trustfund/internal/escrow"
)

// DefaultEventLimit 未被取走的已提交事件最多保留的条数
const DefaultEventLimit = 10000

// Store 所有原子操作串行执行；写入先暂存在 tx 上，fn 成功后一次性提交
type Store struct {
	mu         sync.Mutex
	mints      map[escrow.Mint]*escrow.MintInfo
	accounts   map[escrow.Key]*escrow.TokenAccount
	projects   map[escrow.Key]*escrow.Project
	milestones map[escrow.Key]*escrow.Milestone
	events     []escrow.Event
	eventLimit int
	dropped    int64
}

func New() *Store {
	return &Store{
		mints:      make(map[escrow.Mint]*escrow.MintInfo),
		accounts:   make(map[escrow.Key]*escrow.TokenAccount),
		projects:   make(map[escrow.Key]*escrow.Project),
		milestones: make(map[escrow.Key]*escrow.Milestone),
		eventLimit: DefaultEventLimit,
	}
}

// SetEventLimit 超出 limit 时丢弃最旧的事件；limit <= 0 表示不保留事件（没有投递方时使用）
func (s *Store) SetEventLimit(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit < 0 {
		limit = 0
	}
	s.eventLimit = limit
	s.trimEvents()
}

// DroppedEvents 因超出上限被丢弃的事件数
func (s *Store) DroppedEvents() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Store) trimEvents() {
	if over := len(s.events) - s.eventLimit; over > 0 {
		s.dropped += int64(over)
		s.events = append([]escrow.Event(nil), s.events[over:]...)
	}
}

// Atomically 持有全局锁执行 fn，返回错误时丢弃全部暂存写入
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx escrow.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:          s,
		mints:      make(map[escrow.Mint]*escrow.MintInfo),
		accounts:   make(map[escrow.Key]*escrow.TokenAccount),
		projects:   make(map[escrow.Key]*escrow.Project),
		milestones: make(map[escrow.Key]*escrow.Milestone),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Events 返回已提交事件的副本
func (s *Store) Events() []escrow.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]escrow.Event, len(s.events))
	copy(out, s.events)
	return out
}

// DrainEvents 取出并清空已提交事件
func (s *Store) DrainEvents() []escrow.Event {
	return s.TakeEvents(-1)
}

// TakeEvents 按提交顺序取出至多 n 条事件；n < 0 取出全部
func (s *Store) TakeEvents(n int) []escrow.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n >= len(s.events) {
		out := s.events
		s.events = nil
		return out
	}
	out := append([]escrow.Event(nil), s.events[:n]...)
	s.events = append([]escrow.Event(nil), s.events[n:]...)
	return out
}

type memTx struct {
	s          *Store
	mints      map[escrow.Mint]*escrow.MintInfo
	accounts   map[escrow.Key]*escrow.TokenAccount
	projects   map[escrow.Key]*escrow.Project
	milestones map[escrow.Key]*escrow.Milestone
	events     []escrow.Event
}

func (t *memTx) commit() {
	for k, v := range t.mints {
		t.s.mints[k] = v
	}
	for k, v := range t.accounts {
		t.s.accounts[k] = v
	}
	for k, v := range t.projects {
		t.s.projects[k] = v
	}
	for k, v := range t.milestones {
		t.s.milestones[k] = v
	}
	t.s.events = append(t.s.events, t.events...)
	t.s.trimEvents()
}

func (t *memTx) mint(m escrow.Mint) (*escrow.MintInfo, bool) {
	if v, ok := t.mints[m]; ok {
		return v, true
	}
	v, ok := t.s.mints[m]
	return v, ok
}

func (t *memTx) account(k escrow.Key) (*escrow.TokenAccount, bool) {
	if v, ok := t.accounts[k]; ok {
		return v, true
	}
	v, ok := t.s.accounts[k]
	return v, ok
}

func (t *memTx) project(k escrow.Key) (*escrow.Project, bool) {
	if v, ok := t.projects[k]; ok {
		return v, true
	}
	v, ok := t.s.projects[k]
	return v, ok
}

func (t *memTx) milestone(k escrow.Key) (*escrow.Milestone, bool) {
	if v, ok := t.milestones[k]; ok {
		return v, true
	}
	v, ok := t.s.milestones[k]
	return v, ok
}

func (t *memTx) GetMint(_ context.Context, m escrow.Mint) (*escrow.MintInfo, error) {
	v, ok := t.mint(m)
	if !ok {
		return nil, fmt.Errorf("mint %s: %w", m, escrow.ErrNotFound)
	}
	c := *v
	return &c, nil
}

func (t *memTx) InsertMint(_ context.Context, m *escrow.MintInfo) error {
	if _, ok := t.mint(m.Mint); ok {
		return fmt.Errorf("mint %s: %w", m.Mint, escrow.ErrAlreadyExists)
	}
	c := *m
	t.mints[m.Mint] = &c
	return nil
}

func (t *memTx) UpdateMintSupply(_ context.Context, m escrow.Mint, supply uint64) error {
	v, ok := t.mint(m)
	if !ok {
		return fmt.Errorf("mint %s: %w", m, escrow.ErrNotFound)
	}
	c := *v
	c.Supply = supply
	t.mints[m] = &c
	return nil
}

func (t *memTx) GetAccount(_ context.Context, k escrow.Key) (*escrow.TokenAccount, error) {
	v, ok := t.account(k)
	if !ok {
		return nil, fmt.Errorf("account %s: %w", k, escrow.ErrNotFound)
	}
	return v.Clone(), nil
}

func (t *memTx) InsertAccount(_ context.Context, a *escrow.TokenAccount) error {
	if _, ok := t.account(a.Address); ok {
		return fmt.Errorf("account %s: %w", a.Address, escrow.ErrAlreadyExists)
	}
	if _, ok := t.mint(a.Mint); !ok {
		return fmt.Errorf("mint %s: %w", a.Mint, escrow.ErrUnknownMint)
	}
	t.accounts[a.Address] = a.Clone()
	return nil
}

func (t *memTx) UpdateBalance(_ context.Context, k escrow.Key, balance uint64) error {
	v, ok := t.account(k)
	if !ok {
		return fmt.Errorf("account %s: %w", k, escrow.ErrNotFound)
	}
	c := v.Clone()
	c.Balance = balance
	t.accounts[k] = c
	return nil
}

func (t *memTx) GetProject(_ context.Context, k escrow.Key) (*escrow.Project, error) {
	v, ok := t.project(k)
	if !ok {
		return nil, fmt.Errorf("project %s: %w", k, escrow.ErrNotFound)
	}
	return v.Clone(), nil
}

func (t *memTx) InsertProject(_ context.Context, p *escrow.Project) error {
	if _, ok := t.project(p.Key); ok {
		return fmt.Errorf("project %s: %w", p.Key, escrow.ErrAlreadyExists)
	}
	if p.Status == 0 {
		return fmt.Errorf("%w: project %s has no status", escrow.ErrInvalidArgument, p.Key)
	}
	t.projects[p.Key] = p.Clone()
	return nil
}

func (t *memTx) UpdateProject(_ context.Context, p *escrow.Project) error {
	if _, ok := t.project(p.Key); !ok {
		return fmt.Errorf("project %s: %w", p.Key, escrow.ErrNotFound)
	}
	t.projects[p.Key] = p.Clone()
	return nil
}

func (t *memTx) GetMilestone(_ context.Context, k escrow.Key) (*escrow.Milestone, error) {
	v, ok := t.milestone(k)
	if !ok {
		return nil, fmt.Errorf("milestone %s: %w", k, escrow.ErrNotFound)
	}
	return v.Clone(), nil
}

func (t *memTx) InsertMilestone(_ context.Context, m *escrow.Milestone) error {
	if _, ok := t.milestone(m.Key); ok {
		return fmt.Errorf("milestone %s: %w", m.Key, escrow.ErrAlreadyExists)
	}
	if _, ok := t.project(m.Project); !ok {
		return fmt.Errorf("project %s: %w", m.Project, escrow.ErrNotFound)
	}
	if m.Status == 0 {
		return fmt.Errorf("%w: milestone %s has no status", escrow.ErrInvalidArgument, m.Key)
	}
	t.milestones[m.Key] = m.Clone()
	return nil
}

func (t *memTx) UpdateMilestone(_ context.Context, m *escrow.Milestone) error {
	if _, ok := t.milestone(m.Key); !ok {
		return fmt.Errorf("milestone %s: %w", m.Key, escrow.ErrNotFound)
	}
	t.milestones[m.Key] = m.Clone()
	return nil
}

func (t *memTx) ListMilestones(_ context.Context, project escrow.Key) ([]*escrow.Milestone, error) {
	seen := make(map[escrow.Key]bool)
	var out []*escrow.Milestone
	for k, m := range t.milestones {
		seen[k] = true
		if m.Project == project {
			out = append(out, m.Clone())
		}
	}
	for k, m := range t.s.milestones {
		if !seen[k] && m.Project == project {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (t *memTx) AppendEvent(_ context.Context, ev escrow.Event) error {
	t.events = append(t.events, ev)
	return nil
}
