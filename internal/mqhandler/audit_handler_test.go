package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "trustfund/contracts/mq"
	"trustfund/internal/escrow"
	"trustfund/internal/store/memory"
	"trustfund/pkg/mq"
	"trustfund/pkg/util"
)

type fakeDeduper struct {
	seen     map[string]bool
	released []string
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{seen: map[string]bool{}}
}

func (d *fakeDeduper) AcquireOnce(_ context.Context, handler, eventID string) bool {
	k := handler + ":" + eventID
	if d.seen[k] {
		return false
	}
	d.seen[k] = true
	return true
}

func (d *fakeDeduper) Release(_ context.Context, handler, eventID string) {
	delete(d.seen, handler+":"+eventID)
	d.released = append(d.released, eventID)
}

type countingAuditor struct {
	calls  int
	report *escrow.AuditReport
	err    error
}

func (a *countingAuditor) Audit(_ context.Context, project escrow.Key) (*escrow.AuditReport, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	r := *a.report
	r.Project = project
	return &r, nil
}

func eventBody(t *testing.T, eventID string, project escrow.Key) []byte {
	t.Helper()
	b, err := json.Marshal(mqcontracts.MilestoneReleasedPayload{
		EventMeta: mqcontracts.EventMeta{
			EventID:    eventID,
			Type:       mqcontracts.RoutingMilestoneReleased,
			Project:    project.String(),
			OccurredAt: time.Now(),
		},
		Amount: 10,
	})
	require.NoError(t, err)
	return b
}

func TestAuditHandlerAgainstEngine(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := escrow.NewEngine(store, zap.NewNop())
	_, err := eng.CreateMint(ctx, "treasury", "USDC", 6)
	require.NoError(t, err)
	_, err = eng.MintTo(ctx, "treasury", "USDC", "client-c", 50)
	require.NoError(t, err)
	p, err := eng.InitializeProject(ctx, "client-c", "p", "USDC")
	require.NoError(t, err)
	_, err = eng.AddMilestone(ctx, "client-c", escrow.AddMilestoneRequest{Project: p.Key, MilestoneID: 1, Amount: 50})
	require.NoError(t, err)

	dedup := newFakeDeduper()
	h := NewAuditHandler(eng, dedup, zap.NewNop())

	// 用引擎实际产生的事件驱动审计
	var added []byte
	for _, ev := range store.Events() {
		if ev.RoutingKey == mqcontracts.RoutingMilestoneAdded {
			added, err = json.Marshal(ev.Payload)
			require.NoError(t, err)
		}
	}
	require.NotNil(t, added)
	require.NoError(t, h.HandleMessage(ctx, mq.Message{RoutingKey: mqcontracts.RoutingMilestoneAdded, Body: added}))
	assert.Len(t, dedup.seen, 1)
}

func TestAuditHandlerSkipsDuplicates(t *testing.T) {
	auditor := &countingAuditor{report: &escrow.AuditReport{Balanced: true}}
	h := NewAuditHandler(auditor, newFakeDeduper(), zap.NewNop())
	body := eventBody(t, "ev-1", escrow.ProjectKey("client-c"))

	require.NoError(t, h.Handle(context.Background(), body))
	require.NoError(t, h.Handle(context.Background(), body))
	assert.Equal(t, 1, auditor.calls)
}

func TestAuditHandlerUnbalancedIsNotAnError(t *testing.T) {
	auditor := &countingAuditor{report: &escrow.AuditReport{VaultBalance: 10, PendingTotal: 20}}
	h := NewAuditHandler(auditor, nil, zap.NewNop())

	assert.NoError(t, h.Handle(context.Background(), eventBody(t, "ev-1", escrow.ProjectKey("c"))))
}

func TestAuditHandlerErrors(t *testing.T) {
	ctx := context.Background()

	h := NewAuditHandler(&countingAuditor{}, nil, zap.NewNop())
	err := h.Handle(ctx, []byte("{not json"))
	retryable, kind := util.IsRetryableError(err)
	assert.False(t, retryable)
	assert.Equal(t, "permanent", kind)

	err = h.Handle(ctx, []byte(`{"event_id":"x","project":"zz"}`))
	retryable, _ = util.IsRetryableError(err)
	assert.False(t, retryable)

	// 项目不存在：永久错误，释放去重标记
	dedup := newFakeDeduper()
	h = NewAuditHandler(&countingAuditor{err: escrow.ErrNotFound}, dedup, zap.NewNop())
	err = h.Handle(ctx, eventBody(t, "ev-2", escrow.ProjectKey("gone")))
	retryable, _ = util.IsRetryableError(err)
	assert.False(t, retryable)
	assert.Equal(t, []string{"ev-2"}, dedup.released)

	// 基础设施错误：可重试
	h = NewAuditHandler(&countingAuditor{err: context.DeadlineExceeded}, newFakeDeduper(), zap.NewNop())
	err = h.Handle(ctx, eventBody(t, "ev-3", escrow.ProjectKey("c")))
	retryable, kind = util.IsRetryableError(err)
	assert.True(t, retryable)
	assert.Equal(t, "timeout", kind)
}

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (c *fakeCounter) IncrementAndGet(_ context.Context, key string) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.counts[key]++
	return c.counts[key], nil
}

func (c *fakeCounter) Reset(_ context.Context, key string) error {
	delete(c.counts, key)
	return nil
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()
	counter := &fakeCounter{counts: map[string]int64{}}
	policy := RetryPolicy(AuditHandlerName, counter, 2, zap.NewNop())
	msg := mq.Message{MessageID: "ev-1"}

	assert.Equal(t, mq.Requeue, policy(ctx, msg, context.DeadlineExceeded))
	assert.Equal(t, mq.Requeue, policy(ctx, msg, context.DeadlineExceeded))
	assert.Equal(t, mq.DeadLetter, policy(ctx, msg, context.DeadlineExceeded))
	assert.Empty(t, counter.counts, "counter reset after exhausting retries")

	assert.Equal(t, mq.DeadLetter, policy(ctx, msg, util.Permanent(errors.New("bad"))))
	assert.Equal(t, mq.DeadLetter, policy(ctx, mq.Message{}, context.DeadlineExceeded))

	counter.err = errors.New("redis down")
	assert.Equal(t, mq.DeadLetter, policy(ctx, msg, context.DeadlineExceeded))
}
