package util

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDeduperAcquireOnce(t *testing.T) {
	mr, rdb := newTestRedis(t)
	d := NewDeduper(rdb, time.Minute, zap.NewNop())
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "audit", "ev-1"))
	assert.False(t, d.AcquireOnce(ctx, "audit", "ev-1"))
	assert.True(t, d.AcquireOnce(ctx, "ledger", "ev-1"), "handlers dedupe independently")

	d.Release(ctx, "audit", "ev-1")
	assert.True(t, d.AcquireOnce(ctx, "audit", "ev-1"))

	mr.FastForward(2 * time.Minute)
	assert.True(t, d.AcquireOnce(ctx, "audit", "ev-1"))
}

func TestDeduperAllowsProcessingWhenRedisDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	mr.Close()

	assert.True(t, d.AcquireOnce(context.Background(), "audit", "ev-1"))
}

func TestRetryCounter(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rc := NewRetryCounter(rdb, time.Hour)
	ctx := context.Background()
	key := FormatRetryKey("audit", "ev-9")
	assert.Equal(t, "retry:audit:ev-9", key)

	for want := int64(1); want <= 3; want++ {
		got, err := rc.IncrementAndGet(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, time.Hour, mr.TTL(key))

	require.NoError(t, rc.Reset(ctx, key))
	got, err := rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestIdempotencyStoreLifecycle(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewIdempotencyStore(rdb, time.Hour)
	ctx := context.Background()

	stored, err := s.Begin(ctx, "client-c", "k1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, err = s.Begin(ctx, "client-c", "k1")
	assert.ErrorIs(t, err, ErrRequestInFlight)

	// 不同身份使用同一个 key 互不影响
	stored, err = s.Begin(ctx, "client-d", "k1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	resp := StoredResponse{Status: 201, Body: json.RawMessage(`{"key":"abc"}`)}
	require.NoError(t, s.Complete(ctx, "client-c", "k1", resp))

	stored, err = s.Begin(ctx, "client-c", "k1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 201, stored.Status)
	assert.JSONEq(t, `{"key":"abc"}`, string(stored.Body))
}

func TestIdempotencyStoreAbort(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewIdempotencyStore(rdb, 0)
	ctx := context.Background()

	_, err := s.Begin(ctx, "client-c", "k2")
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx, "client-c", "k2"))

	stored, err := s.Begin(ctx, "client-c", "k2")
	require.NoError(t, err)
	assert.Nil(t, stored)
}
