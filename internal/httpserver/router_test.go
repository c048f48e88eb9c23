package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trustfund/internal/escrow"
	"trustfund/internal/handler"
	"trustfund/internal/store/memory"
	"trustfund/pkg/trace"
	"trustfund/pkg/util"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T, idem IdempotencyStore, ready ...ReadyCheck) *gin.Engine {
	t.Helper()
	eng := escrow.NewEngine(memory.New(), zap.NewNop())
	return NewRouter(
		handler.NewEscrowHandler(eng, zap.NewNop()),
		handler.NewQueryHandler(eng, zap.NewNop()),
		handler.NewAdminHandler(eng, nil, zap.NewNop()),
		RouterConfig{JWTSecret: secret, Idempotency: idem, Ready: ready},
		zap.NewNop(),
	)
}

func token(t *testing.T, identity, role string) string {
	t.Helper()
	tok, err := util.GenerateJWT(identity, role, secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func call(r http.Handler, method, path, tok string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	r := newRouter(t, nil)

	w := call(r, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(trace.HeaderName))

	w = call(r, http.MethodGet, "/readyz", "", nil, map[string]string{trace.HeaderName: "abc123"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Header().Get(trace.HeaderName))

	w = call(r, http.MethodGet, "/metrics", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzReportsFailingDependency(t *testing.T) {
	r := newRouter(t, nil, ReadyCheck{Name: "db", Check: func(context.Context) error { return errors.New("refused") }})

	w := call(r, http.MethodGet, "/readyz", "", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "db_not_ready")
}

func TestAuthentication(t *testing.T) {
	r := newRouter(t, nil)
	path := "/v1/projects/" + escrow.ProjectKey("x").String()

	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, path, "", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, path, "garbage", nil, nil).Code)

	other, err := util.GenerateJWT("client-c", "", "another-secret", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, path, other, nil, nil).Code)

	assert.Equal(t, http.StatusNotFound, call(r, http.MethodGet, path, token(t, "client-c", ""), nil, nil).Code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	r := newRouter(t, nil)
	body := gin.H{"mint": "USDC", "decimals": 6}

	w := call(r, http.MethodPost, "/v1/admin/mints", token(t, "client-c", "user"), body, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(r, http.MethodPost, "/v1/admin/mints", token(t, "treasury", "admin"), body, nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = call(r, http.MethodPost, "/v1/admin/outbox/replay?id=1", token(t, "client-c", ""), nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestIdempotentProjectCreation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	r := newRouter(t, util.NewIdempotencyStore(rdb, time.Hour))

	admin := token(t, "treasury", "admin")
	require.Equal(t, http.StatusCreated, call(r, http.MethodPost, "/v1/admin/mints", admin, gin.H{"mint": "USDC"}, nil).Code)

	client := token(t, "client-c", "user")
	headers := map[string]string{IdempotencyHeader: "create-1"}
	first := call(r, http.MethodPost, "/v1/projects", client, gin.H{"project_id": "p", "mint": "USDC"}, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	retry := call(r, http.MethodPost, "/v1/projects", client, gin.H{"project_id": "p", "mint": "USDC"}, headers)
	assert.Equal(t, http.StatusCreated, retry.Code)
	assert.Equal(t, "true", retry.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), retry.Body.String())

	// 不带幂等键的重复提交走正常校验
	dup := call(r, http.MethodPost, "/v1/projects", client, gin.H{"project_id": "p", "mint": "USDC"}, nil)
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Contains(t, dup.Body.String(), "AlreadyExists")

	// 另一个身份使用同一个 key 不会拿到别人的响应
	other := call(r, http.MethodPost, "/v1/projects", token(t, "client-d", ""), gin.H{"mint": "USDC"}, headers)
	assert.Equal(t, http.StatusCreated, other.Code)
	assert.Empty(t, other.Header().Get("Idempotent-Replayed"))
}

func TestIdempotencyInFlight(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := util.NewIdempotencyStore(rdb, time.Hour)
	r := newRouter(t, store)

	_, err := store.Begin(context.Background(), "client-c", "busy")
	require.NoError(t, err)

	w := call(r, http.MethodPost, "/v1/projects", token(t, "client-c", ""), gin.H{"mint": "USDC"}, map[string]string{IdempotencyHeader: "busy"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "RequestInFlight")
}

func TestIdempotencyKeyReleasedAfterPanic(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	calls := 0
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Set(handler.IdentityKey, "client-c")
		c.Next()
	})
	r.Use(IdempotencyMiddleware(util.NewIdempotencyStore(rdb, time.Hour), zap.NewNop()))
	r.POST("/submit", func(c *gin.Context) {
		calls++
		if calls == 1 {
			panic("handler blew up")
		}
		c.JSON(http.StatusCreated, gin.H{"attempt": calls})
	})

	headers := map[string]string{IdempotencyHeader: "retry-after-panic"}
	first := call(r, http.MethodPost, "/submit", "", nil, headers)
	require.Equal(t, http.StatusInternalServerError, first.Code)

	second := call(r, http.MethodPost, "/submit", "", nil, headers)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.NotContains(t, second.Body.String(), "RequestInFlight")
	assert.Equal(t, 2, calls)

	replay := call(r, http.MethodPost, "/submit", "", nil, headers)
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 2, calls)
}
