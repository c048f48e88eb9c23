package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trustfund/internal/escrow"
	"trustfund/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	t      *testing.T
	engine *gin.Engine
}

// newTestServer 用 X-Test-Identity 头模拟认证中间件
func newTestServer(t *testing.T, replayer Replayer) *testServer {
	t.Helper()
	eng := escrow.NewEngine(memory.New(), zap.NewNop())
	escrowHandler := NewEscrowHandler(eng, zap.NewNop())
	queryHandler := NewQueryHandler(eng, zap.NewNop())
	adminHandler := NewAdminHandler(eng, replayer, zap.NewNop())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(IdentityKey, c.GetHeader("X-Test-Identity"))
		c.Next()
	})
	r.POST("/v1/projects", escrowHandler.InitializeProject)
	r.POST("/v1/projects/:key/milestones", escrowHandler.AddMilestone)
	r.POST("/v1/projects/:key/accept", escrowHandler.AcceptProject)
	r.POST("/v1/release", escrowHandler.ReleaseFunds)
	r.GET("/v1/projects/:key", queryHandler.GetProject)
	r.GET("/v1/projects/:key/milestones", queryHandler.ListMilestones)
	r.GET("/v1/projects/:key/vault", queryHandler.GetVault)
	r.GET("/v1/projects/:key/audit", queryHandler.GetAudit)
	r.GET("/v1/clients/:identity/project", queryHandler.GetClientProject)
	r.GET("/v1/accounts/:address", queryHandler.GetAccount)
	r.POST("/v1/admin/mints", adminHandler.CreateMint)
	r.POST("/v1/admin/mints/:mint/mint-to", adminHandler.MintTo)
	r.POST("/v1/admin/outbox/replay", adminHandler.ReplayOutboxEvent)
	r.POST("/v1/admin/outbox/replay-failed", adminHandler.ReplayFailedEvents)
	return &testServer{t: t, engine: r}
}

func (s *testServer) do(method, path, identity string, body any) (int, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Identity", identity)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (s *testServer) setupFunds(client string, amount uint64) {
	s.t.Helper()
	code, _ := s.do(http.MethodPost, "/v1/admin/mints", "treasury", gin.H{"mint": "USDC", "decimals": 6})
	require.Contains(s.t, []int{http.StatusCreated, http.StatusConflict}, code)
	code, _ = s.do(http.MethodPost, "/v1/admin/mints/USDC/mint-to", "treasury", gin.H{"holder": client, "amount": amount})
	require.Equal(s.t, http.StatusOK, code)
}

func TestEscrowScenarioOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	s.setupFunds("client-c", 1000)

	code, project := s.do(http.MethodPost, "/v1/projects", "client-c", gin.H{"project_id": "site-redesign", "mint": "USDC"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "created", project["status"])
	key := project["key"].(string)

	code, milestone := s.do(http.MethodPost, "/v1/projects/"+key+"/milestones", "client-c", gin.H{"milestone_id": 1, "amount": 100})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", milestone["status"])
	milestoneKey := milestone["key"].(string)

	code, vault := s.do(http.MethodGet, "/v1/projects/"+key+"/vault", "client-c", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 100, vault["balance"])

	code, body := s.do(http.MethodPost, "/v1/release", "client-c", gin.H{"project": key, "milestone": milestoneKey})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "ProjectNotAccepted", body["kind"])

	code, accepted := s.do(http.MethodPost, "/v1/projects/"+key+"/accept", "freelancer-f", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "freelancer-f", accepted["freelancer"])

	code, body = s.do(http.MethodPost, "/v1/release", "freelancer-f", gin.H{"project": key, "milestone": milestoneKey})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Unauthorized", body["kind"])

	code, released := s.do(http.MethodPost, "/v1/release", "client-c", gin.H{"project": key, "milestone": milestoneKey})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "released", released["status"])

	code, body = s.do(http.MethodPost, "/v1/release", "client-c", gin.H{"project": key, "milestone": milestoneKey})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "MilestoneAlreadyReleased", body["kind"])

	code, audit := s.do(http.MethodGet, "/v1/projects/"+key+"/audit", "client-c", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, audit["balanced"])
	assert.EqualValues(t, 100, audit["released_total"])

	code, list := s.do(http.MethodGet, "/v1/projects/"+key+"/milestones", "client-c", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list["milestones"], 1)

	code, byClient := s.do(http.MethodGet, "/v1/clients/client-c/project", "anyone", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, key, byClient["key"])

	payout := escrow.AssociatedAccount(escrow.IdentityOwner("freelancer-f"), "USDC")
	code, acct := s.do(http.MethodGet, "/v1/accounts/"+payout.String(), "anyone", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 100, acct["balance"])
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	s.setupFunds("client-c", 10)

	code, body := s.do(http.MethodGet, "/v1/projects/not-hex", "client-c", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidArgument", body["kind"])

	code, body = s.do(http.MethodGet, "/v1/projects/"+escrow.ProjectKey("nobody").String(), "client-c", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NotFound", body["kind"])

	code, body = s.do(http.MethodPost, "/v1/projects", "client-c", gin.H{"mint": "DOGE"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "UnknownMint", body["kind"])

	code, project := s.do(http.MethodPost, "/v1/projects", "client-c", gin.H{"mint": "USDC"})
	require.Equal(t, http.StatusCreated, code)
	key := project["key"].(string)

	code, body = s.do(http.MethodPost, "/v1/projects", "client-c", gin.H{"mint": "USDC"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "AlreadyExists", body["kind"])

	code, body = s.do(http.MethodPost, "/v1/projects/"+key+"/milestones", "client-c", gin.H{"milestone_id": 1, "amount": 11})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "InsufficientFunds", body["kind"])

	code, body = s.do(http.MethodPost, "/v1/projects/"+key+"/milestones", "client-c", gin.H{"amount": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidArgument", body["kind"])

	// milestone_id 0 是合法 id
	code, _ = s.do(http.MethodPost, "/v1/projects/"+key+"/milestones", "client-c", gin.H{"milestone_id": 0, "amount": 1})
	assert.Equal(t, http.StatusCreated, code)

	code, body = s.do(http.MethodPost, "/v1/projects/"+key+"/milestones", "mallory", gin.H{"milestone_id": 2, "amount": 1})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Unauthorized", body["kind"])

	code, body = s.do(http.MethodPost, "/v1/admin/mints/USDC/mint-to", "client-c", gin.H{"holder": "client-c", "amount": 5})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Unauthorized", body["kind"])
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusOf(fmt.Errorf("x: %w", escrow.ErrProjectAlreadyAccepted)))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusOf(escrow.ErrInvalidFreelancer))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusOf(escrow.ErrMintMismatch))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("db down")))
}

type fakeReplayer struct {
	replayed []int64
	err      error
}

func (f *fakeReplayer) ReplayEvent(_ context.Context, id int64) error {
	if f.err != nil {
		return f.err
	}
	f.replayed = append(f.replayed, id)
	return nil
}

func (f *fakeReplayer) ReplayFailedEvents(_ context.Context, limit int) (int, error) {
	return limit / 2, f.err
}

func TestOutboxReplay(t *testing.T) {
	replayer := &fakeReplayer{}
	s := newTestServer(t, replayer)

	code, body := s.do(http.MethodPost, "/v1/admin/outbox/replay?id=42", "admin", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "replayed", body["status"])
	assert.Equal(t, []int64{42}, replayer.replayed)

	code, _ = s.do(http.MethodPost, "/v1/admin/outbox/replay?id=abc", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(http.MethodPost, "/v1/admin/outbox/replay-failed?limit=10", "admin", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 5, body["success_count"])

	replayer.err = errors.New("event not found")
	code, _ = s.do(http.MethodPost, "/v1/admin/outbox/replay?id=7", "admin", nil)
	assert.Equal(t, http.StatusInternalServerError, code)

	unavailable := newTestServer(t, nil)
	code, _ = unavailable.do(http.MethodPost, "/v1/admin/outbox/replay?id=1", "admin", nil)
	assert.Equal(t, http.StatusNotImplemented, code)
}
