package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taintguard/internal/config"
	"github.com/mbd888/taintguard/internal/health"
	"github.com/mbd888/taintguard/internal/reports"
	"github.com/mbd888/taintguard/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	adminToken = "test-admin-token-0001"
	victim     = "GXCvictim11111111111111111111"
)

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "json",
		AdminTokens:         adminToken + "=alice",
		PoolAddress:         "GXCpoo1111111111111111111111",
		PoolFeeShareBps:     1500,
		ReversalFeeBps:      20,
		PoolLowBalance:      "1",
		TaintThresholdBps:   1000,
		FanOutK:             5,
		ReAggThetaBps:       5000,
		ReAggMinSources:     2,
		VelocityHops:        3,
		VelocityWindow:      5 * time.Minute,
		DormancyPeriod:      90 * 24 * time.Hour,
		TaintMaxDepth:       64,
		FeasibilityMaxHops:  20,
		FeasibilityMaxNodes: 500,
		ReversalWindow:      30 * 24 * time.Hour,
		ReversalMinTaintBps: 1000,
		ReversalTokenTTL:    10 * time.Minute,
		PipelineWorkers:     2,
		PipelineQueueSize:   16,
		ReconcileInterval:   time.Hour,
		RateLimitRPM:        1000,
	}
}

// newTestServer creates a server backed by memory stores and the given graph
func newTestServer(t *testing.T, g *testutil.Graph) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLedger(g.Ledger))
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func do(s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint_LoopsStoppedBeforeRun(t *testing.T) {
	s := newTestServer(t, testutil.NewGraph(t))

	w := do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)

	byName := make(map[string]health.Status)
	for _, st := range resp.Checks {
		byName[st.Name] = st
	}
	assert.True(t, byName["ledger"].Healthy)
	assert.True(t, byName["pool"].Healthy)
	assert.Contains(t, byName["pool"].Detail, "(low)")
	assert.False(t, byName["watcher"].Healthy)
	assert.False(t, byName["reconciliation"].Healthy)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testutil.NewGraph(t))

	w := do(s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, testutil.NewGraph(t))

	// Server hasn't called Run() so ready is false
	w := do(s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t, testutil.NewGraph(t))

	registered := make(map[string]bool)
	for _, r := range s.Router().Routes() {
		registered[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"GET /metrics",
		"GET /ws/alerts",
		"POST /rpc",
		"POST /dev/node",
		"GET /v1/taint/:txHash",
		"GET /v1/taint/:txHash/trace",
		"POST /v1/reports",
		"GET /v1/reports/:id/status",
		"GET /v1/statistics",
		"GET /v1/alerts",
		"GET /v1/addresses/:address/fraud",
		"GET /v1/pool/balance",
		"GET /v1/cleanzones",
		"GET /v1/admin/session",
		"POST /v1/admin/reconcile",
		"GET /v1/admin/reports/pending",
		"POST /v1/admin/reports/:id/approve",
		"GET /v1/admin/reports/:id/feasibility",
		"POST /v1/admin/pool/fund",
	} {
		assert.True(t, registered[want], "missing route %s", want)
	}
}

func TestDevNodeOnlyInDevelopment(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "staging"
	s, err := New(cfg, WithLedger(testutil.NewGraph(t).Ledger))
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)

	for _, r := range s.Router().Routes() {
		assert.NotEqual(t, "/dev/node", r.Path)
	}
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSession(t *testing.T) {
	s := newTestServer(t, testutil.NewGraph(t))

	w := do(s, http.MethodGet, "/v1/admin/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodGet, "/v1/admin/session", "wrong-token-000000000", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodGet, "/v1/admin/session", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"adminId":"alice"`)
}

func TestNew_RejectsBadAdminTokens(t *testing.T) {
	cfg := testConfig()
	cfg.AdminTokens = "short=alice"
	_, err := New(cfg, WithLedger(testutil.NewGraph(t).Ledger))
	assert.Error(t, err)
}

func TestNew_RejectsBadLowBalance(t *testing.T) {
	cfg := testConfig()
	cfg.PoolLowBalance = "lots"
	_, err := New(cfg, WithLedger(testutil.NewGraph(t).Ledger))
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// End to end over REST
// ---------------------------------------------------------------------------

func TestReportLifecycleOverREST(t *testing.T) {
	g := testutil.NewGraph(t)
	theft := g.Coinbase("theft", testutil.Pay("GXCthief1111111111111111111", 5_000_000_000))
	s := newTestServer(t, g)

	w := do(s, http.MethodGet, "/v1/taint/"+theft.Hash, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/reports", "", reports.SubmitBody{
		TxHash:          theft.Hash,
		ReporterAddress: victim,
		Amount:          "10",
		Email:           "victim@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ReportID string `json:"reportId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ReportID)

	w = do(s, http.MethodGet, "/v1/admin/reports/pending", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ReportID)

	w = do(s, http.MethodPost, "/v1/admin/reports/"+created.ReportID+"/withdraw", adminToken, gin.H{"reason": "duplicate"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/v1/reports/"+created.ReportID+"/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st reports.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, reports.FactsWithdrawn, st.FactsStatus)

	w = do(s, http.MethodGet, "/v1/statistics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats reports.Statistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalReports)
	assert.Equal(t, 1, stats.WithdrawnReports)
}

func TestJSONRPCStatistics(t *testing.T) {
	s := newTestServer(t, testutil.NewGraph(t))

	w := do(s, http.MethodPost, "/rpc", "", gin.H{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "fraud_getFraudStatistics",
		"params":  []interface{}{},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Result *reports.Statistics `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 0, resp.Result.TotalReports)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:secret@db:5432/taintguard")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "user:")
	assert.Equal(t, "***", maskDSN("://bad"))
}
