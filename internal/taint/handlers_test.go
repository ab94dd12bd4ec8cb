package taint

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taintguard/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(e *Engine) *gin.Engine {
	r := gin.New()
	h := NewHandler(e, DefaultHorizon)
	h.RegisterRoutes(r.Group("/v1"))
	admin := r.Group("/v1/admin", func(c *gin.Context) { c.Set("adminID", "admin-7") })
	h.RegisterAdminRoutes(admin)
	return r
}

func TestHandler_GetTaint(t *testing.T) {
	g := testutil.NewGraph(t)
	stolen := g.Coinbase("stolen", pay("a", 100))
	r := setupRouter(newEngine(g))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/taint/"+stolen.Hash+"/mark", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/taint/"+stolen.Hash, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp Check
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1.0, resp.TaintScore)
	assert.Equal(t, LevelCritical, resp.RiskLevel)
	assert.True(t, resp.Origin)
}

func TestHandler_Errors(t *testing.T) {
	g := testutil.NewGraph(t)
	r := setupRouter(newEngine(g))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/taint/xyz", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/taint/"+testutil.Hash("missing"), nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "tx_not_found", body["error"])
}

func TestHandler_Trace(t *testing.T) {
	g := testutil.NewGraph(t)
	stolen := g.Coinbase("stolen", pay("a", 100))
	g.Spend("child", from(out(stolen, 0)), pay("b", 100))
	e := newEngine(g)
	r := setupRouter(e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/taint/"+stolen.Hash+"/trace?maxHops=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Trace Trace `json:"trace"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Trace.Nodes, 2)
}
