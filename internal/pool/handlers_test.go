package pool

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(p *Pool) *gin.Engine {
	r := gin.New()
	h := NewHandler(p)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r
}

func do(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_FundAndRead(t *testing.T) {
	p, _ := newTestPool(t)
	r := setupRouter(p)

	w := do(r, http.MethodPost, "/v1/admin/pool/fund", gin.H{"from": funder, "amount": "2.5"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/v1/pool/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		Balance    int64  `json:"balance"`
		BalanceGxc string `json:"balanceGxc"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, int64(250_000_000), bal.Balance)
	assert.Equal(t, "2.50000000", bal.BalanceGxc)

	w = do(r, http.MethodGet, "/v1/pool/funding-history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, http.MethodGet, "/v1/pool/spending-history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = do(r, http.MethodGet, "/v1/pool/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var s Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, int64(250_000_000), s.TotalFunded)
	assert.Equal(t, 1, s.FundingCount)
	assert.False(t, s.IsBalanceLow)
}

func TestHandler_FundRejectsBadInput(t *testing.T) {
	p, _ := newTestPool(t)
	r := setupRouter(p)

	w := do(r, http.MethodPost, "/v1/admin/pool/fund", gin.H{"from": funder})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/pool/fund", gin.H{"from": funder, "amount": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_amount")

	w = do(r, http.MethodPost, "/v1/admin/pool/fund", gin.H{"from": funder, "amount": "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_funding")
}
