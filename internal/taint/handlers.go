package taint

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/faults"
)

// Handler serves taint lookups over REST.
type Handler struct {
	engine  *Engine
	horizon Horizon
}

func NewHandler(engine *Engine, horizon Horizon) *Handler {
	return &Handler{engine: engine, horizon: horizon}
}

// RegisterRoutes sets up public taint routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/taint/:txHash", h.GetTaint)
	r.GET("/taint/:txHash/trace", h.Trace)
}

// RegisterAdminRoutes sets up admin-only taint routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/taint/:txHash/mark", h.MarkStolen)
}

// Check is the public taint summary of a transaction.
type Check struct {
	TxHash      string  `json:"txHash"`
	TaintScore  float64 `json:"taintScore"`
	ScoreBps    Score   `json:"scoreBps"`
	RiskLevel   Level   `json:"riskLevel"`
	Origin      bool    `json:"origin"`
	Parent      string  `json:"parent,omitempty"`
	Hops        int     `json:"hops"`
	Provisional bool    `json:"provisional,omitempty"`
}

// CheckOf summarizes rec.
func CheckOf(rec *Record) Check {
	return Check{
		TxHash:      rec.TxHash,
		TaintScore:  rec.Score.Float(),
		ScoreBps:    rec.Score,
		RiskLevel:   RiskLevel(rec.Score),
		Origin:      rec.Origin,
		Parent:      rec.Parent,
		Hops:        rec.Hops,
		Provisional: rec.Provisional,
	}
}

// GetTaint handles GET /v1/taint/:txHash
func (h *Handler) GetTaint(c *gin.Context) {
	hash := c.Param("txHash")
	if !chain.ValidHash(hash) {
		faults.Abort(c, faults.Validation("invalid_tx_hash", "txHash must be 64 hex characters"))
		return
	}
	rec, err := h.engine.TaintOf(c.Request.Context(), hash)
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, CheckOf(rec))
}

// Trace handles GET /v1/taint/:txHash/trace
func (h *Handler) Trace(c *gin.Context) {
	hash := c.Param("txHash")
	if !chain.ValidHash(hash) {
		faults.Abort(c, faults.Validation("invalid_tx_hash", "txHash must be 64 hex characters"))
		return
	}
	horizon := h.horizon
	if v := c.Query("maxHops"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= h.horizon.MaxHops {
			horizon.MaxHops = n
		}
	}
	tr, err := h.engine.TraceForward(c.Request.Context(), hash, horizon)
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace": tr})
}

// MarkStolen handles POST /v1/admin/taint/:txHash/mark
func (h *Handler) MarkStolen(c *gin.Context) {
	hash := c.Param("txHash")
	if !chain.ValidHash(hash) {
		faults.Abort(c, faults.Validation("invalid_tx_hash", "txHash must be 64 hex characters"))
		return
	}
	rec, err := h.engine.MarkStolen(c.Request.Context(), hash, c.GetString("adminID"))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}
