package pool

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/gxc"
)

// Handler serves the system pool over REST.
type Handler struct {
	pool *Pool
}

func NewHandler(p *Pool) *Handler {
	return &Handler{pool: p}
}

// RegisterRoutes sets up public pool routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pool/balance", h.GetBalance)
	r.GET("/pool/funding-history", h.FundingHistory)
	r.GET("/pool/spending-history", h.SpendingHistory)
	r.GET("/pool/stats", h.GetStats)
}

// RegisterAdminRoutes sets up manual funding.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/pool/fund", h.Fund)
}

func historyLimit(c *gin.Context) int {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}
	return limit
}

// GetBalance handles GET /v1/pool/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.pool.Balance(c.Request.Context())
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"poolAddress": h.pool.Address(),
		"balance":     bal,
		"balanceGxc":  gxc.Format(bal),
	})
}

// FundingHistory handles GET /v1/pool/funding-history
func (h *Handler) FundingHistory(c *gin.Context) {
	list, err := h.pool.FundingHistory(c.Request.Context(), historyLimit(c))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": list, "count": len(list)})
}

// SpendingHistory handles GET /v1/pool/spending-history
func (h *Handler) SpendingHistory(c *gin.Context) {
	list, err := h.pool.SpendingHistory(c.Request.Context(), historyLimit(c))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": list, "count": len(list)})
}

// GetStats handles GET /v1/pool/stats
func (h *Handler) GetStats(c *gin.Context) {
	s, err := h.pool.Stats(c.Request.Context())
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type fundRequest struct {
	From      string `json:"from" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
	Note      string `json:"note"`
}

// Fund handles POST /v1/admin/pool/fund
func (h *Handler) Fund(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from and amount are required"})
		return
	}
	units, ok := gxc.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a decimal GXC value"})
		return
	}
	e, err := h.pool.RecordFunding(c.Request.Context(), req.From, units, req.Reference, req.Note)
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": e})
}
