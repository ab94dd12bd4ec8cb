package alerts

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/pagination"
)

// Handler provides HTTP endpoints for alerts and address flags.
type Handler struct {
	bus *Bus
}

func NewHandler(bus *Bus) *Handler {
	return &Handler{bus: bus}
}

// RegisterRoutes sets up public alert routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListRecent)
	r.GET("/alerts/:id", h.GetAlert)
	r.GET("/transactions/:txHash/alerts", h.ListByTx)
	r.GET("/addresses/:address/fraud", h.CheckAddress)
	r.GET("/addresses/:address/alerts", h.ListByAddress)
}

// RegisterAdminRoutes sets up admin flag management.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/addresses/:address/flag", h.Flag)
	r.DELETE("/addresses/:address/flag", h.Unflag)
}

func limitParam(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	return limit
}

// ListRecent handles GET /v1/alerts?limit=&cursor=
func (h *Handler) ListRecent(c *gin.Context) {
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	limit := limitParam(c)
	list, err := h.bus.Store().ListRecent(c.Request.Context(), before, limit+1)
	if err != nil {
		faults.Abort(c, err)
		return
	}
	list, next, more := pagination.ComputePage(list, limit, func(a *Alert) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list), "nextCursor": next, "hasMore": more})
}

// GetAlert handles GET /v1/alerts/:id
func (h *Handler) GetAlert(c *gin.Context) {
	a, err := h.bus.Store().Get(c.Request.Context(), c.Param("id"))
	if err == ErrAlertNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Alert not found"})
		return
	}
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// ListByTx handles GET /v1/transactions/:txHash/alerts
func (h *Handler) ListByTx(c *gin.Context) {
	list, err := h.bus.Store().ListByTx(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list)})
}

// ListByAddress handles GET /v1/addresses/:address/alerts
func (h *Handler) ListByAddress(c *gin.Context) {
	list, err := h.bus.Store().ListByAddress(c.Request.Context(), c.Param("address"), limitParam(c))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list)})
}

// CheckAddress handles GET /v1/addresses/:address/fraud
func (h *Handler) CheckAddress(c *gin.Context) {
	st, err := h.bus.AddressStatus(c.Request.Context(), c.Param("address"))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type flagRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Flag handles POST /v1/admin/addresses/:address/flag
func (h *Handler) Flag(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	if err := h.bus.FlagAddress(c.Request.Context(), c.Param("address"), req.Reason, c.GetString("adminID")); err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flagged": true})
}

// Unflag handles DELETE /v1/admin/addresses/:address/flag
func (h *Handler) Unflag(c *gin.Context) {
	removed, err := h.bus.UnflagAddress(c.Request.Context(), c.Param("address"))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Address is not flagged"})
		return
	}
	c.Status(http.StatusNoContent)
}
