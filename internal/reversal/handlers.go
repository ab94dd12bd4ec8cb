package reversal

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taintguard/internal/faults"
)

// Handler exposes read-only reversal diagnostics to admins.
type Handler struct {
	governor *Governor
	claims   ClaimStore
}

func NewHandler(governor *Governor, claims ClaimStore) *Handler {
	return &Handler{governor: governor, claims: claims}
}

// RegisterAdminRoutes sets up reversal diagnostics.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reports/:id/feasibility", h.Feasibility)
	r.GET("/reports/:id/claims", h.Claims)
}

// Feasibility handles GET /v1/admin/reports/:id/feasibility. It runs the
// check without changing anything.
func (h *Handler) Feasibility(c *gin.Context) {
	v, err := h.governor.ValidateFeasibility(c.Request.Context(), c.Param("id"))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Claims handles GET /v1/admin/reports/:id/claims
func (h *Handler) Claims(c *gin.Context) {
	list, err := h.claims.ListByReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": list, "count": len(list)})
}
