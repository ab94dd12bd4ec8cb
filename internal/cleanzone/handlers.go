package cleanzone

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the clean-zone registry.
type Handler struct {
	registry *StaticRegistry
}

func NewHandler(r *StaticRegistry) *Handler {
	return &Handler{registry: r}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/cleanzones", h.List)
}

func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/cleanzones", h.Add)
	r.DELETE("/cleanzones/:address", h.Remove)
}

// List handles GET /v1/cleanzones
func (h *Handler) List(c *gin.Context) {
	zones := h.registry.List()
	c.JSON(http.StatusOK, gin.H{"zones": zones, "count": len(zones)})
}

// Add handles POST /v1/admin/cleanzones
func (h *Handler) Add(c *gin.Context) {
	var z Zone
	if err := c.ShouldBindJSON(&z); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if err := h.registry.Add(z); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"zone": z})
}

// Remove handles DELETE /v1/admin/cleanzones/:address
func (h *Handler) Remove(c *gin.Context) {
	if !h.registry.Remove(c.Param("address")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Clean zone not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
