package reports

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/gxc"
)

// Handler serves fraud reports over REST.
type Handler struct {
	registry *Registry
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up public report routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reports", h.Submit)
	r.GET("/reports/:id/status", h.GetStatus)
	r.GET("/statistics", h.Statistics)
}

// RegisterAdminRoutes sets up review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reports/pending", h.ListPending)
	r.GET("/reports/:id", h.GetReport)
	r.GET("/transactions/:txHash/reports", h.ListByTx)
	r.POST("/reports/:id/approve", h.Approve)
	r.POST("/reports/:id/reject", h.Reject)
	r.POST("/reports/:id/withdraw", h.Withdraw)
	r.POST("/reports/:id/assign", h.Assign)
}

// SubmitBody is the REST form of a report. Amount is a decimal GXC string.
type SubmitBody struct {
	TxHash          string `json:"txHash" binding:"required"`
	ReporterAddress string `json:"reporterAddress" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	Email           string `json:"email"`
	Description     string `json:"description"`
	Evidence        string `json:"evidence"`
}

// ToRequest converts the body, parsing the amount.
func (b SubmitBody) ToRequest() (SubmitRequest, error) {
	units, ok := gxc.Parse(b.Amount)
	if !ok {
		return SubmitRequest{}, faults.Validation("invalid_amount", "amount must be a decimal GXC value")
	}
	return SubmitRequest{
		TxHash:          b.TxHash,
		ReporterAddress: b.ReporterAddress,
		Amount:          units,
		Email:           b.Email,
		Description:     b.Description,
		Evidence:        b.Evidence,
	}, nil
}

// Submit handles POST /v1/reports
func (h *Handler) Submit(c *gin.Context) {
	var body SubmitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "txHash, reporterAddress and amount are required"})
		return
	}
	req, err := body.ToRequest()
	if err != nil {
		faults.Abort(c, err)
		return
	}
	r, err := h.registry.Submit(c.Request.Context(), req)
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"reportId": r.ID,
		"status":   r.FactsStatus,
		"message":  "Report submitted. It will be reviewed by an administrator.",
	})
}

// GetStatus handles GET /v1/reports/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	r, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusOf(r))
}

// Statistics handles GET /v1/statistics
func (h *Handler) Statistics(c *gin.Context) {
	s, err := h.registry.Statistics(c.Request.Context())
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// ListPending handles GET /v1/admin/reports/pending
func (h *Handler) ListPending(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}
	list, err := h.registry.ListPending(c.Request.Context(), limit)
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": list, "count": len(list)})
}

// GetReport handles GET /v1/admin/reports/:id
func (h *Handler) GetReport(c *gin.Context) {
	r, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListByTx handles GET /v1/admin/transactions/:txHash/reports
func (h *Handler) ListByTx(c *gin.Context) {
	list, err := h.registry.ListByTx(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": list, "count": len(list)})
}

type decisionBody struct {
	Notes    string `json:"notes"`
	Reason   string `json:"reason"`
	Reviewer string `json:"reviewer"`
}

func bindDecision(c *gin.Context) decisionBody {
	var body decisionBody
	// An empty body is allowed; required fields are checked by the registry.
	_ = c.ShouldBindJSON(&body)
	return body
}

// Approve handles POST /v1/admin/reports/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	body := bindDecision(c)
	r, err := h.registry.ApproveFacts(c.Request.Context(), c.Param("id"), c.GetString("adminID"), body.Notes)
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusOf(r))
}

// Reject handles POST /v1/admin/reports/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	body := bindDecision(c)
	r, err := h.registry.RejectFacts(c.Request.Context(), c.Param("id"), c.GetString("adminID"), body.Reason)
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusOf(r))
}

// Withdraw handles POST /v1/admin/reports/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	body := bindDecision(c)
	r, err := h.registry.Withdraw(c.Request.Context(), c.Param("id"), c.GetString("adminID"), body.Reason)
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusOf(r))
}

// Assign handles POST /v1/admin/reports/:id/assign
func (h *Handler) Assign(c *gin.Context) {
	body := bindDecision(c)
	r, err := h.registry.Assign(c.Request.Context(), c.Param("id"), c.GetString("adminID"), body.Reviewer)
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}
