package webhooks

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/idgen"
	"github.com/mbd888/taintguard/internal/security"
)

var knownEvents = map[alerts.EventType]bool{
	alerts.EventAlertRaised:         true,
	alerts.EventAddressFlagged:      true,
	alerts.EventReportSubmitted:     true,
	alerts.EventReportFactsApproved: true,
	alerts.EventReportFactsRejected: true,
	alerts.EventReportWithdrawn:     true,
	alerts.EventReversalExecuted:    true,
	alerts.EventReversalInfeasible:  true,
	alerts.EventPoolLowBalance:      true,
}

// Handler provides admin endpoints for webhook management.
type Handler struct {
	store  Store
	policy security.EndpointPolicy
	clock  clock.Clock
}

// NewHandler creates a new webhook handler. policy vets endpoint URLs.
func NewHandler(store Store, policy security.EndpointPolicy) *Handler {
	return &Handler{store: store, policy: policy, clock: clock.NewDefaultClock()}
}

// RegisterAdminRoutes sets up webhook routes under the admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.Create)
	r.GET("/webhooks", h.List)
	r.DELETE("/webhooks/:id", h.Delete)
}

// CreateRequest for creating a webhook subscription
type CreateRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// Create handles POST /v1/admin/webhooks
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		faults.Abort(c, faults.Validation("invalid_request", "url is required"))
		return
	}
	if err := h.policy.Validate(c.Request.Context(), req.URL); err != nil {
		faults.Abort(c, faults.Validation("invalid_url", "%v", err))
		return
	}
	events := make([]alerts.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := alerts.EventType(e)
		if !knownEvents[et] {
			faults.Abort(c, faults.Validation("unknown_event", "unknown event type %q", e))
			return
		}
		events = append(events, et)
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedBy: c.GetString("adminID"),
		CreatedAt: h.clock.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		faults.Abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // shown once
		"usage": gin.H{
			"header":    HeaderSignature,
			"signature": "sha256=HMAC-SHA256(secret, timestamp + \".\" + body)",
			"timestamp": HeaderTimestamp,
		},
	})
}

// List handles GET /v1/admin/webhooks
func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		faults.Abort(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// Delete handles DELETE /v1/admin/webhooks/:id
func (h *Handler) Delete(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		faults.Abort(c, faults.NotFound("webhook_not_found", "webhook not found"))
		return
	}
	if err != nil {
		faults.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
