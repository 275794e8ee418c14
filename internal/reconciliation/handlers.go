package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the operator reconcile endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a reconciliation HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the admin routes; the caller is expected to gate the
// group with auth.RequireAdmin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconcile", h.Reconcile)
}

// Reconcile handles GET /admin/reconcile.
// Faults are reported in the body, not as an HTTP error: the audit completed.
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation run failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"healthy": report.Healthy(),
		"report":  report,
	})
}
