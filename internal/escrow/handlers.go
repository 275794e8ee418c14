package escrow

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/otcdesk/escrowd/internal/derive"
	"github.com/otcdesk/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service   *Service
	analytics *Analytics
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, analytics *Analytics) *Handler {
	return &Handler{service: service, analytics: analytics}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/accounts/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
	r.GET("/stats/global", h.GlobalStats)
	r.GET("/stats/daily-creations", h.DailyCreations)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/exchange", h.ExchangeEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
}

type createEscrowRequest struct {
	SourceAccount   string `json:"sourceAccount" binding:"required"`
	ReceiveAccount  string `json:"receiveAccount" binding:"required"`
	OfferAsset      string `json:"offerAsset" binding:"required"`
	OfferAmount     uint64 `json:"offerAmount"`
	AcceptAsset     string `json:"acceptAsset" binding:"required"`
	AcceptAmount    uint64 `json:"acceptAmount"`
	DurationSeconds int64  `json:"durationSeconds"`
	Seed            string `json:"seed" binding:"required"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("sourceAccount", req.SourceAccount),
		validation.ValidAddress("receiveAccount", req.ReceiveAccount),
		validation.ValidAsset("offerAsset", req.OfferAsset),
		validation.ValidAsset("acceptAsset", req.AcceptAsset),
		validation.ValidSeed("seed", req.Seed),
		validation.PositiveAmount("offerAmount", req.OfferAmount),
		validation.PositiveAmount("acceptAmount", req.AcceptAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	seed, err := derive.ParseSeed(req.Seed)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "seed: must be 16 hex characters (8 bytes)",
		})
		return
	}

	owner := c.GetString("authOwnerAddr") // Set by auth middleware

	rec, err := h.service.Create(c.Request.Context(), CreateRequest{
		Owner:          owner,
		SourceAccount:  req.SourceAccount,
		ReceiveAccount: req.ReceiveAccount,
		OfferAsset:     req.OfferAsset,
		OfferAmount:    req.OfferAmount,
		AcceptAsset:    req.AcceptAsset,
		AcceptAmount:   req.AcceptAmount,
		Duration:       time.Duration(req.DurationSeconds) * time.Second,
		Seed:           seed,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

type exchangeEscrowRequest struct {
	PaymentAccount string `json:"paymentAccount" binding:"required"`
	PaymentAsset   string `json:"paymentAsset" binding:"required"`
	PaymentAmount  uint64 `json:"paymentAmount"`
	PayTo          string `json:"payTo" binding:"required"`
	ReceiveAccount string `json:"receiveAccount" binding:"required"`
	ReceiveAsset   string `json:"receiveAsset" binding:"required"`
}

// ExchangeEscrow handles POST /v1/escrows/:id/exchange
func (h *Handler) ExchangeEscrow(c *gin.Context) {
	var req exchangeEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("paymentAccount", req.PaymentAccount),
		validation.ValidAddress("payTo", req.PayTo),
		validation.ValidAddress("receiveAccount", req.ReceiveAccount),
		validation.ValidAsset("paymentAsset", req.PaymentAsset),
		validation.ValidAsset("receiveAsset", req.ReceiveAsset),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	taker := c.GetString("authOwnerAddr")

	rec, err := h.service.Exchange(c.Request.Context(), c.Param("id"), ExchangeRequest{
		Taker:          taker,
		PaymentAccount: req.PaymentAccount,
		PaymentAsset:   req.PaymentAsset,
		PaymentAmount:  req.PaymentAmount,
		PayTo:          req.PayTo,
		ReceiveAccount: req.ReceiveAccount,
		ReceiveAsset:   req.ReceiveAsset,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	caller := Caller{Addr: c.GetString("authOwnerAddr")}

	rec, err := h.service.Cancel(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListEscrows handles GET /v1/accounts/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	records, err := h.service.ListByOwner(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if records == nil {
		records = []*Record{}
	}

	// Optional status filter, e.g. ?status=pending
	if raw := c.Query("status"); raw != "" {
		want := Status(strings.ToLower(raw))
		if !want.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_status",
				"message": "Unknown status filter",
			})
			return
		}
		filtered := make([]*Record, 0, len(records))
		for _, r := range records {
			if r.Status == want {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": records,
		"count":   len(records),
	})
}

// GlobalStats handles GET /v1/stats/global
func (h *Handler) GlobalStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// DailyCreations handles GET /v1/stats/daily-creations
func (h *Handler) DailyCreations(c *gin.Context) {
	counts, err := h.analytics.DailyCreations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"days":  counts,
		"count": len(counts),
	})
}

// writeServiceError maps state machine errors onto HTTP responses.
func writeServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrDuplicateEscrow):
		status = http.StatusConflict
		code = "duplicate_escrow"
	case errors.Is(err, ErrInvalidOwner):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrNotExpired):
		status = http.StatusForbidden
		code = "not_expired"
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	case errors.Is(err, ErrAssetMismatch),
		errors.Is(err, ErrInvalidExchangeAmount),
		errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrDurationOutOfRange),
		errors.Is(err, ErrOverflow):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
