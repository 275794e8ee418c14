package account

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otcdesk/escrowd/internal/auth"
	"github.com/otcdesk/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for account management.
type Handler struct {
	service *Service
	keys    *auth.Manager
}

// NewHandler creates a new account handler. The auth manager issues the
// account's first API key on registration.
func NewHandler(service *Service, keys *auth.Manager) *Handler {
	return &Handler{service: service, keys: keys}
}

// RegisterRoutes sets up public account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.Register)
	r.GET("/accounts", h.List)
	r.GET("/accounts/:address", validation.AddressParamMiddleware(), h.Get)
}

// RegisterProtectedRoutes sets up routes requiring ownership of :address.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup, m *auth.Manager) {
	r.PUT("/accounts/:address", validation.AddressParamMiddleware(), auth.RequireOwnership(m, "address"), h.Rename)
}

type registerRequest struct {
	Address     string `json:"address" binding:"required"`
	DisplayName string `json:"displayName"`
}

// Register handles POST /v1/accounts
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("address", req.Address),
		validation.ValidAddress("address", req.Address),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	acct, err := h.service.Register(c.Request.Context(), req.Address, req.DisplayName)
	if err != nil {
		if errors.Is(err, ErrExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_registered",
				"message": "Account already registered",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "registration_failed",
			"message": "Failed to register account",
		})
		return
	}

	// Issue the account's first API key. The raw key is shown exactly once.
	rawKey, key, err := h.keys.GenerateKey(c.Request.Context(), acct.Address, "Registration key")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "key_issue_failed",
			"message": "Account created but API key issuance failed",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": acct,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// Get handles GET /v1/accounts/:address
func (h *Handler) Get(c *gin.Context) {
	acct, err := h.service.Find(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// List handles GET /v1/accounts
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	accounts, err := h.service.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if accounts == nil {
		accounts = []*Account{}
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

type renameRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
}

// Rename handles PUT /v1/accounts/:address
func (h *Handler) Rename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	acct, err := h.service.Rename(c.Request.Context(), c.Param("address"), req.DisplayName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": acct})
}
