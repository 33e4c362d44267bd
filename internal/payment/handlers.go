package payment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ndbytes/tonbroker/internal/auth"
	"github.com/ndbytes/tonbroker/internal/ledger"
	"github.com/ndbytes/tonbroker/internal/logging"
)

// Handler exposes payment operations over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts payment routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.createOrder)
	r.GET("/payments", h.list)
	r.GET("/payments/:id", h.get)
	r.POST("/payments/:id/confirm", h.confirm)
	r.POST("/payments/:id/cancel", h.cancel)
	r.POST("/deposits", h.createDeposit)
	r.POST("/deposits/:id/check", h.checkDeposit)

	admin := r.Group("", auth.RequireAdmin())
	admin.POST("/payments/:id/release", h.release)
	admin.POST("/payments/:id/refund", h.refund)
}

type createOrderRequest struct {
	ListingID string `json:"listingId" binding:"required"`
}

func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "listingId is required"})
		return
	}

	p, err := h.service.CreateOrder(c.Request.Context(), auth.ActorFrom(c), req.ListingID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), auth.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) list(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	payments, err := h.service.ListByUser(c.Request.Context(), auth.ActorFrom(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if payments == nil {
		payments = []*Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *Handler) confirm(c *gin.Context) {
	p, err := h.service.Confirm(c.Request.Context(), auth.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) cancel(c *gin.Context) {
	p, err := h.service.Cancel(c.Request.Context(), auth.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) release(c *gin.Context) {
	p, err := h.service.Release(c.Request.Context(), auth.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) refund(c *gin.Context) {
	p, err := h.service.Refund(c.Request.Context(), auth.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type createDepositRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (h *Handler) createDeposit(c *gin.Context) {
	var req createDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is required"})
		return
	}

	p, err := h.service.CreateDeposit(c.Request.Context(), auth.ActorFrom(c), req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) checkDeposit(c *gin.Context) {
	p, err := h.service.CheckDeposit(c.Request.Context(), auth.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func respondError(c *gin.Context, err error) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient funds",
			"available": insufficient.Available,
			"required":  insufficient.Required,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this payment"})
	case errors.Is(err, ErrAdminRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "admin rights required"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid status for this operation"})
	case errors.Is(err, ErrDisputed):
		c.JSON(http.StatusConflict, gin.H{"error": "an open dispute blocks this operation"})
	case errors.Is(err, ErrListingInactive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "listing is not active"})
	case errors.Is(err, ErrOwnListing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "cannot buy your own listing"})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal"})
	default:
		logging.L(c.Request.Context()).Error("payment handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
