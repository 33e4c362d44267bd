package payout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ndbytes/tonbroker/internal/auth"
	"github.com/ndbytes/tonbroker/internal/ledger"
	"github.com/ndbytes/tonbroker/internal/logging"
	"github.com/ndbytes/tonbroker/internal/validation"
)

// Handler exposes payout operations over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts payout routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payouts", h.request)
	r.GET("/payouts", h.list)
	r.GET("/payouts/:id", h.get)

	admin := r.Group("", auth.RequireAdmin())
	admin.POST("/payouts/:id/advance", h.advance)
	admin.POST("/payouts/:id/checklist", h.checklist)
}

// RegisterAdminRoutes mounts the arbitration queue listing.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/payouts", h.listActive)
}

type requestPayoutRequest struct {
	Amount    string `json:"amount" binding:"required"`
	ToAddress string `json:"toAddress" binding:"required"`
}

func (h *Handler) request(c *gin.Context) {
	var req requestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount and toAddress are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.ValidAddress("toAddress", req.ToAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "fields": errs})
		return
	}

	p, err := h.service.Request(c.Request.Context(), auth.ActorFrom(c), req.Amount, req.ToAddress)
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
	payouts, err := h.service.ListByUser(c.Request.Context(), auth.ActorFrom(c), queryLimit(c, 50))
	if err != nil {
		respondError(c, err)
		return
	}
	if payouts == nil {
		payouts = []*Payout{}
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

func (h *Handler) listActive(c *gin.Context) {
	payouts, err := h.service.ListActive(c.Request.Context(), auth.ActorFrom(c), queryLimit(c, 50))
	if err != nil {
		respondError(c, err)
		return
	}
	if payouts == nil {
		payouts = []*Payout{}
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

type advanceRequest struct {
	Status string `json:"status" binding:"required"`
	TxHash string `json:"txHash"`
	Reason string `json:"reason"`
}

func (h *Handler) advance(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}

	a := auth.ActorFrom(c)
	var (
		p   *Payout
		err error
	)
	switch Status(req.Status) {
	case StatusSent:
		p, err = h.service.MarkSent(c.Request.Context(), a, c.Param("id"), req.TxHash)
	case StatusConfirmed:
		p, err = h.service.MarkConfirmed(c.Request.Context(), a, c.Param("id"))
	case StatusFailed:
		p, err = h.service.MarkFailed(c.Request.Context(), a, c.Param("id"), req.Reason)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be sent, confirmed or failed"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type checklistRequest struct {
	Item    string `json:"item" binding:"required"`
	Checked *bool  `json:"checked" binding:"required"`
}

func (h *Handler) checklist(c *gin.Context) {
	var req checklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "item and checked are required"})
		return
	}

	p, err := h.service.SetChecklist(c.Request.Context(), auth.ActorFrom(c), c.Param("id"), req.Item, *req.Checked)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func queryLimit(c *gin.Context, def int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
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
		c.JSON(http.StatusNotFound, gin.H{"error": "payout not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not the owner of this payout"})
	case errors.Is(err, ErrAdminRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "admin rights required"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid status for this operation"})
	case errors.Is(err, ErrChecklistIncomplete):
		c.JSON(http.StatusConflict, gin.H{"error": "review checklist is not complete"})
	case errors.Is(err, ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": "destination is not a valid TON address"})
	case errors.Is(err, ErrUnknownCheck):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown checklist item"})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal"})
	default:
		logging.L(c.Request.Context()).Error("payout handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
