package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ndbytes/tonbroker/internal/auth"
)

// Handler provides HTTP endpoints for balance and ledger history.
type Handler struct {
	ledger   *Ledger
	currency string
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, currency string) *Handler {
	return &Handler{ledger: ledger, currency: currency}
}

// RegisterRoutes sets up authenticated ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balance", h.GetBalance)
	r.GET("/ledger", h.GetHistory)
}

// GetBalance handles GET /v1/balance
func (h *Handler) GetBalance(c *gin.Context) {
	a := auth.ActorFrom(c)

	balance, err := h.ledger.BalanceOf(c.Request.Context(), a.ID, h.currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":  balance,
		"currency": h.currency,
	})
}

// GetHistory handles GET /v1/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	a := auth.ActorFrom(c)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), a.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
