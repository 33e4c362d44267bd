package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ndbytes/tonbroker/internal/auth"
	"github.com/ndbytes/tonbroker/internal/logging"
	"github.com/ndbytes/tonbroker/internal/validation"
)

// Handler exposes dispute operations over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts dispute routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/dispute", h.open)
	r.GET("/disputes/:id", h.get)
	r.GET("/disputes/:id/messages", h.thread)
	r.POST("/disputes/:id/messages", h.postMessage)
	r.POST("/disputes/:id/cancel", h.cancel)

	admin := r.Group("", auth.RequireAdmin())
	admin.GET("/disputes", h.listOpen)
	admin.POST("/disputes/:id/resolve", h.resolve)
}

type openRequest struct {
	Reason   string `json:"reason"`
	Evidence string `json:"evidence"`
}

func (h *Handler) open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	evidence := validation.SanitizeString(req.Evidence, validation.MaxStringLength)

	d, err := h.service.Open(c.Request.Context(), auth.ActorFrom(c), c.Param("id"), reason, evidence)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Handler) get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), auth.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) thread(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	msgs, err := h.service.Thread(c.Request.Context(), auth.ActorFrom(c), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type postMessageRequest struct {
	Body string `json:"body" binding:"required"`
}

func (h *Handler) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is required"})
		return
	}
	if errs := validation.Validate(
		validation.Required("body", req.Body),
		validation.MaxLength("body", req.Body, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "fields": errs})
		return
	}
	body := validation.SanitizeString(req.Body, validation.MaxStringLength)

	m, err := h.service.PostMessage(c.Request.Context(), auth.ActorFrom(c), c.Param("id"), body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Verdict    string `json:"verdict"`
}

func (h *Handler) resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolution is required"})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), auth.ActorFrom(c), c.Param("id"), Resolution(req.Resolution), req.Verdict)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) cancel(c *gin.Context) {
	d, err := h.service.Cancel(c.Request.Context(), auth.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) listOpen(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	disputes, err := h.service.ListOpen(c.Request.Context(), auth.ActorFrom(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "dispute not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this dispute"})
	case errors.Is(err, ErrAdminRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "admin rights required"})
	case errors.Is(err, ErrAlreadyOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "payment already has an open dispute"})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute already resolved"})
	case errors.Is(err, ErrNotOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute is not open"})
	case errors.Is(err, ErrPaymentClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "payment is already settled"})
	case errors.Is(err, ErrBadResolution):
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolution must be seller_wins or buyer_wins"})
	default:
		logging.L(c.Request.Context()).Error("dispute handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
