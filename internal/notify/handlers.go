package notify

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ndbytes/tonbroker/internal/auth"
	"github.com/ndbytes/tonbroker/internal/idgen"
	"github.com/ndbytes/tonbroker/internal/logging"
	"github.com/ndbytes/tonbroker/internal/security"
)

// Handler exposes subscription management over HTTP. Subscriptions are
// strictly user-scoped; nobody can register a hook for someone else's
// events.
type Handler struct {
	store Store
}

// NewHandler creates a subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts subscription routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.create)
	r.GET("/webhooks", h.list)
	r.PUT("/webhooks/:id", h.update)
	r.DELETE("/webhooks/:id", h.delete)
}

type subscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

func (h *Handler) create(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events := req.Events
	if len(events) == 0 {
		events = []string{"*"}
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    auth.ActorFrom(c).ID,
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		logging.L(c.Request.Context()).Error("failed to create subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) list(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), auth.ActorFrom(c).ID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list subscriptions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// owned loads a subscription and enforces ownership.
func (h *Handler) owned(c *gin.Context) (*Subscription, bool) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return nil, false
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	if a := auth.ActorFrom(c); !a.Is(sub.UserID) && !a.IsAdmin() {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return nil, false
	}
	return sub, true
}

func (h *Handler) update(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}

	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub.URL = req.URL
	if req.Secret != "" {
		sub.Secret = req.Secret
	}
	if len(req.Events) > 0 {
		sub.Events = req.Events
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if err := h.store.Update(c.Request.Context(), sub); err != nil {
		logging.L(c.Request.Context()).Error("failed to update subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) delete(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		logging.L(c.Request.Context()).Error("failed to delete subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}
