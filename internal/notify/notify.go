// Package notify delivers webhook notifications for engine events.
//
// Users register webhook URLs with an event filter; the engine POSTs
// signed JSON events (payment.*, dispute.*, payout.*, deposit.*) as
// they happen. Delivery is strictly best-effort: one attempt, failures
// logged on the subscription, never retried, and never allowed to
// block or fail the operation that produced the event.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ndbytes/tonbroker/internal/idgen"
	"github.com/ndbytes/tonbroker/internal/metrics"
)

// Event is the payload POSTed to subscribers.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is one user's webhook registration. Events is a filter
// of event type patterns; "payment.*" matches the whole family and
// "*" matches everything.
type Subscription struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"`
	Events      []string   `json:"events"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Matches reports whether the subscription's filter covers eventType.
func (s *Subscription) Matches(eventType string) bool {
	for _, pattern := range s.Events {
		if pattern == "*" || pattern == eventType {
			return true
		}
		if family, ok := strings.CutSuffix(pattern, ".*"); ok &&
			strings.HasPrefix(eventType, family+".") {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher signs and sends webhook events.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// WithHTTPClient overrides the delivery client.
func (d *Dispatcher) WithHTTPClient(client *http.Client) *Dispatcher {
	d.client = client
	return d
}

// Notify sends an event to all of the user's matching subscriptions.
// It returns immediately; delivery happens in the background and
// outlives the request that triggered it.
func (d *Dispatcher) Notify(ctx context.Context, userID, eventType string, data map[string]any) {
	subs, err := d.store.ListByUser(ctx, userID)
	if err != nil {
		d.logger.Warn("failed to load webhook subscriptions", "user_id", userID, "error", err)
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	bg := context.WithoutCancel(ctx)
	for _, sub := range subs {
		if !sub.Active || !sub.Matches(eventType) {
			continue
		}
		go d.send(bg, sub, event)
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError(ctx, sub, "failed to encode event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordError(ctx, sub, "failed to build request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tonbroker-Event", event.Type)
	req.Header.Set("X-Tonbroker-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Tonbroker-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, sub)
		return
	}
	d.recordError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
}

// Sign computes the hex HMAC-SHA256 signature subscribers verify.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordError(ctx context.Context, sub *Subscription, msg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	d.logger.Warn("webhook delivery failed", "subscription_id", sub.ID, "url", sub.URL, "error", msg)
	sub.LastError = msg
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook failure", "subscription_id", sub.ID, "error", err)
	}
}
