// Package dispute implements arbitration over escrow payments.
//
// A dispute freezes direct settlement of its payment while open and is
// decided by an admin: seller_wins releases the seller's share,
// buyer_wins refunds the buyer. At most one open dispute exists per
// payment at any time.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ndbytes/tonbroker/internal/actor"
	"github.com/ndbytes/tonbroker/internal/idgen"
	"github.com/ndbytes/tonbroker/internal/metrics"
	"github.com/ndbytes/tonbroker/internal/payment"
	"github.com/ndbytes/tonbroker/internal/syncutil"
	"github.com/ndbytes/tonbroker/internal/traces"
)

var (
	ErrNotFound        = errors.New("dispute: not found")
	ErrForbidden       = errors.New("dispute: not a participant of this dispute")
	ErrAdminRequired   = errors.New("dispute: admin rights required")
	ErrAlreadyOpen     = errors.New("dispute: payment already has an open dispute")
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	ErrNotOpen         = errors.New("dispute: not open")
	ErrPaymentClosed   = errors.New("dispute: payment is already settled")
	ErrBadResolution   = errors.New("dispute: resolution must be seller_wins or buyer_wins")
)

// Status is the state of a dispute.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// Resolution is the arbitration verdict.
type Resolution string

const (
	SellerWins Resolution = "seller_wins"
	BuyerWins  Resolution = "buyer_wins"
)

// Dispute is an arbitration case over one payment.
type Dispute struct {
	ID         string     `json:"id"`
	PaymentID  string     `json:"paymentId"`
	OpenedBy   string     `json:"openedBy"`
	Reason     string     `json:"reason"`
	Evidence   string     `json:"evidence,omitempty"`
	Status     Status     `json:"status"`
	Resolution Resolution `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Message is one entry in a dispute's conversation thread. System
// messages record lifecycle events and have no sender. SenderUsername
// is the sender's handle at post time, kept on the message so the
// thread stays attributable after a rename.
type Message struct {
	ID             string    `json:"id"`
	DisputeID      string    `json:"disputeId"`
	SenderID       string    `json:"senderId,omitempty"`
	SenderUsername string    `json:"senderUsername,omitempty"`
	Body           string    `json:"body"`
	System         bool      `json:"system"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists disputes and their messages. Create must enforce the
// one-open-dispute-per-payment invariant atomically and return
// ErrAlreadyOpen on violation.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	OpenByPayment(ctx context.Context, paymentID string) (*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
	AddMessage(ctx context.Context, m *Message) error
	Messages(ctx context.Context, disputeID string, limit int) ([]*Message, error)
}

// Arbiter is the slice of the payment service a dispute needs: case
// metadata for authorization, and the two settlement verbs.
type Arbiter interface {
	InfoFor(ctx context.Context, paymentID string) (*payment.Info, error)
	Release(ctx context.Context, a actor.Actor, paymentID string) (*payment.Payment, error)
	Refund(ctx context.Context, a actor.Actor, paymentID string) (*payment.Payment, error)
}

// Notifier delivers best-effort notifications.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, data map[string]any)
}

// Service implements the dispute state machine.
type Service struct {
	store    Store
	arbiter  Arbiter
	notifier Notifier
	locks    syncutil.ShardedMutex
	logger   *slog.Logger
}

// NewService creates a dispute service.
func NewService(store Store, arbiter Arbiter) *Service {
	return &Service{store: store, arbiter: arbiter, logger: slog.Default()}
}

// WithNotifier adds a notification sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets a custom logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

func (s *Service) notify(ctx context.Context, userID, event string, d *Dispute) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Notify(ctx, userID, event, map[string]any{
		"disputeId": d.ID,
		"paymentId": d.PaymentID,
		"status":    string(d.Status),
	})
}

func (s *Service) systemMessage(ctx context.Context, disputeID, body string) {
	m := &Message{
		ID:        idgen.WithPrefix("msg_"),
		DisputeID: disputeID,
		Body:      body,
		System:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		s.logger.Warn("failed to record system message", "dispute_id", disputeID, "error", err)
	}
}

// Open starts a dispute over a payment. Only the buyer or seller may
// open one, the payment must not be settled, and a second open dispute
// for the same payment is rejected. Evidence is free text supplied by
// the opener, stored on the case.
func (s *Service) Open(ctx context.Context, a actor.Actor, paymentID, reason, evidence string) (*Dispute, error) {
	info, err := s.arbiter.InfoFor(ctx, paymentID)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !a.Is(info.BuyerID) && !a.Is(info.SellerID) {
		return nil, ErrForbidden
	}
	if info.Terminal {
		return nil, ErrPaymentClosed
	}

	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		PaymentID: paymentID,
		OpenedBy:  a.ID,
		Reason:    reason,
		Evidence:  evidence,
		Status:    StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	s.systemMessage(ctx, d.ID, "dispute opened")
	if reason != "" {
		msg := &Message{
			ID:             idgen.WithPrefix("msg_"),
			DisputeID:      d.ID,
			SenderID:       a.ID,
			SenderUsername: a.Username,
			Body:           reason,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.store.AddMessage(ctx, msg); err != nil {
			s.logger.Warn("failed to record opening message", "dispute_id", d.ID, "error", err)
		}
	}

	counterparty := info.SellerID
	if a.Is(info.SellerID) {
		counterparty = info.BuyerID
	}
	metrics.DisputesTotal.WithLabelValues(string(StatusOpen)).Inc()
	s.notify(ctx, counterparty, "dispute.opened", d)
	s.logger.Info("dispute opened", "dispute_id", d.ID, "payment_id", paymentID, "opened_by", a.ID)
	return d, nil
}

// PostMessage appends a message to an open dispute's thread.
// Participants of the disputed payment and admins may post.
func (s *Service) PostMessage(ctx context.Context, a actor.Actor, disputeID, body string) (*Message, error) {
	if body == "" {
		return nil, fmt.Errorf("dispute: message body must not be empty")
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, a, d); err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrNotOpen
	}

	m := &Message{
		ID:             idgen.WithPrefix("msg_"),
		DisputeID:      d.ID,
		SenderID:       a.ID,
		SenderUsername: a.Username,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Resolve closes an open dispute with a verdict and settles the
// payment accordingly. Admin only. Resolving twice is rejected and
// the ledger effect happens exactly once: the dispute is marked
// resolved before funds move, and reverted to open if settlement
// fails.
func (s *Service) Resolve(ctx context.Context, a actor.Actor, disputeID string, res Resolution, verdict string) (*Dispute, error) {
	if !a.IsAdmin() {
		return nil, ErrAdminRequired
	}
	if res != SellerWins && res != BuyerWins {
		return nil, ErrBadResolution
	}

	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(disputeID))
	defer span.End()

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	now := time.Now().UTC()
	d.Status = StatusResolved
	d.Resolution = res
	d.ResolvedBy = a.ID
	d.ResolvedAt = &now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	var settleErr error
	switch res {
	case SellerWins:
		_, settleErr = s.arbiter.Release(ctx, a, d.PaymentID)
	case BuyerWins:
		_, settleErr = s.arbiter.Refund(ctx, a, d.PaymentID)
	}
	if settleErr != nil {
		d.Status = StatusOpen
		d.Resolution = ""
		d.ResolvedBy = ""
		d.ResolvedAt = nil
		if revertErr := s.store.Update(ctx, d); revertErr != nil {
			s.logger.Error("CRITICAL: dispute stuck resolved with unsettled payment",
				"dispute_id", d.ID, "payment_id", d.PaymentID, "error", revertErr)
		}
		return nil, fmt.Errorf("dispute: settlement failed: %w", settleErr)
	}

	if verdict != "" {
		s.systemMessage(ctx, d.ID, "verdict: "+verdict)
	}
	s.systemMessage(ctx, d.ID, "resolved: "+string(res))

	metrics.DisputesTotal.WithLabelValues(string(StatusResolved)).Inc()
	metrics.DisputeResolutionDuration.Observe(now.Sub(d.CreatedAt).Seconds())

	info, infoErr := s.arbiter.InfoFor(ctx, d.PaymentID)
	if infoErr == nil {
		s.notify(ctx, info.BuyerID, "dispute.resolved", d)
		s.notify(ctx, info.SellerID, "dispute.resolved", d)
	}
	s.logger.Info("dispute resolved",
		"dispute_id", d.ID, "payment_id", d.PaymentID, "resolution", string(res), "resolved_by", a.ID)
	return d, nil
}

// Cancel withdraws an open dispute without moving funds. Allowed to
// the opener and admins.
func (s *Service) Cancel(ctx context.Context, a actor.Actor, disputeID string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !a.Is(d.OpenedBy) && !a.IsAdmin() {
		return nil, ErrForbidden
	}
	if d.Status != StatusOpen {
		return nil, ErrNotOpen
	}

	now := time.Now().UTC()
	d.Status = StatusCancelled
	d.ResolvedBy = a.ID
	d.ResolvedAt = &now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.systemMessage(ctx, d.ID, "dispute cancelled")
	return d, nil
}

// Get returns a dispute to a payment participant or admin.
func (s *Service) Get(ctx context.Context, a actor.Actor, disputeID string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, a, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Thread returns a dispute's messages, oldest first.
func (s *Service) Thread(ctx context.Context, a actor.Actor, disputeID string, limit int) ([]*Message, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, a, d); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.Messages(ctx, disputeID, limit)
}

// ListOpen returns open disputes for the arbitration queue. Admin only.
func (s *Service) ListOpen(ctx context.Context, a actor.Actor, limit int) ([]*Dispute, error) {
	if !a.IsAdmin() {
		return nil, ErrAdminRequired
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListOpen(ctx, limit)
}

// HasOpenDispute reports whether a payment is under arbitration.
func (s *Service) HasOpenDispute(ctx context.Context, paymentID string) (bool, error) {
	_, err := s.store.OpenByPayment(ctx, paymentID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) authorize(ctx context.Context, a actor.Actor, d *Dispute) error {
	if a.IsAdmin() {
		return nil
	}
	info, err := s.arbiter.InfoFor(ctx, d.PaymentID)
	if err != nil {
		return err
	}
	if !a.Is(info.BuyerID) && !a.Is(info.SellerID) {
		return ErrForbidden
	}
	return nil
}
