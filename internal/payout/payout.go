// Package payout implements on-chain withdrawals of ledger balance.
//
// The debit is optimistic: Request reserves the full amount up front
// so a queued payout can never overdraw, and MarkFailed puts the money
// back with a compensating entry before the payout turns failed.
// Actual transfer signing happens outside this engine; admins drive
// the queued → sent → confirmed progression as the on-chain transfer
// advances.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ndbytes/tonbroker/internal/actor"
	"github.com/ndbytes/tonbroker/internal/idgen"
	"github.com/ndbytes/tonbroker/internal/ledger"
	"github.com/ndbytes/tonbroker/internal/metrics"
	"github.com/ndbytes/tonbroker/internal/syncutil"
	"github.com/ndbytes/tonbroker/internal/ton"
	"github.com/ndbytes/tonbroker/internal/traces"
	"github.com/ndbytes/tonbroker/internal/validation"
)

var (
	ErrNotFound            = errors.New("payout: not found")
	ErrForbidden           = errors.New("payout: not the owner of this payout")
	ErrAdminRequired       = errors.New("payout: admin rights required")
	ErrInvalidTransition   = errors.New("payout: invalid status for this operation")
	ErrInvalidAddress      = errors.New("payout: destination is not a valid TON address")
	ErrChecklistIncomplete = errors.New("payout: review checklist is not complete")
	ErrUnknownCheck        = errors.New("payout: unknown checklist item")
)

// Status is the state of a payout.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Checklist items an admin must tick off before a payout is sent.
const (
	CheckIdentity = "identity_verified"
	CheckAddress  = "address_confirmed"
)

func newChecklist() map[string]bool {
	return map[string]bool{
		CheckIdentity: false,
		CheckAddress:  false,
	}
}

// Payout is one withdrawal request.
type Payout struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	ToAddress   string          `json:"toAddress"`
	Amount      string          `json:"amount"`
	Currency    string          `json:"currency"`
	Status      Status          `json:"status"`
	TxHash      string          `json:"txHash,omitempty"`
	FailReason  string          `json:"failReason,omitempty"`
	Checklist   map[string]bool `json:"checklist"`
	CreatedAt   time.Time       `json:"createdAt"`
	SentAt      *time.Time      `json:"sentAt,omitempty"`
	ConfirmedAt *time.Time      `json:"confirmedAt,omitempty"`
}

// IsTerminal returns true if the payout is in a final state.
func (p *Payout) IsTerminal() bool {
	return p.Status == StatusConfirmed || p.Status == StatusFailed
}

// ChecklistComplete reports whether every review item is ticked.
func (p *Payout) ChecklistComplete() bool {
	for _, ok := range p.Checklist {
		if !ok {
			return false
		}
	}
	return true
}

// Store persists payouts.
type Store interface {
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	Update(ctx context.Context, p *Payout) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Payout, error)
	ListActive(ctx context.Context, limit int) ([]*Payout, error)
}

// LedgerService is the slice of the ledger payouts need.
type LedgerService interface {
	Reserve(ctx context.Context, userID, amount, currency string, refType ledger.RefType, refID, note string) (*ledger.Entry, error)
	Append(ctx context.Context, userID string, dir ledger.Direction, amount, currency string, refType ledger.RefType, refID, note string) (*ledger.Entry, error)
}

// Notifier delivers best-effort notifications.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, data map[string]any)
}

// Service implements the payout lifecycle.
type Service struct {
	store    Store
	ledger   LedgerService
	notifier Notifier
	currency string
	locks    syncutil.ShardedMutex
	logger   *slog.Logger
}

// NewService creates a payout service.
func NewService(store Store, ledgerSvc LedgerService, currency string) *Service {
	return &Service{
		store:    store,
		ledger:   ledgerSvc,
		currency: currency,
		logger:   slog.Default(),
	}
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

func (s *Service) notify(ctx context.Context, p *Payout, event string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, p.UserID, event, map[string]any{
		"payoutId": p.ID,
		"status":   string(p.Status),
		"amount":   p.Amount,
		"currency": p.Currency,
	})
}

// Request queues a withdrawal and debits the amount immediately. The
// balance check and debit are one atomic ledger operation; a shortfall
// surfaces as InsufficientFundsError with available vs required.
func (s *Service) Request(ctx context.Context, a actor.Actor, amount, toAddress string) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "payout.Request", traces.UserID(a.ID), traces.Amount(amount))
	defer span.End()

	if !validation.IsValidTONAddress(toAddress) {
		return nil, ErrInvalidAddress
	}
	amt, ok := ton.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	p := &Payout{
		ID:        idgen.WithPrefix("pyt_"),
		UserID:    a.ID,
		ToAddress: toAddress,
		Amount:    ton.Format(amt),
		Currency:  s.currency,
		Status:    StatusQueued,
		Checklist: newChecklist(),
		CreatedAt: time.Now().UTC(),
	}

	if _, err := s.ledger.Reserve(ctx, p.UserID, p.Amount, p.Currency, ledger.RefPayout, p.ID, "payout to "+toAddress); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, p); err != nil {
		if _, compErr := s.ledger.Append(ctx, p.UserID, ledger.In, p.Amount, p.Currency, ledger.RefAdjustment, p.ID, "payout create rollback"); compErr != nil {
			s.logger.Error("CRITICAL: payout debit stranded after store failure",
				"payout_id", p.ID, "user_id", p.UserID, "error", compErr)
		}
		return nil, fmt.Errorf("payout: failed to create: %w", err)
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusQueued)).Inc()
	s.logger.Info("payout queued", "payout_id", p.ID, "user_id", p.UserID, "amount", p.Amount)
	s.notify(ctx, p, "payout.queued")
	return p, nil
}

// SetChecklist ticks or unticks a review item on a queued payout.
// Admin only.
func (s *Service) SetChecklist(ctx context.Context, a actor.Actor, payoutID, item string, checked bool) (*Payout, error) {
	if !a.IsAdmin() {
		return nil, ErrAdminRequired
	}

	unlock := s.locks.Lock(payoutID)
	defer unlock()

	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusQueued {
		return nil, ErrInvalidTransition
	}
	if _, ok := p.Checklist[item]; !ok {
		return nil, ErrUnknownCheck
	}

	p.Checklist[item] = checked
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// MarkSent records the outgoing transfer hash and moves a queued
// payout to sent. The review checklist must be complete. Admin only.
func (s *Service) MarkSent(ctx context.Context, a actor.Actor, payoutID, txHash string) (*Payout, error) {
	if !a.IsAdmin() {
		return nil, ErrAdminRequired
	}
	if !validation.IsValidTxHash(txHash) {
		return nil, fmt.Errorf("payout: invalid tx hash")
	}

	unlock := s.locks.Lock(payoutID)
	defer unlock()

	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusQueued {
		return nil, ErrInvalidTransition
	}
	if !p.ChecklistComplete() {
		return nil, ErrChecklistIncomplete
	}

	now := time.Now().UTC()
	p.Status = StatusSent
	p.TxHash = txHash
	p.SentAt = &now
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusSent)).Inc()
	s.notify(ctx, p, "payout.sent")
	return p, nil
}

// MarkConfirmed finalizes a sent payout. Admin only.
func (s *Service) MarkConfirmed(ctx context.Context, a actor.Actor, payoutID string) (*Payout, error) {
	if !a.IsAdmin() {
		return nil, ErrAdminRequired
	}

	unlock := s.locks.Lock(payoutID)
	defer unlock()

	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusSent {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	p.Status = StatusConfirmed
	p.ConfirmedAt = &now
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
	s.logger.Info("payout confirmed", "payout_id", p.ID, "tx_hash", p.TxHash)
	s.notify(ctx, p, "payout.confirmed")
	return p, nil
}

// MarkFailed aborts a queued or sent payout. The compensating credit
// lands before the status flips: a payout observed as failed has
// always already been refunded. Admin only.
func (s *Service) MarkFailed(ctx context.Context, a actor.Actor, payoutID, reason string) (*Payout, error) {
	if !a.IsAdmin() {
		return nil, ErrAdminRequired
	}

	unlock := s.locks.Lock(payoutID)
	defer unlock()

	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusQueued && p.Status != StatusSent {
		return nil, ErrInvalidTransition
	}

	if _, err := s.ledger.Append(ctx, p.UserID, ledger.In, p.Amount, p.Currency, ledger.RefAdjustment, p.ID, "payout failed: "+reason); err != nil {
		return nil, fmt.Errorf("payout: failed to return funds: %w", err)
	}

	p.Status = StatusFailed
	p.FailReason = reason
	if err := s.store.Update(ctx, p); err != nil {
		if retryErr := s.store.Update(ctx, p); retryErr != nil {
			s.logger.Error("CRITICAL: payout refunded but status update failed",
				"payout_id", p.ID, "error", retryErr)
			return nil, fmt.Errorf("payout: refunded but record stale (requires manual resolution): %w", err)
		}
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.logger.Warn("payout failed", "payout_id", p.ID, "reason", reason)
	s.notify(ctx, p, "payout.failed")
	return p, nil
}

// Get returns a payout to its owner or an admin.
func (s *Service) Get(ctx context.Context, a actor.Actor, payoutID string) (*Payout, error) {
	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if !a.Is(p.UserID) && !a.IsAdmin() {
		return nil, ErrForbidden
	}
	return p, nil
}

// ListByUser returns the caller's payouts, newest first.
func (s *Service) ListByUser(ctx context.Context, a actor.Actor, limit int) ([]*Payout, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, a.ID, limit)
}

// ListActive returns payouts awaiting admin action. Admin only.
func (s *Service) ListActive(ctx context.Context, a actor.Actor, limit int) ([]*Payout, error) {
	if !a.IsAdmin() {
		return nil, ErrAdminRequired
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListActive(ctx, limit)
}
