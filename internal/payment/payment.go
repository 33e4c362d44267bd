// Package payment owns the escrow order lifecycle.
//
// Flow:
//  1. Buyer orders a listing → funds reserved from the buyer's ledger
//  2. Buyer confirms receipt of the asset → order marked paid
//  3. An admin (directly or via dispute arbitration) releases the
//     seller's share or refunds the buyer
//  4. Deposit intents are the on-ramp: a code-tagged on-chain transfer
//     is matched by the chain verifier and credited to the ledger
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ndbytes/tonbroker/internal/actor"
	"github.com/ndbytes/tonbroker/internal/chain"
	"github.com/ndbytes/tonbroker/internal/idgen"
	"github.com/ndbytes/tonbroker/internal/ledger"
	"github.com/ndbytes/tonbroker/internal/listing"
	"github.com/ndbytes/tonbroker/internal/metrics"
	"github.com/ndbytes/tonbroker/internal/syncutil"
	"github.com/ndbytes/tonbroker/internal/ton"
	"github.com/ndbytes/tonbroker/internal/traces"
)

var (
	ErrNotFound          = errors.New("payment: not found")
	ErrForbidden         = errors.New("payment: not a participant of this payment")
	ErrAdminRequired     = errors.New("payment: admin rights required")
	ErrInvalidTransition = errors.New("payment: invalid status for this operation")
	ErrListingInactive   = errors.New("payment: listing is not active")
	ErrOwnListing        = errors.New("payment: cannot buy your own listing")
	ErrDisputed          = errors.New("payment: an open dispute blocks this operation")
)

// Status is the state of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
)

// Kind distinguishes escrow orders from deposit intents.
type Kind string

const (
	KindOrder   Kind = "order"
	KindDeposit Kind = "deposit"
)

// AdminAction records which arbitration action closed the payment.
type AdminAction string

const (
	ActionNone    AdminAction = "none"
	ActionRelease AdminAction = "release"
	ActionRefund  AdminAction = "refund"
	ActionFreeze  AdminAction = "freeze"
)

// Payment is an escrow order or a deposit intent.
// FeeAmount + SellerAmount always equals Amount to the last nanoton.
type Payment struct {
	ID              string      `json:"id"`
	ListingID       string      `json:"listingId,omitempty"`
	BuyerID         string      `json:"buyerId"`
	SellerID        string      `json:"sellerId,omitempty"`
	Kind            Kind        `json:"kind"`
	Amount          string      `json:"amount"`
	Currency        string      `json:"currency"`
	FeePercent      string      `json:"feePercent"`
	FeeAmount       string      `json:"feeAmount"`
	SellerAmount    string      `json:"sellerAmount"`
	EscrowAddress   string      `json:"escrowAddress,omitempty"`
	DepositCode     string      `json:"depositCode,omitempty"`
	TxHash          string      `json:"txHash,omitempty"`
	BuyerConfirmed  bool        `json:"buyerConfirmed"`
	SellerConfirmed bool        `json:"sellerConfirmed"`
	Status          Status      `json:"status"`
	AdminAction     AdminAction `json:"adminAction"`
	Locked          bool        `json:"locked"`
	CreatedAt       time.Time   `json:"createdAt"`
	ConfirmedAt     *time.Time  `json:"confirmedAt,omitempty"`
}

// IsTerminal returns true if the payment is in a final state.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// IsParticipant reports whether the user is the buyer or seller.
func (p *Payment) IsParticipant(userID string) bool {
	return userID != "" && (userID == p.BuyerID || userID == p.SellerID)
}

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error)
}

// LedgerService abstracts the ledger so payment doesn't depend on its
// wiring. All money movement flows through here; the payment row never
// carries a balance.
type LedgerService interface {
	Reserve(ctx context.Context, userID, amount, currency string, refType ledger.RefType, refID, note string) (*ledger.Entry, error)
	Append(ctx context.Context, userID string, dir ledger.Direction, amount, currency string, refType ledger.RefType, refID, note string) (*ledger.Entry, error)
	Deposit(ctx context.Context, userID, amount, currency, txHash string) (*ledger.Entry, error)
}

// DepositVerifier matches code-tagged on-chain transfers.
type DepositVerifier interface {
	VerifyDepositByComment(ctx context.Context, escrowAddr, code, minAmount string) chain.Match
}

// DisputeChecker reports whether a payment has an open dispute.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, paymentID string) (bool, error)
}

// Notifier delivers best-effort notifications. Failures are the
// notifier's problem; the engine never retries.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, data map[string]any)
}

// Service implements the payment state machine.
type Service struct {
	store    Store
	listings listing.Source
	ledger   LedgerService
	verifier DepositVerifier
	disputes DisputeChecker
	notifier Notifier

	feePercent string
	currency   string
	escrowAddr string

	locks  syncutil.ShardedMutex
	logger *slog.Logger
}

// NewService creates a new payment service.
func NewService(store Store, listings listing.Source, ledgerSvc LedgerService, feePercent, currency, escrowAddr string) *Service {
	return &Service{
		store:      store,
		listings:   listings,
		ledger:     ledgerSvc,
		feePercent: feePercent,
		currency:   currency,
		escrowAddr: escrowAddr,
		logger:     slog.Default(),
	}
}

// WithVerifier adds a chain verifier for deposit intents.
func (s *Service) WithVerifier(v DepositVerifier) *Service {
	s.verifier = v
	return s
}

// WithDisputeChecker adds the open-dispute gate for direct admin
// release/refund of pending payments.
func (s *Service) WithDisputeChecker(d DisputeChecker) *Service {
	s.disputes = d
	return s
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

func (s *Service) notify(ctx context.Context, userID, event string, p *Payment) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Notify(ctx, userID, event, map[string]any{
		"paymentId": p.ID,
		"status":    string(p.Status),
		"amount":    p.Amount,
		"currency":  p.Currency,
	})
}

// CreateOrder opens an escrow order for a listing and reserves the
// buyer's funds. The balance check and the hold debit are one atomic
// ledger operation; an InsufficientFundsError carries the shortfall.
func (s *Service) CreateOrder(ctx context.Context, a actor.Actor, listingID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.CreateOrder", traces.UserID(a.ID))
	defer span.End()

	l, err := s.listings.Get(ctx, listingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !l.Active {
		return nil, ErrListingInactive
	}
	if a.Is(l.SellerID) {
		return nil, ErrOwnListing
	}

	amt, ok := ton.Parse(l.Price)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("payment: listing %s has invalid price %q", l.ID, l.Price)
	}
	fee, sellerAmt, err := ton.SplitFee(l.Price, s.feePercent)
	if err != nil {
		return nil, fmt.Errorf("payment: fee split: %w", err)
	}

	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		ListingID:     l.ID,
		BuyerID:       a.ID,
		SellerID:      l.SellerID,
		Kind:          KindOrder,
		Amount:        ton.Format(amt),
		Currency:      s.currency,
		FeePercent:    s.feePercent,
		FeeAmount:     fee,
		SellerAmount:  sellerAmt,
		EscrowAddress: s.escrowAddr,
		Status:        StatusPending,
		AdminAction:   ActionNone,
		Locked:        true,
		CreatedAt:     time.Now().UTC(),
	}

	if _, err := s.ledger.Reserve(ctx, p.BuyerID, p.Amount, p.Currency, ledger.RefOrderHold, p.ID, "escrow hold"); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, p); err != nil {
		// Best-effort release of the hold if the record never existed.
		if _, compErr := s.ledger.Append(ctx, p.BuyerID, ledger.In, p.Amount, p.Currency, ledger.RefRefund, p.ID, "order create rollback"); compErr != nil {
			s.logger.Error("CRITICAL: order hold stranded after store failure",
				"payment_id", p.ID, "buyer_id", p.BuyerID, "error", compErr)
		}
		return nil, fmt.Errorf("payment: failed to create order: %w", err)
	}

	metrics.PaymentsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.notify(ctx, p.BuyerID, "payment.created", p)
	s.notify(ctx, p.SellerID, "payment.created", p)
	return p, nil
}

// Confirm marks a pending order as paid. Only the buyer may confirm.
func (s *Service) Confirm(ctx context.Context, a actor.Actor, paymentID string) (*Payment, error) {
	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !a.Is(p.BuyerID) {
		return nil, ErrForbidden
	}
	if p.Status != StatusPending {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	p.Status = StatusPaid
	p.BuyerConfirmed = true
	p.ConfirmedAt = &now

	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(StatusPaid)).Inc()
	s.logger.Info("buyer confirmed payment", "payment_id", p.ID, "buyer_id", p.BuyerID)
	s.notify(ctx, p.SellerID, "payment.confirmed", p)
	return p, nil
}

// Release credits the seller's share and closes the escrow. Admin
// only; used directly and by dispute arbitration. A terminal payment
// is rejected explicitly rather than silently repeating the credit.
func (s *Service) Release(ctx context.Context, a actor.Actor, paymentID string) (*Payment, error) {
	return s.settle(ctx, a, paymentID, ActionRelease)
}

// Refund credits the full amount back to the buyer and closes the
// escrow. Admin only; same rejection semantics as Release.
func (s *Service) Refund(ctx context.Context, a actor.Actor, paymentID string) (*Payment, error) {
	return s.settle(ctx, a, paymentID, ActionRefund)
}

func (s *Service) settle(ctx context.Context, a actor.Actor, paymentID string, action AdminAction) (*Payment, error) {
	if !a.IsAdmin() {
		return nil, ErrAdminRequired
	}

	ctx, span := traces.StartSpan(ctx, "payment.Settle", traces.PaymentID(paymentID))
	defer span.End()

	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Kind != KindOrder {
		return nil, ErrInvalidTransition
	}
	if p.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	if p.Status == StatusPending {
		// Pending settles only when no dispute is underway; an open
		// dispute owns the decision.
		open, err := s.hasOpenDispute(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if open {
			return nil, ErrDisputed
		}
	}

	switch action {
	case ActionRelease:
		if _, err := s.ledger.Append(ctx, p.SellerID, ledger.In, p.SellerAmount, p.Currency, ledger.RefOrderRelease, p.ID, "escrow release"); err != nil {
			return nil, fmt.Errorf("payment: failed to release funds: %w", err)
		}
		p.Status = StatusReleased
	case ActionRefund:
		if _, err := s.ledger.Append(ctx, p.BuyerID, ledger.In, p.Amount, p.Currency, ledger.RefRefund, p.ID, "escrow refund"); err != nil {
			return nil, fmt.Errorf("payment: failed to refund funds: %w", err)
		}
		p.Status = StatusRefunded
	default:
		return nil, ErrInvalidTransition
	}

	p.AdminAction = action
	p.Locked = false

	if err := s.store.Update(ctx, p); err != nil {
		// Funds already moved; retry once, then escalate instead of
		// applying a wrong compensation.
		if retryErr := s.store.Update(ctx, p); retryErr != nil {
			s.logger.Error("CRITICAL: payment settled but status update failed",
				"payment_id", p.ID, "action", string(action), "error", retryErr)
			return nil, fmt.Errorf("payment: settled but record stale (requires manual resolution): %w", err)
		}
	}

	metrics.PaymentsTotal.WithLabelValues(string(p.Status)).Inc()
	s.notify(ctx, p.BuyerID, "payment."+string(p.Status), p)
	s.notify(ctx, p.SellerID, "payment."+string(p.Status), p)
	return p, nil
}

// Cancel closes a pending order and returns the hold to the buyer.
// Allowed to the buyer and admins while no dispute is open.
func (s *Service) Cancel(ctx context.Context, a actor.Actor, paymentID string) (*Payment, error) {
	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !a.Is(p.BuyerID) && !a.IsAdmin() {
		return nil, ErrForbidden
	}
	if p.Kind != KindOrder || p.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	open, err := s.hasOpenDispute(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrDisputed
	}

	if _, err := s.ledger.Append(ctx, p.BuyerID, ledger.In, p.Amount, p.Currency, ledger.RefRefund, p.ID, "order cancelled"); err != nil {
		return nil, fmt.Errorf("payment: failed to return hold: %w", err)
	}

	p.Status = StatusCancelled
	p.Locked = false
	if err := s.store.Update(ctx, p); err != nil {
		if retryErr := s.store.Update(ctx, p); retryErr != nil {
			s.logger.Error("CRITICAL: cancel refunded but status update failed",
				"payment_id", p.ID, "error", retryErr)
			return nil, fmt.Errorf("payment: refunded but record stale (requires manual resolution): %w", err)
		}
	}

	metrics.PaymentsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.notify(ctx, p.BuyerID, "payment.cancelled", p)
	s.notify(ctx, p.SellerID, "payment.cancelled", p)
	return p, nil
}

func (s *Service) hasOpenDispute(ctx context.Context, paymentID string) (bool, error) {
	if s.disputes == nil {
		return false, nil
	}
	return s.disputes.HasOpenDispute(ctx, paymentID)
}

// CreateDeposit opens a deposit intent: the caller is told to send
// amount TON to the escrow address with the generated code as the
// transfer comment, then polls CheckDeposit.
func (s *Service) CreateDeposit(ctx context.Context, a actor.Actor, amount string) (*Payment, error) {
	amt, ok := ton.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		BuyerID:       a.ID,
		Kind:          KindDeposit,
		Amount:        ton.Format(amt),
		Currency:      s.currency,
		FeePercent:    "0.00",
		FeeAmount:     ton.Format(nil),
		SellerAmount:  ton.Format(amt),
		EscrowAddress: s.escrowAddr,
		DepositCode:   idgen.DepositCode(),
		Status:        StatusPending,
		AdminAction:   ActionNone,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("payment: failed to create deposit intent: %w", err)
	}
	return p, nil
}

// CheckDeposit polls the chain for a transfer matching the intent's
// code. Idempotent: an already-credited intent returns as-is, and the
// ledger's tx-hash dedupe means one chain transfer can satisfy at most
// one intent even under concurrent polls.
func (s *Service) CheckDeposit(ctx context.Context, a actor.Actor, paymentID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.CheckDeposit", traces.PaymentID(paymentID))
	defer span.End()

	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !a.Is(p.BuyerID) && !a.IsAdmin() {
		return nil, ErrForbidden
	}
	if p.Kind != KindDeposit {
		return nil, ErrInvalidTransition
	}
	if p.Status == StatusPaid {
		return p, nil
	}
	if p.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	if s.verifier == nil {
		return p, nil
	}

	m := s.verifier.VerifyDepositByComment(ctx, p.EscrowAddress, p.DepositCode, p.Amount)
	if !m.OK {
		metrics.DepositChecksTotal.WithLabelValues("pending").Inc()
		return p, nil
	}
	metrics.DepositChecksTotal.WithLabelValues("matched").Inc()

	if _, err := s.ledger.Deposit(ctx, p.BuyerID, m.Amount, p.Currency, m.TxHash); err != nil {
		if errors.Is(err, ledger.ErrDuplicateDeposit) {
			// The matched transfer already satisfied another intent.
			s.logger.Warn("deposit match replayed an already-credited tx",
				"payment_id", p.ID, "tx_hash", m.TxHash)
			return p, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	p.Status = StatusPaid
	p.TxHash = m.TxHash
	p.ConfirmedAt = &now
	if err := s.store.Update(ctx, p); err != nil {
		if retryErr := s.store.Update(ctx, p); retryErr != nil {
			s.logger.Error("CRITICAL: deposit credited but intent update failed",
				"payment_id", p.ID, "tx_hash", m.TxHash, "error", retryErr)
			return nil, fmt.Errorf("payment: deposit credited but record stale: %w", err)
		}
	}

	s.notify(ctx, p.BuyerID, "deposit.credited", p)
	return p, nil
}

// Get returns a payment to a participant or admin.
func (s *Service) Get(ctx context.Context, a actor.Actor, paymentID string) (*Payment, error) {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.IsParticipant(a.ID) && !a.IsAdmin() {
		return nil, ErrForbidden
	}
	return p, nil
}

// ListByUser returns payments the user participates in.
func (s *Service) ListByUser(ctx context.Context, a actor.Actor, limit int) ([]*Payment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, a.ID, limit)
}

// Info is the minimal participant view arbitration needs.
type Info struct {
	ID       string
	BuyerID  string
	SellerID string
	Status   Status
	Terminal bool
}

// InfoFor returns arbitration info without participant gating; the
// dispute engine applies its own authorization.
func (s *Service) InfoFor(ctx context.Context, paymentID string) (*Info, error) {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return &Info{
		ID:       p.ID,
		BuyerID:  p.BuyerID,
		SellerID: p.SellerID,
		Status:   p.Status,
		Terminal: p.IsTerminal(),
	}, nil
}
