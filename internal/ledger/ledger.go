// Package ledger tracks user balances as an append-only ledger.
//
// Every cash movement is an immutable signed entry; a balance is
// always derived as sum(in) - sum(out) and never stored as a mutable
// counter. Corrections are new compensating entries, never edits.
//
// Flow:
//  1. Buyer's on-chain deposit is verified and credited (in/deposit)
//  2. An order reserves the buyer's funds (out/order_hold)
//  3. Release credits the seller (in/order_release), refund credits
//     the buyer back (in/refund)
//  4. The seller withdraws (out/payout), reversed on failure
//     (in/adjustment)
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ndbytes/tonbroker/internal/idgen"
	"github.com/ndbytes/tonbroker/internal/metrics"
	"github.com/ndbytes/tonbroker/internal/ton"
)

var (
	ErrInvalidAmount    = errors.New("ledger: invalid amount")
	ErrDuplicateDeposit = errors.New("ledger: deposit already processed")
)

// InsufficientFundsError carries the shortfall so a client can prompt
// a top-up instead of showing a generic failure.
type InsufficientFundsError struct {
	Available string
	Required  string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds: available %s, required %s", e.Available, e.Required)
}

// Direction is the sign of a ledger entry.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// RefType says what kind of money movement an entry records.
type RefType string

const (
	RefDeposit      RefType = "deposit"
	RefOrderHold    RefType = "order_hold"
	RefOrderRelease RefType = "order_release"
	RefRefund       RefType = "refund"
	RefPayout       RefType = "payout"
	RefAdjustment   RefType = "adjustment"
)

// Entry is an immutable record of a signed cash movement for one user.
// Amount is always strictly positive; the sign lives in Direction.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Direction Direction `json:"direction"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	RefType   RefType   `json:"refType"`
	RefID     string    `json:"refId,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists ledger entries.
//
// Reserve is the one compound operation: it must check the derived
// balance and append the out entry inside a single serialization
// boundary per (user, currency), so check-then-act is never split
// across two round trips.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Reserve(ctx context.Context, e *Entry) error
	BalanceOf(ctx context.Context, userID, currency string) (string, error)
	History(ctx context.Context, userID string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)
}

// Cache is an optional read-through balance cache. Implementations
// must tolerate being down: misses and errors just fall back to the
// store.
type Cache interface {
	GetBalance(ctx context.Context, userID, currency string) (string, bool)
	SetBalance(ctx context.Context, userID, currency, balance string)
	Invalidate(ctx context.Context, userID, currency string)
}

// Ledger manages user balances.
type Ledger struct {
	store  Store
	cache  Cache
	logger *slog.Logger
}

// Option configures the ledger.
type Option func(*Ledger)

// WithCache sets a balance cache. The cache is invalidated on every
// append, so a cached balance is never stale past one write.
func WithCache(c Cache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a new ledger over the given store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) newEntry(userID string, dir Direction, amount, currency string, refType RefType, refID, note string) (*Entry, error) {
	n, ok := ton.Parse(amount)
	if !ok || n.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return &Entry{
		ID:        idgen.WithPrefix("led_"),
		UserID:    userID,
		Direction: dir,
		Amount:    ton.Format(n),
		Currency:  currency,
		RefType:   refType,
		RefID:     refID,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Append records a new entry. Pure insert; fails with ErrInvalidAmount
// when amount is not strictly positive.
func (l *Ledger) Append(ctx context.Context, userID string, dir Direction, amount, currency string, refType RefType, refID, note string) (*Entry, error) {
	e, err := l.newEntry(userID, dir, amount, currency, refType, refID, note)
	if err != nil {
		return nil, err
	}
	if err := l.store.Append(ctx, e); err != nil {
		return nil, err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(refType), string(dir)).Inc()
	l.invalidate(ctx, userID, currency)
	return e, nil
}

// Reserve atomically checks the balance and appends an out entry,
// failing with *InsufficientFundsError when the derived balance does
// not cover the amount.
func (l *Ledger) Reserve(ctx context.Context, userID, amount, currency string, refType RefType, refID, note string) (*Entry, error) {
	e, err := l.newEntry(userID, Out, amount, currency, refType, refID, note)
	if err != nil {
		return nil, err
	}
	if err := l.store.Reserve(ctx, e); err != nil {
		return nil, err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(refType), string(Out)).Inc()
	l.invalidate(ctx, userID, currency)
	return e, nil
}

// Deposit credits a verified on-chain deposit. The chain tx hash is
// the dedupe key: a tx that already produced a deposit entry can never
// be credited again, which also blocks deposit-code replay.
func (l *Ledger) Deposit(ctx context.Context, userID, amount, currency, txHash string) (*Entry, error) {
	exists, err := l.store.HasDeposit(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateDeposit
	}
	return l.Append(ctx, userID, In, amount, currency, RefDeposit, txHash, "on-chain deposit")
}

// BalanceOf returns the derived balance, consulting the cache first.
func (l *Ledger) BalanceOf(ctx context.Context, userID, currency string) (string, error) {
	if l.cache != nil {
		if bal, ok := l.cache.GetBalance(ctx, userID, currency); ok {
			return bal, nil
		}
	}
	bal, err := l.store.BalanceOf(ctx, userID, currency)
	if err != nil {
		return "", err
	}
	n, ok := ton.Parse(bal)
	if !ok {
		return "", fmt.Errorf("ledger: store returned malformed balance %q", bal)
	}
	bal = ton.Format(n)
	if l.cache != nil {
		l.cache.SetBalance(ctx, userID, currency, bal)
	}
	return bal, nil
}

// History returns the most recent entries for a user.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}

func (l *Ledger) invalidate(ctx context.Context, userID, currency string) {
	if l.cache != nil {
		l.cache.Invalidate(ctx, userID, currency)
	}
}
