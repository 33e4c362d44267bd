package chain

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ndbytes/tonbroker/internal/ton"
	"github.com/ndbytes/tonbroker/internal/validation"
)

// DefaultScanDepth bounds how many transactions a comment match will
// walk before giving up.
const DefaultScanDepth = 200

const pageSize = 50

// Match is the result of a deposit verification.
type Match struct {
	OK     bool   `json:"ok"`
	Amount string `json:"amount,omitempty"`
	TxHash string `json:"txHash,omitempty"`
}

// Verifier checks on-chain deposits against the escrow address.
//
// Failure semantics: indexer/network errors inside GetBalance and
// VerifyDepositByComment are soft: logged and reported as "no match
// yet", so a polling caller just retries on its next tick.
type Verifier struct {
	client    *Client
	scanDepth int
	logger    *slog.Logger
}

// VerifierOption configures the verifier.
type VerifierOption func(*Verifier)

// WithScanDepth bounds the comment-match transaction walk.
func WithScanDepth(depth int) VerifierOption {
	return func(v *Verifier) {
		if depth > 0 {
			v.scanDepth = depth
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// NewVerifier creates a deposit verifier over the given client.
func NewVerifier(client *Client, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		client:    client,
		scanDepth: DefaultScanDepth,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// GetBalance returns the address balance in the 9-decimal display
// unit. Empty or garbled indexer responses yield "0.000000000" rather
// than an error.
func (v *Verifier) GetBalance(ctx context.Context, address string) string {
	raw, err := v.client.RawBalance(ctx, address)
	if err != nil {
		v.logger.Warn("balance lookup failed", "address", address, "error", err)
		return ton.Format(big.NewInt(0))
	}
	return ton.FromNano(raw)
}

// VerifyPaymentByHash reports whether the transaction delivered at
// least the expected amount (display units) to the escrow address.
func (v *Verifier) VerifyPaymentByHash(ctx context.Context, escrowAddr, txHash, expected string) (bool, error) {
	want, ok := ton.Parse(expected)
	if !ok {
		return false, nil
	}

	tx, err := v.client.TransactionByHash(ctx, escrowAddr, txHash)
	if err != nil {
		return false, err
	}
	if tx == nil {
		return false, nil
	}

	got, ok := new(big.Int).SetString(tx.InValue(), 10)
	if !ok {
		return false, nil
	}
	return got.Cmp(want) >= 0, nil
}

// VerifyDepositByComment walks the escrow address's recent inbound
// transactions looking for one whose decoded comment equals the code
// (both normalized: trimmed, lowercased) and whose value covers
// minAmount. The walk is bounded by the configured scan depth; the
// first match wins.
func (v *Verifier) VerifyDepositByComment(ctx context.Context, escrowAddr, code, minAmount string) Match {
	wantCode := validation.NormalizeCode(code)
	if wantCode == "" {
		return Match{}
	}
	minN, ok := ton.Parse(minAmount)
	if !ok {
		return Match{}
	}

	scanned := 0
	lt, hash := "", ""
	for scanned < v.scanDepth {
		remaining := v.scanDepth - scanned
		limit := pageSize
		if remaining < limit {
			limit = remaining
		}

		txs, err := v.client.Transactions(ctx, escrowAddr, limit, lt, hash)
		if err != nil {
			v.logger.Warn("transaction scan failed", "address", escrowAddr, "error", err)
			return Match{}
		}
		if len(txs) == 0 {
			return Match{}
		}

		for i := range txs {
			tx := &txs[i]
			scanned++

			comment, ok := tx.Comment()
			if !ok || validation.NormalizeCode(comment) != wantCode {
				continue
			}
			value, ok := new(big.Int).SetString(tx.InValue(), 10)
			if !ok || value.Cmp(minN) < 0 {
				continue
			}
			return Match{
				OK:     true,
				Amount: ton.Format(value),
				TxHash: tx.ID.Hash,
			}
		}

		// Resume the next page from the last transaction seen.
		last := txs[len(txs)-1]
		lt, hash = last.ID.LT, last.ID.Hash
		if len(txs) < limit {
			return Match{}
		}
	}
	return Match{}
}
