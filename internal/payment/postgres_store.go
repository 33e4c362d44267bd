package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ndbytes/tonbroker/internal/ton"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a payment store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the payments table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			listing_id TEXT,
			buyer_id TEXT NOT NULL,
			seller_id TEXT,
			kind TEXT NOT NULL CHECK (kind IN ('order', 'deposit')),
			amount NUMERIC(27, 9) NOT NULL CHECK (amount > 0),
			currency TEXT NOT NULL,
			fee_percent TEXT NOT NULL,
			fee_amount NUMERIC(27, 9) NOT NULL,
			seller_amount NUMERIC(27, 9) NOT NULL,
			escrow_address TEXT,
			deposit_code TEXT,
			tx_hash TEXT,
			buyer_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			seller_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL CHECK (status IN ('pending', 'paid', 'released', 'refunded', 'cancelled')),
			admin_action TEXT NOT NULL DEFAULT 'none',
			locked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_payments_buyer ON payments(buyer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_payments_seller ON payments(seller_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
	`)
	if err != nil {
		return fmt.Errorf("payment: failed to migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, listing_id, buyer_id, seller_id, kind,
			amount, currency, fee_percent, fee_amount, seller_amount,
			escrow_address, deposit_code, tx_hash,
			buyer_confirmed, seller_confirmed,
			status, admin_action, locked, created_at, confirmed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		p.ID, nullable(p.ListingID), p.BuyerID, nullable(p.SellerID), string(p.Kind),
		p.Amount, p.Currency, p.FeePercent, p.FeeAmount, p.SellerAmount,
		nullable(p.EscrowAddress), nullable(p.DepositCode), nullable(p.TxHash),
		p.BuyerConfirmed, p.SellerConfirmed,
		string(p.Status), string(p.AdminAction), p.Locked, p.CreatedAt, p.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("payment: failed to insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, selectPayment+` WHERE id = $1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Payment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			tx_hash = $2,
			buyer_confirmed = $3,
			seller_confirmed = $4,
			status = $5,
			admin_action = $6,
			locked = $7,
			confirmed_at = $8
		WHERE id = $1`,
		p.ID, nullable(p.TxHash), p.BuyerConfirmed, p.SellerConfirmed,
		string(p.Status), string(p.AdminAction), p.Locked, p.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("payment: failed to update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("payment: failed to update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		selectPayment+` WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("payment: failed to list: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectPayment = `
	SELECT id, listing_id, buyer_id, seller_id, kind,
		amount::TEXT, currency, fee_percent, fee_amount::TEXT, seller_amount::TEXT,
		escrow_address, deposit_code, tx_hash,
		buyer_confirmed, seller_confirmed,
		status, admin_action, locked, created_at, confirmed_at
	FROM payments`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p           Payment
		listingID   sql.NullString
		sellerID    sql.NullString
		escrowAddr  sql.NullString
		depositCode sql.NullString
		txHash      sql.NullString
		confirmedAt sql.NullTime
		kind        string
		status      string
		action      string
	)
	err := row.Scan(
		&p.ID, &listingID, &p.BuyerID, &sellerID, &kind,
		&p.Amount, &p.Currency, &p.FeePercent, &p.FeeAmount, &p.SellerAmount,
		&escrowAddr, &depositCode, &txHash,
		&p.BuyerConfirmed, &p.SellerConfirmed,
		&status, &action, &p.Locked, &p.CreatedAt, &confirmedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("payment: failed to scan: %w", err)
	}
	p.ListingID = listingID.String
	p.SellerID = sellerID.String
	p.EscrowAddress = escrowAddr.String
	p.DepositCode = depositCode.String
	p.TxHash = txHash.String
	p.Kind = Kind(kind)
	p.Status = Status(status)
	p.AdminAction = AdminAction(action)
	if confirmedAt.Valid {
		t := confirmedAt.Time.UTC()
		p.ConfirmedAt = &t
	}
	p.Amount = normalizeAmount(p.Amount)
	p.FeeAmount = normalizeAmount(p.FeeAmount)
	p.SellerAmount = normalizeAmount(p.SellerAmount)
	return &p, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// normalizeAmount reformats NUMERIC::TEXT values to the fixed
// nine-decimal display form.
func normalizeAmount(s string) string {
	if v, ok := ton.Parse(s); ok {
		return ton.Format(v)
	}
	return s
}
