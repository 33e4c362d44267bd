package payout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ndbytes/tonbroker/internal/ton"
)

// PostgresStore persists payouts in PostgreSQL. The checklist is a
// JSONB column; item names are application-defined.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a payout store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the payouts table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payouts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			to_address TEXT NOT NULL,
			amount NUMERIC(27, 9) NOT NULL CHECK (amount > 0),
			currency TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('queued', 'sent', 'confirmed', 'failed')),
			tx_hash TEXT,
			fail_reason TEXT,
			checklist JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ,
			confirmed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_payouts_user ON payouts(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status, created_at);
	`)
	if err != nil {
		return fmt.Errorf("payout: failed to migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, p *Payout) error {
	checklist, err := json.Marshal(p.Checklist)
	if err != nil {
		return fmt.Errorf("payout: failed to encode checklist: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payouts (id, user_id, to_address, amount, currency, status, tx_hash, fail_reason, checklist, created_at, sent_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.UserID, p.ToAddress, p.Amount, p.Currency, string(p.Status),
		nullable(p.TxHash), nullable(p.FailReason), checklist, p.CreatedAt, p.SentAt, p.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("payout: failed to insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	p, err := scanPayout(s.db.QueryRowContext(ctx, selectPayout+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Payout) error {
	checklist, err := json.Marshal(p.Checklist)
	if err != nil {
		return fmt.Errorf("payout: failed to encode checklist: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE payouts SET status = $2, tx_hash = $3, fail_reason = $4, checklist = $5, sent_at = $6, confirmed_at = $7
		WHERE id = $1`,
		p.ID, string(p.Status), nullable(p.TxHash), nullable(p.FailReason), checklist, p.SentAt, p.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("payout: failed to update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("payout: failed to update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Payout, error) {
	return s.list(ctx, selectPayout+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Payout, error) {
	return s.list(ctx, selectPayout+` WHERE status IN ('queued', 'sent') ORDER BY created_at ASC LIMIT $1`, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Payout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("payout: failed to list: %w", err)
	}
	defer rows.Close()

	var out []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectPayout = `
	SELECT id, user_id, to_address, amount::TEXT, currency, status, tx_hash, fail_reason, checklist, created_at, sent_at, confirmed_at
	FROM payouts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayout(row rowScanner) (*Payout, error) {
	var (
		p           Payout
		status      string
		txHash      sql.NullString
		failReason  sql.NullString
		checklist   []byte
		sentAt      sql.NullTime
		confirmedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.UserID, &p.ToAddress, &p.Amount, &p.Currency, &status,
		&txHash, &failReason, &checklist, &p.CreatedAt, &sentAt, &confirmedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("payout: failed to scan: %w", err)
	}
	p.Status = Status(status)
	p.TxHash = txHash.String
	p.FailReason = failReason.String
	if err := json.Unmarshal(checklist, &p.Checklist); err != nil {
		return nil, fmt.Errorf("payout: failed to decode checklist: %w", err)
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		p.SentAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time.UTC()
		p.ConfirmedAt = &t
	}
	if v, ok := ton.Parse(p.Amount); ok {
		p.Amount = ton.Format(v)
	}
	return &p, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
