package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ndbytes/tonbroker/internal/ton"
)

// PostgresStore implements Store with PostgreSQL.
//
// There is no balance column anywhere: BalanceOf is a SUM over the
// append-only ledger_entries table, and Reserve serializes per
// (user, currency) with a transaction-scoped advisory lock so the
// balance check and the debit insert commit together or not at all.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger table. Mirrors migrations/001.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          VARCHAR(36) PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL,
			direction   VARCHAR(3)  NOT NULL CHECK (direction IN ('in', 'out')),
			amount      NUMERIC(27,9) NOT NULL CHECK (amount > 0),
			currency    VARCHAR(16) NOT NULL,
			ref_type    VARCHAR(20) NOT NULL,
			ref_id      VARCHAR(255),
			note        TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, currency);
		CREATE INDEX IF NOT EXISTS idx_ledger_ref ON ledger_entries(ref_type, ref_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, direction, amount, currency, ref_type, ref_id, note, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(27,9), $5, $6, $7, $8, $9)
	`, e.ID, e.UserID, e.Direction, e.Amount, e.Currency, e.RefType, nullable(e.RefID), nullable(e.Note), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) Reserve(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Per-user serialization boundary: held until commit/rollback,
	// so concurrent reserves for one user queue up here.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		e.UserID+":"+e.Currency,
	); err != nil {
		return fmt.Errorf("failed to acquire user lock: %w", err)
	}

	var balance string
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'in' THEN amount ELSE -amount END), 0)::TEXT
		FROM ledger_entries
		WHERE user_id = $1 AND currency = $2
	`, e.UserID, e.Currency).Scan(&balance)
	if err != nil {
		return fmt.Errorf("failed to compute balance: %w", err)
	}

	if ton.Cmp(balance, e.Amount) < 0 {
		return &InsufficientFundsError{
			Available: normalizeAmount(balance),
			Required:  e.Amount,
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, direction, amount, currency, ref_type, ref_id, note, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(27,9), $5, $6, $7, $8, $9)
	`, e.ID, e.UserID, e.Direction, e.Amount, e.Currency, e.RefType, nullable(e.RefID), nullable(e.Note), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append reserve entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) BalanceOf(ctx context.Context, userID, currency string) (string, error) {
	var balance string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'in' THEN amount ELSE -amount END), 0)::TEXT
		FROM ledger_entries
		WHERE user_id = $1 AND currency = $2
	`, userID, currency).Scan(&balance)
	if err != nil {
		return "", fmt.Errorf("failed to compute balance: %w", err)
	}
	return balance, nil
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, direction, amount::TEXT, currency, ref_type, ref_id, note, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var refID, note sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Direction, &e.Amount, &e.Currency, &e.RefType, &refID, &note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RefID = refID.String
		e.Note = note.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE ref_type = 'deposit' AND ref_id = $1
	`, txHash).Scan(&count)
	return count > 0, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// normalizeAmount reformats a NUMERIC::TEXT value to the canonical
// 9-decimal form; malformed values pass through untouched.
func normalizeAmount(s string) string {
	n, ok := ton.Parse(s)
	if !ok {
		return s
	}
	return ton.Format(n)
}
