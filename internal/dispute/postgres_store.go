package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL. A partial unique
// index enforces the one-open-dispute-per-payment invariant at the
// database level, so concurrent opens cannot both succeed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a dispute store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the dispute tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id TEXT PRIMARY KEY,
			payment_id TEXT NOT NULL,
			opened_by TEXT NOT NULL,
			reason TEXT,
			evidence TEXT,
			status TEXT NOT NULL CHECK (status IN ('open', 'resolved', 'cancelled')),
			resolution TEXT,
			resolved_by TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_one_open
			ON disputes(payment_id) WHERE status = 'open';
		CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status, created_at);

		CREATE TABLE IF NOT EXISTS dispute_messages (
			id TEXT PRIMARY KEY,
			dispute_id TEXT NOT NULL REFERENCES disputes(id),
			sender_id TEXT,
			sender_username TEXT,
			body TEXT NOT NULL,
			system BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dispute_messages_thread
			ON dispute_messages(dispute_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("dispute: failed to migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (id, payment_id, opened_by, reason, evidence, status, resolution, resolved_by, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.PaymentID, d.OpenedBy, d.Reason, nullable(d.Evidence), string(d.Status),
		nullable(string(d.Resolution)), nullable(d.ResolvedBy), d.CreatedAt, d.ResolvedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyOpen
		}
		return fmt.Errorf("dispute: failed to insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectDispute+` WHERE id = $1`, id))
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET status = $2, resolution = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $1`,
		d.ID, string(d.Status), nullable(string(d.Resolution)), nullable(d.ResolvedBy), d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("dispute: failed to update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dispute: failed to update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) OpenByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		selectDispute+` WHERE payment_id = $1 AND status = 'open'`, paymentID))
}

func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx,
		selectDispute+` WHERE status = 'open' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: failed to list: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, sender_id, sender_username, body, system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.DisputeID, nullable(m.SenderID), nullable(m.SenderUsername), m.Body, m.System, m.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("dispute: failed to insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) Messages(ctx context.Context, disputeID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dispute_id, sender_id, sender_username, body, system, created_at
		FROM dispute_messages WHERE dispute_id = $1
		ORDER BY created_at ASC LIMIT $2`, disputeID, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m        Message
			senderID sql.NullString
			username sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.DisputeID, &senderID, &username, &m.Body, &m.System, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: failed to scan message: %w", err)
		}
		m.SenderID = senderID.String
		m.SenderUsername = username.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

const selectDispute = `
	SELECT id, payment_id, opened_by, reason, evidence, status, resolution, resolved_by, created_at, resolved_at
	FROM disputes`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Dispute, error) {
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var (
		d          Dispute
		evidence   sql.NullString
		status     string
		resolution sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.PaymentID, &d.OpenedBy, &d.Reason, &evidence, &status, &resolution, &resolvedBy, &d.CreatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("dispute: failed to scan: %w", err)
	}
	d.Evidence = evidence.String
	d.Status = Status(status)
	d.Resolution = Resolution(resolution.String)
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		d.ResolvedAt = &t
	}
	return &d, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
