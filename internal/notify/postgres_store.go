package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists webhook subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a subscription store backed by the given
// database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subscriptions table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT,
			events TEXT[] NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			last_success TIMESTAMPTZ,
			last_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_user
			ON webhook_subscriptions(user_id);
	`)
	if err != nil {
		return fmt.Errorf("notify: failed to migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, user_id, url, secret, events, active, created_at, last_success, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret, pq.Array(sub.Events),
		sub.Active, sub.CreatedAt, sub.LastSuccess, nullString(sub.LastError),
	)
	if err != nil {
		return fmt.Errorf("notify: failed to insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, selectSubscription+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		selectSubscription+` WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to list: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET url = $2, secret = $3, events = $4, active = $5, last_success = $6, last_error = $7
		WHERE id = $1`,
		sub.ID, sub.URL, sub.Secret, pq.Array(sub.Events),
		sub.Active, sub.LastSuccess, nullString(sub.LastError),
	)
	if err != nil {
		return fmt.Errorf("notify: failed to update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("notify: failed to update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("notify: failed to delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("notify: failed to delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectSubscription = `
	SELECT id, user_id, url, secret, events, active, created_at, last_success, last_error
	FROM webhook_subscriptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub         Subscription
		secret      sql.NullString
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.URL, &secret, pq.Array(&sub.Events),
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("notify: failed to scan: %w", err)
	}
	sub.Secret = secret.String
	sub.LastError = lastError.String
	if lastSuccess.Valid {
		t := lastSuccess.Time.UTC()
		sub.LastSuccess = &t
	}
	return &sub, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
