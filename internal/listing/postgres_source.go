package listing

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresSource reads listings from the marketplace's listings table.
// The table is owned by the marketplace service; the engine never
// writes to it.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a read-only Postgres listing source.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) Get(ctx context.Context, id string) (*Listing, error) {
	l := &Listing{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, kind, price::TEXT, currency, active
		FROM listings WHERE id = $1
	`, id).Scan(&l.ID, &l.SellerID, &l.Title, &l.Kind, &l.Price, &l.Currency, &l.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load listing: %w", err)
	}
	return l, nil
}
