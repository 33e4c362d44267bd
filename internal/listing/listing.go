// Package listing exposes the marketplace's listings to the escrow
// engine.
//
// Listing CRUD, search, and moderation live in the marketplace
// service; this engine only ever reads a listing by id to price an
// order, so the package is a read-only source.
package listing

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("listing: not found")

// Kind is the type of social-media asset being sold.
type Kind string

const (
	KindChannel Kind = "channel"
	KindHandle  Kind = "handle"
	KindAccount Kind = "account"
	KindService Kind = "service"
)

// Listing is a marketplace listing as the engine sees it.
type Listing struct {
	ID       string `json:"id"`
	SellerID string `json:"sellerId"`
	Title    string `json:"title"`
	Kind     Kind   `json:"kind"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
	Active   bool   `json:"active"`
}

// Source looks up listings by id.
type Source interface {
	Get(ctx context.Context, id string) (*Listing, error)
}

// MemorySource is an in-memory source for demo/development mode.
type MemorySource struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemorySource creates an empty in-memory listing source.
func NewMemorySource() *MemorySource {
	return &MemorySource{listings: make(map[string]*Listing)}
}

// Put adds or replaces a listing. Used by dev seeding and tests.
func (m *MemorySource) Put(l *Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.listings[l.ID] = &cp
}

func (m *MemorySource) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}
