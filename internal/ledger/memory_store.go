package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ndbytes/tonbroker/internal/ton"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// A single mutex serializes all appends, which trivially satisfies the
// per-user atomicity Reserve requires.
type MemoryStore struct {
	entries []*Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make([]*Entry, 0)}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Reserve(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(e.UserID, e.Currency)
	amt, _ := ton.Parse(e.Amount)
	if bal.Cmp(amt) < 0 {
		return &InsufficientFundsError{
			Available: ton.Format(bal),
			Required:  e.Amount,
		}
	}

	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) BalanceOf(ctx context.Context, userID, currency string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ton.Format(m.balanceLocked(userID, currency)), nil
}

func (m *MemoryStore) balanceLocked(userID, currency string) *big.Int {
	sum := big.NewInt(0)
	for _, e := range m.entries {
		if e.UserID != userID || e.Currency != currency {
			continue
		}
		n, _ := ton.Parse(e.Amount)
		if e.Direction == In {
			sum.Add(sum, n)
		} else {
			sum.Sub(sum, n)
		}
	}
	return sum
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.RefType == RefDeposit && e.RefID == txHash {
			return true, nil
		}
	}
	return false, nil
}
