package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestAppend_CreditsBalance(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	e, err := l.Append(ctx, "u1", In, "10.5", "TON", RefDeposit, "txabc", "test")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.Amount != "10.500000000" {
		t.Errorf("amount = %q", e.Amount)
	}

	bal, err := l.BalanceOf(ctx, "u1", "TON")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if bal != "10.500000000" {
		t.Errorf("balance = %q", bal)
	}
}

func TestAppend_RejectsNonPositiveAmounts(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	for _, amount := range []string{"0", "0.000000000", "-1", "abc"} {
		if _, err := l.Append(ctx, "u1", In, amount, "TON", RefDeposit, "", ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Append(%q) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestReserve_InsufficientFunds(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if _, err := l.Append(ctx, "seller", In, "60", "TON", RefDeposit, "tx1", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err := l.Reserve(ctx, "seller", "100", "TON", RefPayout, "pyt_1", "")
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	if ife.Available != "60.000000000" || ife.Required != "100.000000000" {
		t.Errorf("shortfall = {%s %s}", ife.Available, ife.Required)
	}

	// Failed reserve must leave the ledger unchanged.
	bal, _ := l.BalanceOf(ctx, "seller", "TON")
	if bal != "60.000000000" {
		t.Errorf("balance after failed reserve = %q", bal)
	}
	entries, _ := l.History(ctx, "seller", 10)
	if len(entries) != 1 {
		t.Errorf("ledger has %d entries, want 1", len(entries))
	}
}

func TestReserve_DebitsAtomically(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	l.Append(ctx, "buyer", In, "30", "TON", RefDeposit, "tx1", "")

	if _, err := l.Reserve(ctx, "buyer", "25.5", "TON", RefOrderHold, "pay_1", "order hold"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	bal, _ := l.BalanceOf(ctx, "buyer", "TON")
	if bal != "4.500000000" {
		t.Errorf("balance = %q", bal)
	}
}

func TestBalance_NeverNegativeUnderConcurrentReserves(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	l.Append(ctx, "u1", In, "10", "TON", RefDeposit, "tx1", "")

	// 20 concurrent reserves of 1 TON against a balance of 10: exactly
	// 10 may succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "u1", "1", "TON", RefOrderHold, "pay_x", ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("%d reserves succeeded, want 10", succeeded)
	}
	bal, _ := l.BalanceOf(ctx, "u1", "TON")
	if bal != "0.000000000" {
		t.Errorf("balance = %q, want zero", bal)
	}
}

func TestDeposit_DedupesByTxHash(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if _, err := l.Deposit(ctx, "u1", "5", "TON", "txdup"); err != nil {
		t.Fatalf("first Deposit: %v", err)
	}
	if _, err := l.Deposit(ctx, "u1", "5", "TON", "txdup"); !errors.Is(err, ErrDuplicateDeposit) {
		t.Fatalf("second Deposit err = %v, want ErrDuplicateDeposit", err)
	}
	// Same tx for a different user is still a replay.
	if _, err := l.Deposit(ctx, "u2", "5", "TON", "txdup"); !errors.Is(err, ErrDuplicateDeposit) {
		t.Fatalf("cross-user replay err = %v, want ErrDuplicateDeposit", err)
	}

	bal, _ := l.BalanceOf(ctx, "u1", "TON")
	if bal != "5.000000000" {
		t.Errorf("balance = %q", bal)
	}
}

func TestHistory_MostRecentFirst(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	l.Append(ctx, "u1", In, "1", "TON", RefDeposit, "tx1", "first")
	l.Append(ctx, "u1", In, "2", "TON", RefDeposit, "tx2", "second")
	l.Append(ctx, "u2", In, "9", "TON", RefDeposit, "tx3", "other user")

	entries, err := l.History(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Note != "second" || entries[1].Note != "first" {
		t.Errorf("unexpected order: %q, %q", entries[0].Note, entries[1].Note)
	}
}

// fakeCache records cache traffic for verification.
type fakeCache struct {
	mu          sync.Mutex
	values      map[string]string
	invalidated int
	hits        int
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string)}
}

func (f *fakeCache) GetBalance(ctx context.Context, userID, currency string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[userID+":"+currency]
	if ok {
		f.hits++
	}
	return v, ok
}

func (f *fakeCache) SetBalance(ctx context.Context, userID, currency, balance string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[userID+":"+currency] = balance
}

func (f *fakeCache) Invalidate(ctx context.Context, userID, currency string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, userID+":"+currency)
	f.invalidated++
}

func TestBalanceCache_InvalidatedOnAppend(t *testing.T) {
	cache := newFakeCache()
	l := New(NewMemoryStore(), WithCache(cache))
	ctx := context.Background()

	l.Append(ctx, "u1", In, "10", "TON", RefDeposit, "tx1", "")

	// First read populates the cache, second read hits it.
	l.BalanceOf(ctx, "u1", "TON")
	bal, _ := l.BalanceOf(ctx, "u1", "TON")
	if bal != "10.000000000" {
		t.Errorf("balance = %q", bal)
	}
	if cache.hits != 1 {
		t.Errorf("cache hits = %d, want 1", cache.hits)
	}

	// Append invalidates; next read recomputes the new balance.
	l.Append(ctx, "u1", Out, "4", "TON", RefPayout, "pyt_1", "")
	bal, _ = l.BalanceOf(ctx, "u1", "TON")
	if bal != "6.000000000" {
		t.Errorf("balance after invalidation = %q", bal)
	}
	if cache.invalidated < 2 {
		t.Errorf("invalidations = %d, want >= 2", cache.invalidated)
	}
}
