package dispute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndbytes/tonbroker/internal/actor"
	"github.com/ndbytes/tonbroker/internal/ledger"
	"github.com/ndbytes/tonbroker/internal/listing"
	"github.com/ndbytes/tonbroker/internal/payment"
)

type fixture struct {
	svc      *Service
	payments *payment.Service
	ledger   *ledger.Ledger

	buyer  actor.Actor
	seller actor.Actor
	admin  actor.Actor
}

// newFixture wires a real payment service over in-memory stores so
// dispute resolution exercises actual settlement, not a mock.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore())
	src := listing.NewMemorySource()
	src.Put(&listing.Listing{
		ID: "lst_1", SellerID: "seller1", Title: "meme page",
		Kind: listing.KindAccount, Price: "25.5", Currency: "TON", Active: true,
	})

	pay := payment.NewService(payment.NewMemoryStore(), src, led, "5.00", "TON", "EQtestaddr")
	svc := NewService(NewMemoryStore(), pay)
	pay.WithDisputeChecker(svc)

	_, err := led.Append(context.Background(), "buyer1", ledger.In, "100", "TON", ledger.RefAdjustment, "", "test funding")
	require.NoError(t, err)

	return &fixture{
		svc:      svc,
		payments: pay,
		ledger:   led,
		buyer:    actor.User("buyer1"),
		seller:   actor.User("seller1"),
		admin:    actor.Admin("adm1"),
	}
}

func (f *fixture) order(t *testing.T) *payment.Payment {
	t.Helper()
	p, err := f.payments.CreateOrder(context.Background(), f.buyer, "lst_1")
	require.NoError(t, err)
	return p
}

func (f *fixture) balance(t *testing.T, userID string) string {
	t.Helper()
	bal, err := f.ledger.BalanceOf(context.Background(), userID, "TON")
	require.NoError(t, err)
	return bal
}

func TestOpenForbiddenToStrangers(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)

	_, err := f.svc.Open(context.Background(), actor.User("stranger"), p.ID, "scam", "")
	assert.ErrorIs(t, err, ErrForbidden)

	d, err := f.svc.Open(context.Background(), f.buyer, p.ID, "asset never transferred", "")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, "buyer1", d.OpenedBy)
}

func TestOpenSecondDisputeRejected(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)

	_, err := f.svc.Open(context.Background(), f.buyer, p.ID, "scam", "")
	require.NoError(t, err)

	_, err = f.svc.Open(context.Background(), f.seller, p.ID, "buyer lies", "")
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestOpenOnSettledPaymentRejected(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)
	_, err := f.payments.Refund(context.Background(), f.admin, p.ID)
	require.NoError(t, err)

	_, err = f.svc.Open(context.Background(), f.buyer, p.ID, "too late", "")
	assert.ErrorIs(t, err, ErrPaymentClosed)
}

func TestResolveSellerWinsReleasesOnce(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)
	_, err := f.payments.Confirm(context.Background(), f.buyer, p.ID)
	require.NoError(t, err)
	d, err := f.svc.Open(context.Background(), f.seller, p.ID, "buyer confirmed but filed chargeback", "")
	require.NoError(t, err)

	_, err = f.svc.Resolve(context.Background(), f.buyer, d.ID, SellerWins, "")
	assert.ErrorIs(t, err, ErrAdminRequired)

	got, err := f.svc.Resolve(context.Background(), f.admin, d.ID, SellerWins, "buyer confirmed delivery")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, SellerWins, got.Resolution)
	assert.Equal(t, "adm1", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, "24.225000000", f.balance(t, "seller1"))

	// A second verdict is rejected and moves no funds.
	_, err = f.svc.Resolve(context.Background(), f.admin, d.ID, BuyerWins, "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, "24.225000000", f.balance(t, "seller1"))
	assert.Equal(t, "74.500000000", f.balance(t, "buyer1"))
}

func TestResolveBuyerWinsRefunds(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)
	_, err := f.payments.Confirm(context.Background(), f.buyer, p.ID)
	require.NoError(t, err)
	d, err := f.svc.Open(context.Background(), f.buyer, p.ID, "seller vanished", "")
	require.NoError(t, err)

	got, err := f.svc.Resolve(context.Background(), f.admin, d.ID, BuyerWins, "no proof of transfer")
	require.NoError(t, err)
	assert.Equal(t, BuyerWins, got.Resolution)
	assert.Equal(t, "100.000000000", f.balance(t, "buyer1"))
	assert.Equal(t, "0.000000000", f.balance(t, "seller1"))
}

func TestResolvePendingPaymentUnderDispute(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)
	d, err := f.svc.Open(context.Background(), f.buyer, p.ID, "seller stalling", "")
	require.NoError(t, err)

	// Direct settlement of a disputed pending payment is blocked.
	_, err = f.payments.Refund(context.Background(), f.admin, p.ID)
	assert.ErrorIs(t, err, payment.ErrDisputed)

	// Arbitration is the path that settles it.
	got, err := f.svc.Resolve(context.Background(), f.admin, d.ID, BuyerWins, "")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "100.000000000", f.balance(t, "buyer1"))
}

func TestResolveRejectsUnknownVerdict(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)
	d, err := f.svc.Open(context.Background(), f.buyer, p.ID, "scam", "")
	require.NoError(t, err)

	_, err = f.svc.Resolve(context.Background(), f.admin, d.ID, Resolution("split"), "")
	assert.ErrorIs(t, err, ErrBadResolution)
}

func TestThreadAndMessages(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)
	d, err := f.svc.Open(context.Background(), f.buyer, p.ID, "asset never transferred", "")
	require.NoError(t, err)

	_, err = f.svc.PostMessage(context.Background(), f.seller, d.ID, "transfer is in progress")
	require.NoError(t, err)
	_, err = f.svc.PostMessage(context.Background(), f.admin, d.ID, "seller, post proof within 24h")
	require.NoError(t, err)
	_, err = f.svc.PostMessage(context.Background(), actor.User("stranger"), d.ID, "lol")
	assert.ErrorIs(t, err, ErrForbidden)

	msgs, err := f.svc.Thread(context.Background(), f.buyer, d.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.True(t, msgs[0].System)
	assert.Equal(t, "dispute opened", msgs[0].Body)
	assert.Equal(t, "asset never transferred", msgs[1].Body)
	assert.Equal(t, "buyer1", msgs[1].SenderID)
	assert.Equal(t, "transfer is in progress", msgs[2].Body)

	// Closed threads are read-only.
	_, err = f.svc.Cancel(context.Background(), f.buyer, d.ID)
	require.NoError(t, err)
	_, err = f.svc.PostMessage(context.Background(), f.seller, d.ID, "too late")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestCancelReleasesTheBlock(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)
	d, err := f.svc.Open(context.Background(), f.buyer, p.ID, "changed my mind", "")
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), f.seller, d.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Cancel(context.Background(), f.buyer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	open, err := f.svc.HasOpenDispute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, open)

	// The payment can settle directly again.
	_, err = f.payments.Cancel(context.Background(), f.buyer, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.000000000", f.balance(t, "buyer1"))
}

func TestListOpenAdminOnly(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)
	_, err := f.svc.Open(context.Background(), f.buyer, p.ID, "scam", "")
	require.NoError(t, err)

	_, err = f.svc.ListOpen(context.Background(), f.buyer, 10)
	assert.ErrorIs(t, err, ErrAdminRequired)

	disputes, err := f.svc.ListOpen(context.Background(), f.admin, 10)
	require.NoError(t, err)
	require.Len(t, disputes, 1)
	assert.Equal(t, p.ID, disputes[0].PaymentID)
}

func TestOpenRecordsEvidence(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)

	d, err := f.svc.Open(context.Background(), f.buyer, p.ID,
		"asset never transferred", "chat export: t.me/c/12345, screenshots 1-4")
	require.NoError(t, err)
	assert.Equal(t, "chat export: t.me/c/12345, screenshots 1-4", d.Evidence)

	got, err := f.svc.Get(context.Background(), f.admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Evidence, got.Evidence)
}

func TestMessagesCarrySenderUsername(t *testing.T) {
	f := newFixture(t)
	p := f.order(t)

	buyer := actor.Actor{ID: "buyer1", Username: "alice_sells", Role: actor.RoleUser}
	d, err := f.svc.Open(context.Background(), buyer, p.ID, "asset never transferred", "")
	require.NoError(t, err)

	seller := actor.Actor{ID: "seller1", Username: "bob_channels", Role: actor.RoleUser}
	m, err := f.svc.PostMessage(context.Background(), seller, d.ID, "transfer is in progress")
	require.NoError(t, err)
	assert.Equal(t, "bob_channels", m.SenderUsername)

	msgs, err := f.svc.Thread(context.Background(), buyer, d.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// System messages have no sender; the opening message keeps the
	// opener's handle.
	assert.True(t, msgs[0].System)
	assert.Empty(t, msgs[0].SenderUsername)
	assert.Equal(t, "alice_sells", msgs[1].SenderUsername)
	assert.Equal(t, "bob_channels", msgs[2].SenderUsername)
}
