package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndbytes/tonbroker/internal/actor"
	"github.com/ndbytes/tonbroker/internal/chain"
	"github.com/ndbytes/tonbroker/internal/ledger"
	"github.com/ndbytes/tonbroker/internal/listing"
)

const escrowAddr = "EQDrjaLahLkMB-hMCmkzOyBuHJ139ZUYmPHu6RRBKnbdLIYI"

type fixture struct {
	svc      *Service
	ledger   *ledger.Ledger
	listings *listing.MemorySource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore())
	src := listing.NewMemorySource()
	svc := NewService(NewMemoryStore(), src, led, "5.00", "TON", escrowAddr)
	return &fixture{svc: svc, ledger: led, listings: src}
}

func (f *fixture) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := f.ledger.Append(context.Background(), userID, ledger.In, amount, "TON", ledger.RefAdjustment, "", "test funding")
	require.NoError(t, err)
}

func (f *fixture) listChannel(t *testing.T, sellerID, price string) *listing.Listing {
	t.Helper()
	l := &listing.Listing{
		ID:       "lst_test",
		SellerID: sellerID,
		Title:    "crypto news channel",
		Kind:     listing.KindChannel,
		Price:    price,
		Currency: "TON",
		Active:   true,
	}
	f.listings.Put(l)
	return l
}

func (f *fixture) balance(t *testing.T, userID string) string {
	t.Helper()
	bal, err := f.ledger.BalanceOf(context.Background(), userID, "TON")
	require.NoError(t, err)
	return bal
}

func TestCreateOrderSplitsFee(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	f.fund(t, "buyer1", "100")
	l := f.listChannel(t, "seller1", "25.5")

	p, err := f.svc.CreateOrder(context.Background(), buyer, l.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, KindOrder, p.Kind)
	assert.True(t, p.Locked)
	assert.Equal(t, ActionNone, p.AdminAction)
	assert.Equal(t, "25.500000000", p.Amount)
	assert.Equal(t, "1.275000000", p.FeeAmount)
	assert.Equal(t, "24.225000000", p.SellerAmount)
	assert.Equal(t, escrowAddr, p.EscrowAddress)

	// Buyer's funds move into escrow immediately.
	assert.Equal(t, "74.500000000", f.balance(t, "buyer1"))
	assert.Equal(t, "0.000000000", f.balance(t, "seller1"))

	entries, err := f.ledger.History(context.Background(), "buyer1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.RefOrderHold, entries[0].RefType)
	assert.Equal(t, p.ID, entries[0].RefID)
}

func TestCreateOrderInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	f.fund(t, "buyer1", "10")
	l := f.listChannel(t, "seller1", "25.5")

	_, err := f.svc.CreateOrder(context.Background(), buyer, l.ID)

	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "10.000000000", insufficient.Available)
	assert.Equal(t, "25.500000000", insufficient.Required)
	assert.Equal(t, "10.000000000", f.balance(t, "buyer1"))
}

func TestCreateOrderRejectsOwnListing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller1", "100")
	l := f.listChannel(t, "seller1", "25.5")

	_, err := f.svc.CreateOrder(context.Background(), actor.User("seller1"), l.ID)
	assert.ErrorIs(t, err, ErrOwnListing)
}

func TestCreateOrderRejectsInactiveListing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer1", "100")
	l := f.listChannel(t, "seller1", "25.5")
	l.Active = false
	f.listings.Put(l)

	_, err := f.svc.CreateOrder(context.Background(), actor.User("buyer1"), l.ID)
	assert.ErrorIs(t, err, ErrListingInactive)
}

func TestConfirmBuyerOnly(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	f.fund(t, "buyer1", "100")
	l := f.listChannel(t, "seller1", "25.5")
	p, err := f.svc.CreateOrder(context.Background(), buyer, l.ID)
	require.NoError(t, err)

	_, err = f.svc.Confirm(context.Background(), actor.User("seller1"), p.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Confirm(context.Background(), buyer, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.True(t, got.BuyerConfirmed)
	require.NotNil(t, got.ConfirmedAt)

	_, err = f.svc.Confirm(context.Background(), buyer, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReleaseCreditsSellerShare(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	admin := actor.Admin("adm1")
	f.fund(t, "buyer1", "100")
	l := f.listChannel(t, "seller1", "25.5")
	p, err := f.svc.CreateOrder(context.Background(), buyer, l.ID)
	require.NoError(t, err)
	_, err = f.svc.Confirm(context.Background(), buyer, p.ID)
	require.NoError(t, err)

	_, err = f.svc.Release(context.Background(), buyer, p.ID)
	assert.ErrorIs(t, err, ErrAdminRequired)

	got, err := f.svc.Release(context.Background(), admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, ActionRelease, got.AdminAction)
	assert.False(t, got.Locked)

	// Seller receives the net share; the fee stays with the platform.
	assert.Equal(t, "24.225000000", f.balance(t, "seller1"))
	assert.Equal(t, "74.500000000", f.balance(t, "buyer1"))
}

func TestReleaseTwiceRejectedWithSingleCredit(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	admin := actor.Admin("adm1")
	f.fund(t, "buyer1", "100")
	l := f.listChannel(t, "seller1", "25.5")
	p, err := f.svc.CreateOrder(context.Background(), buyer, l.ID)
	require.NoError(t, err)
	_, err = f.svc.Confirm(context.Background(), buyer, p.ID)
	require.NoError(t, err)
	_, err = f.svc.Release(context.Background(), admin, p.ID)
	require.NoError(t, err)

	_, err = f.svc.Release(context.Background(), admin, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.Refund(context.Background(), admin, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, "24.225000000", f.balance(t, "seller1"))
}

func TestRefundReturnsFullAmount(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	admin := actor.Admin("adm1")
	f.fund(t, "buyer1", "100")
	l := f.listChannel(t, "seller1", "25.5")
	p, err := f.svc.CreateOrder(context.Background(), buyer, l.ID)
	require.NoError(t, err)
	_, err = f.svc.Confirm(context.Background(), buyer, p.ID)
	require.NoError(t, err)

	got, err := f.svc.Refund(context.Background(), admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, "100.000000000", f.balance(t, "buyer1"))
	assert.Equal(t, "0.000000000", f.balance(t, "seller1"))
}

type stubDisputes struct{ open bool }

func (s *stubDisputes) HasOpenDispute(context.Context, string) (bool, error) {
	return s.open, nil
}

func TestOpenDisputeBlocksPendingSettlement(t *testing.T) {
	f := newFixture(t)
	disputes := &stubDisputes{open: true}
	f.svc.WithDisputeChecker(disputes)
	buyer := actor.User("buyer1")
	admin := actor.Admin("adm1")
	f.fund(t, "buyer1", "100")
	l := f.listChannel(t, "seller1", "25.5")
	p, err := f.svc.CreateOrder(context.Background(), buyer, l.ID)
	require.NoError(t, err)

	_, err = f.svc.Release(context.Background(), admin, p.ID)
	assert.ErrorIs(t, err, ErrDisputed)
	_, err = f.svc.Cancel(context.Background(), buyer, p.ID)
	assert.ErrorIs(t, err, ErrDisputed)

	// Once the dispute closes, pending settles normally.
	disputes.open = false
	got, err := f.svc.Refund(context.Background(), admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
}

func TestCancelReturnsHold(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	f.fund(t, "buyer1", "100")
	l := f.listChannel(t, "seller1", "25.5")
	p, err := f.svc.CreateOrder(context.Background(), buyer, l.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), actor.User("stranger"), p.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Cancel(context.Background(), buyer, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "100.000000000", f.balance(t, "buyer1"))

	_, err = f.svc.Cancel(context.Background(), buyer, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

type stubVerifier struct {
	match chain.Match
	calls int
}

func (s *stubVerifier) VerifyDepositByComment(_ context.Context, _, _, _ string) chain.Match {
	s.calls++
	return s.match
}

func TestCreateDepositIntent(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")

	p, err := f.svc.CreateDeposit(context.Background(), buyer, "5")
	require.NoError(t, err)
	assert.Equal(t, KindDeposit, p.Kind)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "5.000000000", p.Amount)
	assert.Equal(t, escrowAddr, p.EscrowAddress)
	assert.Regexp(t, `^dep-[0-9a-f]{8}$`, p.DepositCode)

	_, err = f.svc.CreateDeposit(context.Background(), buyer, "-5")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestCheckDepositCreditsOnMatch(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	v := &stubVerifier{}
	f.svc.WithVerifier(v)

	p, err := f.svc.CreateDeposit(context.Background(), buyer, "5")
	require.NoError(t, err)

	// No transfer seen yet.
	got, err := f.svc.CheckDeposit(context.Background(), buyer, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "0.000000000", f.balance(t, "buyer1"))

	// Transfer lands, slightly over the requested amount.
	v.match = chain.Match{OK: true, Amount: "5.200000000", TxHash: "txhash-abc"}
	got, err = f.svc.CheckDeposit(context.Background(), buyer, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Equal(t, "txhash-abc", got.TxHash)
	assert.Equal(t, "5.200000000", f.balance(t, "buyer1"))

	// A second poll is a no-op, not a second credit.
	calls := v.calls
	got, err = f.svc.CheckDeposit(context.Background(), buyer, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Equal(t, calls, v.calls)
	assert.Equal(t, "5.200000000", f.balance(t, "buyer1"))
}

func TestCheckDepositReplayedTxCreditsOnce(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	v := &stubVerifier{match: chain.Match{OK: true, Amount: "5.000000000", TxHash: "txhash-dup"}}
	f.svc.WithVerifier(v)

	first, err := f.svc.CreateDeposit(context.Background(), buyer, "5")
	require.NoError(t, err)
	second, err := f.svc.CreateDeposit(context.Background(), buyer, "5")
	require.NoError(t, err)

	got, err := f.svc.CheckDeposit(context.Background(), buyer, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)

	// The same chain transfer cannot satisfy a second intent.
	got, err = f.svc.CheckDeposit(context.Background(), buyer, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "5.000000000", f.balance(t, "buyer1"))
}

func TestCheckDepositAuthorization(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	v := &stubVerifier{}
	f.svc.WithVerifier(v)

	p, err := f.svc.CreateDeposit(context.Background(), buyer, "5")
	require.NoError(t, err)

	_, err = f.svc.CheckDeposit(context.Background(), actor.User("other"), p.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CheckDeposit(context.Background(), actor.Admin("adm1"), p.ID)
	require.NoError(t, err)
}

func TestGetRestrictedToParticipants(t *testing.T) {
	f := newFixture(t)
	buyer := actor.User("buyer1")
	f.fund(t, "buyer1", "100")
	l := f.listChannel(t, "seller1", "25.5")
	p, err := f.svc.CreateOrder(context.Background(), buyer, l.ID)
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), actor.User("stranger"), p.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Get(context.Background(), actor.User("seller1"), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = f.svc.Get(context.Background(), buyer, "pay_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingStore struct {
	Store
	failCreate bool
}

func (s *failingStore) Create(ctx context.Context, p *Payment) error {
	if s.failCreate {
		return errors.New("disk on fire")
	}
	return s.Store.Create(ctx, p)
}

func TestCreateOrderReleasesHoldWhenStoreFails(t *testing.T) {
	led := ledger.New(ledger.NewMemoryStore())
	src := listing.NewMemorySource()
	svc := NewService(&failingStore{Store: NewMemoryStore(), failCreate: true}, src, led, "5.00", "TON", escrowAddr)

	_, err := led.Append(context.Background(), "buyer1", ledger.In, "100", "TON", ledger.RefAdjustment, "", "test funding")
	require.NoError(t, err)
	src.Put(&listing.Listing{ID: "lst_test", SellerID: "seller1", Title: "x", Kind: listing.KindHandle, Price: "25.5", Currency: "TON", Active: true})

	_, err = svc.CreateOrder(context.Background(), actor.User("buyer1"), "lst_test")
	require.Error(t, err)

	bal, err := led.BalanceOf(context.Background(), "buyer1", "TON")
	require.NoError(t, err)
	assert.Equal(t, "100.000000000", bal)
}
