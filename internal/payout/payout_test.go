package payout

import (
	"context"
	"errors"
	"testing"

	"github.com/ndbytes/tonbroker/internal/actor"
	"github.com/ndbytes/tonbroker/internal/ledger"
)

const (
	destAddr = "EQDrjaLahLkMB-hMCmkzOyBuHJ139ZUYmPHu6RRBKnbdLIYI"
	sentHash = "abcdef0123456789abcdef0123456789"
)

func newService(t *testing.T) (*Service, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore())
	return NewService(NewMemoryStore(), led, "TON"), led
}

func fund(t *testing.T, led *ledger.Ledger, userID, amount string) {
	t.Helper()
	if _, err := led.Append(context.Background(), userID, ledger.In, amount, "TON", ledger.RefAdjustment, "", "test funding"); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func balance(t *testing.T, led *ledger.Ledger, userID string) string {
	t.Helper()
	bal, err := led.BalanceOf(context.Background(), userID, "TON")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func TestRequestDebitsImmediately(t *testing.T) {
	svc, led := newService(t)
	fund(t, led, "seller1", "100")

	p, err := svc.Request(context.Background(), actor.User("seller1"), "40", destAddr)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if p.Status != StatusQueued {
		t.Errorf("status = %s, want queued", p.Status)
	}
	if p.Amount != "40.000000000" {
		t.Errorf("amount = %s, want 40.000000000", p.Amount)
	}
	if got := balance(t, led, "seller1"); got != "60.000000000" {
		t.Errorf("balance after request = %s, want 60.000000000", got)
	}
	if p.ChecklistComplete() {
		t.Error("fresh payout should have an unticked checklist")
	}
}

func TestRequestInsufficientFunds(t *testing.T) {
	svc, led := newService(t)
	fund(t, led, "seller1", "60")

	_, err := svc.Request(context.Background(), actor.User("seller1"), "100", destAddr)

	var insufficient *ledger.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	if insufficient.Available != "60.000000000" || insufficient.Required != "100.000000000" {
		t.Errorf("shortfall = {%s %s}, want {60.000000000 100.000000000}",
			insufficient.Available, insufficient.Required)
	}
	if got := balance(t, led, "seller1"); got != "60.000000000" {
		t.Errorf("balance touched by rejected request: %s", got)
	}
}

func TestRequestRejectsBadAddress(t *testing.T) {
	svc, led := newService(t)
	fund(t, led, "seller1", "100")

	if _, err := svc.Request(context.Background(), actor.User("seller1"), "40", "not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("err = %v, want ErrInvalidAddress", err)
	}
	if _, err := svc.Request(context.Background(), actor.User("seller1"), "0", destAddr); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestChecklistGatesSending(t *testing.T) {
	svc, led := newService(t)
	fund(t, led, "seller1", "100")
	admin := actor.Admin("adm1")

	p, err := svc.Request(context.Background(), actor.User("seller1"), "40", destAddr)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if _, err := svc.MarkSent(context.Background(), admin, p.ID, sentHash); !errors.Is(err, ErrChecklistIncomplete) {
		t.Fatalf("MarkSent before review: err = %v, want ErrChecklistIncomplete", err)
	}

	if _, err := svc.SetChecklist(context.Background(), admin, p.ID, "typo_item", true); !errors.Is(err, ErrUnknownCheck) {
		t.Errorf("unknown item: err = %v, want ErrUnknownCheck", err)
	}
	if _, err := svc.SetChecklist(context.Background(), actor.User("seller1"), p.ID, CheckIdentity, true); !errors.Is(err, ErrAdminRequired) {
		t.Errorf("non-admin tick: err = %v, want ErrAdminRequired", err)
	}

	for _, item := range []string{CheckIdentity, CheckAddress} {
		if _, err := svc.SetChecklist(context.Background(), admin, p.ID, item, true); err != nil {
			t.Fatalf("SetChecklist(%s): %v", item, err)
		}
	}

	got, err := svc.MarkSent(context.Background(), admin, p.ID, sentHash)
	if err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if got.Status != StatusSent || got.TxHash != sentHash || got.SentAt == nil {
		t.Errorf("sent payout = %+v", got)
	}
}

func markReady(t *testing.T, svc *Service, admin actor.Actor, id string) {
	t.Helper()
	for _, item := range []string{CheckIdentity, CheckAddress} {
		if _, err := svc.SetChecklist(context.Background(), admin, id, item, true); err != nil {
			t.Fatalf("SetChecklist(%s): %v", item, err)
		}
	}
}

func TestLifecycleToConfirmed(t *testing.T) {
	svc, led := newService(t)
	fund(t, led, "seller1", "100")
	admin := actor.Admin("adm1")

	p, _ := svc.Request(context.Background(), actor.User("seller1"), "40", destAddr)

	// confirmed requires sent first
	if _, err := svc.MarkConfirmed(context.Background(), admin, p.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("confirm from queued: err = %v, want ErrInvalidTransition", err)
	}

	markReady(t, svc, admin, p.ID)
	if _, err := svc.MarkSent(context.Background(), admin, p.ID, sentHash); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	got, err := svc.MarkConfirmed(context.Background(), admin, p.ID)
	if err != nil {
		t.Fatalf("MarkConfirmed: %v", err)
	}
	if got.Status != StatusConfirmed || got.ConfirmedAt == nil {
		t.Errorf("confirmed payout = %+v", got)
	}

	// terminal payouts reject every further transition
	if _, err := svc.MarkFailed(context.Background(), admin, p.ID, "oops"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("fail after confirmed: err = %v, want ErrInvalidTransition", err)
	}
	if got := balance(t, led, "seller1"); got != "60.000000000" {
		t.Errorf("balance = %s, want 60.000000000", got)
	}
}

func TestMarkFailedRefundsBeforeStatus(t *testing.T) {
	svc, led := newService(t)
	fund(t, led, "seller1", "100")
	admin := actor.Admin("adm1")

	p, _ := svc.Request(context.Background(), actor.User("seller1"), "40", destAddr)
	if got := balance(t, led, "seller1"); got != "60.000000000" {
		t.Fatalf("balance after request = %s", got)
	}

	got, err := svc.MarkFailed(context.Background(), admin, p.ID, "destination bounced")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if got.Status != StatusFailed || got.FailReason != "destination bounced" {
		t.Errorf("failed payout = %+v", got)
	}
	if got := balance(t, led, "seller1"); got != "100.000000000" {
		t.Errorf("balance after fail = %s, want full refund", got)
	}

	entries, err := led.History(context.Background(), "seller1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if entries[0].RefType != ledger.RefAdjustment || entries[0].Direction != ledger.In {
		t.Errorf("newest entry = %+v, want compensating in/adjustment", entries[0])
	}

	// a failed payout cannot fail (and refund) twice
	if _, err := svc.MarkFailed(context.Background(), admin, p.ID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double fail: err = %v, want ErrInvalidTransition", err)
	}
	if got := balance(t, led, "seller1"); got != "100.000000000" {
		t.Errorf("balance after double fail = %s", got)
	}
}

func TestAdminOnlyTransitions(t *testing.T) {
	svc, led := newService(t)
	fund(t, led, "seller1", "100")
	seller := actor.User("seller1")

	p, _ := svc.Request(context.Background(), seller, "40", destAddr)

	if _, err := svc.MarkSent(context.Background(), seller, p.ID, sentHash); !errors.Is(err, ErrAdminRequired) {
		t.Errorf("MarkSent: err = %v, want ErrAdminRequired", err)
	}
	if _, err := svc.MarkConfirmed(context.Background(), seller, p.ID); !errors.Is(err, ErrAdminRequired) {
		t.Errorf("MarkConfirmed: err = %v, want ErrAdminRequired", err)
	}
	if _, err := svc.MarkFailed(context.Background(), seller, p.ID, "x"); !errors.Is(err, ErrAdminRequired) {
		t.Errorf("MarkFailed: err = %v, want ErrAdminRequired", err)
	}
}

func TestVisibility(t *testing.T) {
	svc, led := newService(t)
	fund(t, led, "seller1", "100")

	p, _ := svc.Request(context.Background(), actor.User("seller1"), "40", destAddr)

	if _, err := svc.Get(context.Background(), actor.User("other"), p.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger Get: err = %v, want ErrForbidden", err)
	}
	if _, err := svc.Get(context.Background(), actor.Admin("adm1"), p.ID); err != nil {
		t.Errorf("admin Get: %v", err)
	}

	if _, err := svc.ListActive(context.Background(), actor.User("seller1"), 10); !errors.Is(err, ErrAdminRequired) {
		t.Errorf("ListActive: err = %v, want ErrAdminRequired", err)
	}
	active, err := svc.ListActive(context.Background(), actor.Admin("adm1"), 10)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != p.ID {
		t.Errorf("active queue = %+v", active)
	}

	mine, err := svc.ListByUser(context.Background(), actor.User("seller1"), 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(mine) != 1 {
		t.Errorf("own payouts = %d, want 1", len(mine))
	}
}
