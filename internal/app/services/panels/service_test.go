package panels

import (
	"context"
	"errors"
	"testing"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/referral"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/services/referrals"
	"github.com/EFHC-Network/ledger_core/internal/app/services/wallet"
	"github.com/EFHC-Network/ledger_core/internal/app/storage/memory"
)

const bankID = int64(900)

var testTerms = Terms{
	Price:        100_000,
	LifespanDays: 180,
	MaxActive:    3,
	BaseDailyKWh: 598,
	VIPBoostPct:  7,
}

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	walletSvc := wallet.New(store, store, bankID, nil)
	if _, err := walletSvc.EnsureBank(context.Background(), 100_000_000); err != nil {
		t.Fatalf("ensure bank: %v", err)
	}
	referralSvc := referrals.New(store, store, walletSvc, 100, []referral.MilestoneTier{{Threshold: 1, Reward: 1_000}}, nil)
	return New(store, store, walletSvc, referralSvc, testTerms, nil), store
}

func fund(t *testing.T, store *memory.Store, id, amount int64) {
	t.Helper()
	u, err := store.GetUser(context.Background(), id)
	if err != nil {
		u = user.User{ID: id}
		if u, err = store.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("create user %d: %v", id, err)
		}
	}
	u.MainBalance = amount
	if _, err := store.UpdateUser(context.Background(), u); err != nil {
		t.Fatalf("fund user %d: %v", id, err)
	}
}

func TestPurchase(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	fund(t, store, 1, 250_000)

	p, err := svc.Purchase(ctx, 1, "")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if p.DailyRateKWh != 598 || p.RemainingDays != 180 || !p.Active {
		t.Fatalf("unexpected panel: %+v", p)
	}

	u, _ := store.GetUser(ctx, 1)
	if u.MainBalance != 150_000 {
		t.Fatalf("balance after purchase = %d", u.MainBalance)
	}
	if !u.Active {
		t.Fatal("user not marked active after first purchase")
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	svc, store := newService(t)
	fund(t, store, 1, 50_000)

	if _, err := svc.Purchase(context.Background(), 1, ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	u, _ := store.GetUser(context.Background(), 1)
	if u.MainBalance != 50_000 {
		t.Fatalf("balance changed on failed purchase: %d", u.MainBalance)
	}
}

func TestPurchaseRespectsCap(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	fund(t, store, 1, 1_000_000)

	for i := 0; i < testTerms.MaxActive; i++ {
		if _, err := svc.Purchase(ctx, 1, ""); err != nil {
			t.Fatalf("purchase %d: %v", i, err)
		}
	}
	if _, err := svc.Purchase(ctx, 1, ""); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}

	// The rejected purchase must not have charged the buyer.
	u, _ := store.GetUser(ctx, 1)
	if u.MainBalance != 1_000_000-int64(testTerms.MaxActive)*testTerms.Price {
		t.Fatalf("balance after cap rejection: %d", u.MainBalance)
	}
	if count, _ := svc.CountActive(ctx, 1); count != testTerms.MaxActive {
		t.Fatalf("active panels = %d", count)
	}
}

func TestPurchaseIdempotencyKey(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	fund(t, store, 1, 1_000_000)

	first, err := svc.Purchase(ctx, 1, "req-1")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	second, err := svc.Purchase(ctx, 1, "req-1")
	if err != nil {
		t.Fatalf("retry purchase: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("retry created a new panel: %s vs %s", first.ID, second.ID)
	}

	u, _ := store.GetUser(ctx, 1)
	if u.MainBalance != 900_000 {
		t.Fatalf("retry charged again: %d", u.MainBalance)
	}
}

func TestPurchaseFreezesVIPRate(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	fund(t, store, 1, 1_000_000)

	u, _ := store.GetUser(ctx, 1)
	u.VIP = true
	if _, err := store.UpdateUser(ctx, u); err != nil {
		t.Fatalf("set vip: %v", err)
	}

	p, err := svc.Purchase(ctx, 1, "")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if p.DailyRateKWh != 640 || !p.VIPAtPurchase {
		t.Fatalf("vip rate not frozen: %+v", p)
	}

	// Losing VIP later must not touch the existing panel.
	u, _ = store.GetUser(ctx, 1)
	u.VIP = false
	if _, err := store.UpdateUser(ctx, u); err != nil {
		t.Fatalf("unset vip: %v", err)
	}
	got, _ := svc.Get(ctx, p.ID)
	if got.DailyRateKWh != 640 {
		t.Fatalf("rate changed after vip loss: %d", got.DailyRateKWh)
	}
}

func TestPurchaseActivatesReferral(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	fund(t, store, 1, 0)
	fund(t, store, 2, 200_000)

	referralSvc := svc.referrals
	if _, err := referralSvc.Bind(ctx, 1, 2); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if _, err := svc.Purchase(ctx, 2, ""); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	inviter, _ := store.GetUser(ctx, 1)
	// direct bonus plus threshold-1 milestone
	if inviter.BonusBalance != 100+1_000 {
		t.Fatalf("inviter bonus = %d", inviter.BonusBalance)
	}
}
