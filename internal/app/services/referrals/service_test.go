package referrals

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/referral"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/services/wallet"
	"github.com/EFHC-Network/ledger_core/internal/app/storage/memory"
)

const bankID = int64(900)

var testTiers = []referral.MilestoneTier{
	{Threshold: 2, Reward: 1_000},
	{Threshold: 3, Reward: 5_000},
}

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	walletSvc := wallet.New(store, store, bankID, nil)
	if _, err := walletSvc.EnsureBank(context.Background(), 10_000_000); err != nil {
		t.Fatalf("ensure bank: %v", err)
	}
	svc := New(store, store, walletSvc, 100, testTiers, nil)
	return svc, store
}

func mustCreateUser(t *testing.T, store *memory.Store, id int64) {
	t.Helper()
	if _, err := store.CreateUser(context.Background(), user.User{ID: id}); err != nil {
		t.Fatalf("create user %d: %v", id, err)
	}
}

func TestBindValidation(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	mustCreateUser(t, store, 1)
	mustCreateUser(t, store, 2)

	if _, err := svc.Bind(ctx, 1, 1); !errors.Is(err, ErrSelfReferral) {
		t.Fatalf("expected self-referral error, got %v", err)
	}
	if _, err := svc.Bind(ctx, 1, 2); err != nil {
		t.Fatalf("bind: %v", err)
	}

	// Re-binding through another inviter keeps the original edge.
	mustCreateUser(t, store, 3)
	edge, err := svc.Bind(ctx, 3, 2)
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if edge.InviterID != 1 {
		t.Fatalf("edge inviter changed: %d", edge.InviterID)
	}
}

func TestActivatePaysDirectBonusOnce(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	mustCreateUser(t, store, 1)
	mustCreateUser(t, store, 2)

	if _, err := svc.Bind(ctx, 1, 2); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := svc.Activate(ctx, 2); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := svc.Activate(ctx, 2); err != nil {
		t.Fatalf("repeat activate: %v", err)
	}

	inviter, _ := store.GetUser(ctx, 1)
	if inviter.BonusBalance != 100 {
		t.Fatalf("direct bonus paid %d, want 100", inviter.BonusBalance)
	}

	// Activation without an edge is a no-op.
	mustCreateUser(t, store, 5)
	if err := svc.Activate(ctx, 5); err != nil {
		t.Fatalf("activate without edge: %v", err)
	}
}

func TestActivateRetriesAfterFailedBonus(t *testing.T) {
	store := memory.New()
	walletSvc := wallet.New(store, store, bankID, nil)
	// Bank holds less than the direct bonus, so the first activation
	// cannot pay out.
	if _, err := walletSvc.EnsureBank(context.Background(), 50); err != nil {
		t.Fatalf("ensure bank: %v", err)
	}
	svc := New(store, store, walletSvc, 100, nil, nil)
	ctx := context.Background()
	mustCreateUser(t, store, 1)
	mustCreateUser(t, store, 2)

	if _, err := svc.Bind(ctx, 1, 2); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := svc.Activate(ctx, 2); err == nil {
		t.Fatal("activation succeeded without bank funds")
	}

	// The edge must stay inactive so the next purchase retries the bonus.
	edge, err := store.GetEdgeByInvited(ctx, 2)
	if err != nil || edge.Active {
		t.Fatalf("edge latched despite failed bonus: %+v (%v)", edge, err)
	}

	if _, err := walletSvc.Mint(ctx, 1_000, "top up"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := svc.Activate(ctx, 2); err != nil {
		t.Fatalf("retry activate: %v", err)
	}
	inviter, _ := store.GetUser(ctx, 1)
	if inviter.BonusBalance != 100 {
		t.Fatalf("bonus after retry = %d, want 100", inviter.BonusBalance)
	}
}

func TestMilestonesAwardedOnce(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	mustCreateUser(t, store, 1)
	for id := int64(10); id < 13; id++ {
		mustCreateUser(t, store, id)
		if _, err := svc.Bind(ctx, 1, id); err != nil {
			t.Fatalf("bind %d: %v", id, err)
		}
	}

	for id := int64(10); id < 12; id++ {
		if err := svc.Activate(ctx, id); err != nil {
			t.Fatalf("activate %d: %v", id, err)
		}
	}

	inviter, _ := store.GetUser(ctx, 1)
	// two direct bonuses plus the threshold-2 milestone
	if inviter.BonusBalance != 2*100+1_000 {
		t.Fatalf("bonus balance = %d", inviter.BonusBalance)
	}

	if err := svc.Activate(ctx, 12); err != nil {
		t.Fatalf("activate third: %v", err)
	}
	inviter, _ = store.GetUser(ctx, 1)
	if inviter.BonusBalance != 3*100+1_000+5_000 {
		t.Fatalf("bonus balance after third activation = %d", inviter.BonusBalance)
	}

	milestones, err := svc.Milestones(ctx, 1)
	if err != nil {
		t.Fatalf("milestones: %v", err)
	}
	if len(milestones) != 2 || !milestones[0].Awarded || !milestones[1].Awarded {
		t.Fatalf("unexpected milestones: %+v", milestones)
	}
}

func TestConcurrentActivationsAwardMilestoneOnce(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	mustCreateUser(t, store, 1)

	const n = 8
	for id := int64(100); id < 100+n; id++ {
		mustCreateUser(t, store, id)
		if _, err := svc.Bind(ctx, 1, id); err != nil {
			t.Fatalf("bind %d: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	for id := int64(100); id < 100+n; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = svc.Activate(ctx, id)
		}(id)
	}
	wg.Wait()

	inviter, _ := store.GetUser(ctx, 1)
	want := int64(n*100 + 1_000 + 5_000)
	if inviter.BonusBalance != want {
		t.Fatalf("bonus balance = %d, want %d", inviter.BonusBalance, want)
	}
}

func TestStats(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	mustCreateUser(t, store, 1)
	mustCreateUser(t, store, 2)
	mustCreateUser(t, store, 3)

	if _, err := svc.Bind(ctx, 1, 2); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := svc.Bind(ctx, 1, 3); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := svc.Activate(ctx, 2); err != nil {
		t.Fatalf("activate: %v", err)
	}

	stats, err := svc.Stats(ctx, 1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Invited != 2 || stats.Active != 1 || stats.BonusEarned != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
