package ranking

import (
	"context"
	"testing"
	"time"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/rank"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/referral"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/storage/memory"
)

const bankID = int64(900)

func seed(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()

	users := []user.User{
		{ID: bankID, Username: "bank", MainBalance: 1_000_000_000},
		{ID: 1, Username: "alice", TotalGeneratedKWh: 5_000, MainBalance: 100, ReferralBonusEarned: 300},
		{ID: 2, Username: "bob", TotalGeneratedKWh: 9_000, MainBalance: 50},
		{ID: 3, Username: "carol", TotalGeneratedKWh: 5_000, MainBalance: 200},
	}
	for _, u := range users {
		if _, err := store.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user %d: %v", u.ID, err)
		}
	}

	// alice invited bob and carol, both active; bob invited nobody.
	now := time.Now()
	for _, invited := range []int64{2, 3} {
		if _, err := store.CreateEdge(ctx, referral.Edge{InviterID: 1, InvitedID: invited}); err != nil {
			t.Fatalf("create edge: %v", err)
		}
		if _, _, err := store.ActivateEdge(ctx, invited, now, nil); err != nil {
			t.Fatalf("activate edge: %v", err)
		}
	}
}

func TestBuildSnapshotsOrdersBoards(t *testing.T) {
	store := memory.New()
	seed(t, store)
	svc := New(store, store, store, bankID, nil)
	ctx := context.Background()

	if err := svc.BuildSnapshots(ctx, "2026-08-25"); err != nil {
		t.Fatalf("build: %v", err)
	}

	energy, err := svc.Leaderboard(ctx, rank.KindEnergy, 0)
	if err != nil {
		t.Fatalf("energy board: %v", err)
	}
	if len(energy.Entries) != 3 {
		t.Fatalf("energy rows = %d (bank must be excluded)", len(energy.Entries))
	}
	// bob leads; alice and carol tie on generation and order by user id,
	// regardless of carol's larger balance.
	if energy.Entries[0].UserID != 2 || energy.Entries[1].UserID != 1 || energy.Entries[2].UserID != 3 {
		t.Fatalf("energy order: %+v", energy.Entries)
	}
	if energy.Entries[0].Position != 1 || energy.Entries[2].Position != 3 {
		t.Fatalf("positions not assigned: %+v", energy.Entries)
	}

	refBoard, err := svc.Leaderboard(ctx, rank.KindReferral, 0)
	if err != nil {
		t.Fatalf("referral board: %v", err)
	}
	if refBoard.Entries[0].UserID != 1 || refBoard.Entries[0].Metric != 2 {
		t.Fatalf("referral order: %+v", refBoard.Entries)
	}
}

func TestBuildSnapshotsIsIdempotentPerDate(t *testing.T) {
	store := memory.New()
	seed(t, store)
	svc := New(store, store, store, bankID, nil)
	ctx := context.Background()

	if err := svc.BuildSnapshots(ctx, "2026-08-25"); err != nil {
		t.Fatalf("build: %v", err)
	}
	first, err := svc.Snapshot(ctx, rank.KindEnergy, "2026-08-25")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Later balance changes must not rewrite a frozen board.
	u, _ := store.GetUser(ctx, 1)
	u.TotalGeneratedKWh = 1_000_000
	if _, err := store.UpdateUser(ctx, u); err != nil {
		t.Fatalf("update user: %v", err)
	}
	if err := svc.BuildSnapshots(ctx, "2026-08-25"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	second, err := svc.Snapshot(ctx, rank.KindEnergy, "2026-08-25")
	if err != nil {
		t.Fatalf("snapshot after rebuild: %v", err)
	}
	if second.ID != first.ID || second.Entries[0].UserID != first.Entries[0].UserID {
		t.Fatalf("frozen snapshot changed: %+v vs %+v", first, second)
	}
}

func TestLeaderboardLimitAndPosition(t *testing.T) {
	store := memory.New()
	seed(t, store)
	svc := New(store, store, store, bankID, nil)
	ctx := context.Background()

	if err := svc.BuildSnapshots(ctx, "2026-08-25"); err != nil {
		t.Fatalf("build: %v", err)
	}

	top, err := svc.Leaderboard(ctx, rank.KindEnergy, 2)
	if err != nil || len(top.Entries) != 2 {
		t.Fatalf("limited board: %d (%v)", len(top.Entries), err)
	}

	entry, ok, err := svc.Position(ctx, rank.KindEnergy, 3)
	if err != nil || !ok {
		t.Fatalf("position: %v %t", err, ok)
	}
	if entry.Position != 3 {
		t.Fatalf("carol position = %d", entry.Position)
	}

	if _, ok, err := svc.Position(ctx, rank.KindEnergy, 999); err != nil || ok {
		t.Fatalf("missing user reported a position")
	}
}

func TestPositionWithoutSnapshots(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, bankID, nil)

	if _, ok, err := svc.Position(context.Background(), rank.KindReferral, 1); err != nil || ok {
		t.Fatalf("empty store position: %t %v", ok, err)
	}
}
