package users

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/EFHC-Network/ledger_core/internal/app/services/referrals"
	"github.com/EFHC-Network/ledger_core/internal/app/services/wallet"
	"github.com/EFHC-Network/ledger_core/internal/app/storage/memory"
)

const bankID = int64(900)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	walletSvc := wallet.New(store, store, bankID, nil)
	if _, err := walletSvc.EnsureBank(context.Background(), 1_000_000); err != nil {
		t.Fatalf("ensure bank: %v", err)
	}
	referralSvc := referrals.New(store, store, walletSvc, 100, nil, nil)
	return New(store, referralSvc, nil), store
}

func validAddress() string {
	return "EQ" + strings.Repeat("a", 46)
}

func TestRegisterIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, 1, "alice", 0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := svc.Register(ctx, 1, "alice", 0)
	if err != nil {
		t.Fatalf("repeat register: %v", err)
	}
	if first.ID != second.ID || second.Username != "alice" {
		t.Fatalf("unexpected user: %+v", second)
	}

	renamed, err := svc.Register(ctx, 1, "alice2", 0)
	if err != nil {
		t.Fatalf("rename register: %v", err)
	}
	if renamed.Username != "alice2" {
		t.Fatalf("username not refreshed: %s", renamed.Username)
	}
}

func TestRegisterBindsReferral(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, 1, "inviter", 0); err != nil {
		t.Fatalf("register inviter: %v", err)
	}
	if _, err := svc.Register(ctx, 2, "invited", 1); err != nil {
		t.Fatalf("register invited: %v", err)
	}

	edge, err := store.GetEdgeByInvited(ctx, 2)
	if err != nil {
		t.Fatalf("edge not created: %v", err)
	}
	if edge.InviterID != 1 || edge.Active {
		t.Fatalf("unexpected edge: %+v", edge)
	}

	// Unknown inviter does not block registration.
	if _, err := svc.Register(ctx, 3, "solo", 42); err != nil {
		t.Fatalf("register with unknown inviter: %v", err)
	}
	if _, err := store.GetEdgeByInvited(ctx, 3); err == nil {
		t.Fatal("edge should not exist for unknown inviter")
	}
}

func TestBindWallet(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, 1, "alice", 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := svc.BindWallet(ctx, 1, "not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
	if _, err := svc.BindWallet(ctx, 1, "XX"+strings.Repeat("a", 46)); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("bad prefix accepted")
	}

	u, err := svc.BindWallet(ctx, 1, validAddress())
	if err != nil {
		t.Fatalf("bind wallet: %v", err)
	}
	if u.WalletAddress != validAddress() || !u.VIPCheckedAt.IsZero() {
		t.Fatalf("unexpected user after bind: %+v", u)
	}
}

func TestLevelFor(t *testing.T) {
	cases := []struct {
		kwh  int64
		want int
	}{
		{0, 1},
		{99_999, 1},
		{100_000, 2},
		{750_000, 4},
		{5_000_000, 8},
		{50_000_000, 12},
	}
	for _, c := range cases {
		if got := LevelFor(c.kwh); got.Index != c.want {
			t.Fatalf("LevelFor(%d) = %d, want %d", c.kwh, got.Index, c.want)
		}
	}
}
