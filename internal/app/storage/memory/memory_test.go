package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/panel"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
)

func TestApplyEntriesIsAtomic(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, user.User{ID: 1, MainBalance: 1000}); err != nil {
		t.Fatalf("create user 1: %v", err)
	}
	if _, err := store.CreateUser(ctx, user.User{ID: 2}); err != nil {
		t.Fatalf("create user 2: %v", err)
	}

	// Second leg overdraws; the first leg must not stick.
	_, err := store.ApplyEntries(ctx,
		ledger.Entry{UserID: 2, Kind: ledger.KindTransferIn, Balance: ledger.BalanceMain, Amount: 5000},
		ledger.Entry{UserID: 1, Kind: ledger.KindTransferOut, Balance: ledger.BalanceMain, Amount: -5000},
	)
	if !errors.Is(err, storage.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	u1, _ := store.GetUser(ctx, 1)
	u2, _ := store.GetUser(ctx, 2)
	if u1.MainBalance != 1000 || u2.MainBalance != 0 {
		t.Fatalf("balances changed after failed batch: %d / %d", u1.MainBalance, u2.MainBalance)
	}
	if entries, _ := store.ListEntries(ctx, 1, 0); len(entries) != 0 {
		t.Fatalf("entries recorded for failed batch: %d", len(entries))
	}
}

func TestApplyEntriesTracksGenerationCounters(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, user.User{ID: 7}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if _, err := store.ApplyEntries(ctx, ledger.Entry{
		UserID: 7, Kind: ledger.KindAccrual, Balance: ledger.BalanceEnergy, Amount: 598,
	}); err != nil {
		t.Fatalf("accrual entry: %v", err)
	}

	u, _ := store.GetUser(ctx, 7)
	if u.AvailableKWh != 598 || u.TotalGeneratedKWh != 598 || u.TodayGeneratedKWh != 598 {
		t.Fatalf("generation counters wrong: %+v", u)
	}

	// Conversion draws down availability but not lifetime totals.
	if _, err := store.ApplyEntries(ctx, ledger.Entry{
		UserID: 7, Kind: ledger.KindConvert, Balance: ledger.BalanceEnergy, Amount: -500,
	}); err != nil {
		t.Fatalf("convert entry: %v", err)
	}
	u, _ = store.GetUser(ctx, 7)
	if u.AvailableKWh != 98 || u.TotalGeneratedKWh != 598 {
		t.Fatalf("conversion affected wrong counters: %+v", u)
	}
}

func TestPurchasePanelIsAtomic(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, user.User{ID: 900, MainBalance: 1_000_000}); err != nil {
		t.Fatalf("create bank: %v", err)
	}
	if _, err := store.CreateUser(ctx, user.User{ID: 4, MainBalance: 150_000}); err != nil {
		t.Fatalf("create buyer: %v", err)
	}

	newDebit := func() []ledger.Entry {
		return []ledger.Entry{
			{UserID: 4, Kind: ledger.KindPurchase, Balance: ledger.BalanceMain, Amount: -100_000},
			{UserID: 900, Kind: ledger.KindPurchase, Balance: ledger.BalanceMain, Amount: 100_000},
		}
	}
	newPanel := func() panel.Panel {
		return panel.Panel{OwnerID: 4, LifespanDays: 180, RemainingDays: 180, DailyRateKWh: 598, Active: true}
	}

	first, err := store.PurchasePanel(ctx, newPanel(), newDebit(), 1)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := store.GetPanel(ctx, first.ID); err != nil {
		t.Fatalf("panel missing after purchase: %v", err)
	}

	// Cap hit: the debit must not stick either.
	if _, err := store.PurchasePanel(ctx, newPanel(), newDebit(), 1); !errors.Is(err, storage.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	u, _ := store.GetUser(ctx, 4)
	if u.MainBalance != 50_000 {
		t.Fatalf("cap rejection charged the buyer: %d", u.MainBalance)
	}

	// Overdraw: no panel row may appear.
	if _, err := store.PurchasePanel(ctx, newPanel(), newDebit(), 0); !errors.Is(err, storage.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	panels, _ := store.ListPanels(ctx, 4, true)
	if len(panels) != 1 {
		t.Fatalf("failed purchases left panels behind: %d", len(panels))
	}
}

func TestAccruePanelIsIdempotentPerDate(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, user.User{ID: 3}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	p, err := store.CreatePanel(ctx, panel.Panel{
		OwnerID: 3, LifespanDays: 2, RemainingDays: 2, DailyRateKWh: 598, Active: true,
	})
	if err != nil {
		t.Fatalf("create panel: %v", err)
	}

	credit := ledger.Entry{UserID: 3, Kind: ledger.KindAccrual, Balance: ledger.BalanceEnergy, Amount: 598}

	updated, ok, err := store.AccruePanel(ctx, p.ID, "2026-08-25", credit)
	if err != nil || !ok {
		t.Fatalf("first accrual: ok=%t err=%v", ok, err)
	}
	if updated.RemainingDays != 1 {
		t.Fatalf("remaining days = %d, want 1", updated.RemainingDays)
	}

	if _, ok, err = store.AccruePanel(ctx, p.ID, "2026-08-25", credit); err != nil || ok {
		t.Fatalf("repeat accrual should be skipped: ok=%t err=%v", ok, err)
	}
	u, _ := store.GetUser(ctx, 3)
	if u.AvailableKWh != 598 {
		t.Fatalf("repeat accrual changed balance: %d", u.AvailableKWh)
	}

	// Final lifespan day retires the panel.
	updated, ok, err = store.AccruePanel(ctx, p.ID, "2026-08-26", credit)
	if err != nil || !ok {
		t.Fatalf("second day accrual: ok=%t err=%v", ok, err)
	}
	if updated.Active || updated.RemainingDays != 0 {
		t.Fatalf("panel should be retired: %+v", updated)
	}
}
