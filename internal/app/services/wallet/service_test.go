package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/storage/memory"
)

const bankID = int64(900)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := New(store, store, bankID, nil)
	if _, err := svc.EnsureBank(context.Background(), 1_000_000); err != nil {
		t.Fatalf("ensure bank: %v", err)
	}
	return svc, store
}

func TestEnsureBankIsIdempotent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	bank, err := svc.EnsureBank(ctx, 1_000_000)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if bank.MainBalance != 1_000_000 {
		t.Fatalf("supply minted twice: %d", bank.MainBalance)
	}
	if entries, _ := store.ListEntries(ctx, bankID, 0); len(entries) != 1 {
		t.Fatalf("expected single mint entry, got %d", len(entries))
	}
}

func TestCreditAndDebitBalanceAgainstBank(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, user.User{ID: 1}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := svc.Credit(ctx, 1, 100_000, ledger.KindAdminCredit, ledger.Meta{Note: "top-up"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	u, _ := store.GetUser(ctx, 1)
	bank, _ := store.GetUser(ctx, bankID)
	if u.MainBalance != 100_000 {
		t.Fatalf("user balance = %d", u.MainBalance)
	}
	if bank.MainBalance != 900_000 {
		t.Fatalf("bank balance = %d", bank.MainBalance)
	}

	if err := svc.Debit(ctx, 1, 40_000, ledger.KindPurchase, ledger.Meta{}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	u, _ = store.GetUser(ctx, 1)
	bank, _ = store.GetUser(ctx, bankID)
	if u.MainBalance != 60_000 || bank.MainBalance != 940_000 {
		t.Fatalf("balances after debit: user=%d bank=%d", u.MainBalance, bank.MainBalance)
	}

	if err := svc.Debit(ctx, 1, 100_000, ledger.KindPurchase, ledger.Meta{}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestTransferValidation(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, user.User{ID: 1, MainBalance: 5_000}); err != nil {
		t.Fatalf("create sender: %v", err)
	}
	if _, err := store.CreateUser(ctx, user.User{ID: 2}); err != nil {
		t.Fatalf("create recipient: %v", err)
	}

	if err := svc.Transfer(ctx, 1, 99, 1_000, ""); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("expected unknown recipient, got %v", err)
	}
	if err := svc.Transfer(ctx, 1, 1, 1_000, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for self-transfer, got %v", err)
	}
	if err := svc.Transfer(ctx, 1, 2, 0, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}

	if err := svc.Transfer(ctx, 1, 2, 2_000, "gift"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	from, _ := store.GetUser(ctx, 1)
	to, _ := store.GetUser(ctx, 2)
	if from.MainBalance != 3_000 || to.MainBalance != 2_000 {
		t.Fatalf("balances after transfer: %d / %d", from.MainBalance, to.MainBalance)
	}

	entries, _ := store.ListEntries(ctx, 2, 1)
	if len(entries) != 1 || entries[0].Kind != ledger.KindTransferIn || entries[0].Meta.CounterpartyID != 1 {
		t.Fatalf("unexpected recipient entry: %+v", entries)
	}
}

func TestMintAndBurn(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	if _, err := svc.Mint(ctx, 50_000, "emission"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := svc.Burn(ctx, 20_000, "correction"); err != nil {
		t.Fatalf("burn: %v", err)
	}
	bank, _ := store.GetUser(ctx, bankID)
	if bank.MainBalance != 1_030_000 {
		t.Fatalf("bank balance = %d", bank.MainBalance)
	}

	if _, err := svc.Burn(ctx, 10_000_000, ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds on over-burn, got %v", err)
	}
}
