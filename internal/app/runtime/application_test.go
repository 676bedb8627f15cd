package runtime

import (
	"context"
	"testing"

	"github.com/EFHC-Network/ledger_core/internal/config"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

func TestBuildStoresFallsBackToMemory(t *testing.T) {
	cfg := &config.Config{}
	stores, db, err := buildStores(cfg, logger.NewDefault("test"))
	if err != nil {
		t.Fatalf("build stores: %v", err)
	}
	if db != nil {
		t.Fatal("no DSN configured but a database was opened")
	}
	if stores.Users != nil {
		t.Fatal("memory fallback must leave stores nil for app.New to fill")
	}
}

func TestNewApplicationWithMemoryStorage(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("BANK_USER_ID", "900")
	t.Setenv("BANK_INITIAL_SUPPLY", "1000.000")

	a, err := NewApplication()
	if err != nil {
		t.Fatalf("new application: %v", err)
	}

	bank, err := a.App().Wallet.Balances(context.Background(), 900)
	if err != nil {
		t.Fatalf("bank balances: %v", err)
	}
	if bank.MainBalance != 1_000_000 {
		t.Fatalf("bank supply = %d, want 1000000", bank.MainBalance)
	}
}
