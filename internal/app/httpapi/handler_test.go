package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	app "github.com/EFHC-Network/ledger_core/internal/app"
	"github.com/EFHC-Network/ledger_core/internal/config"
)

const testBankID = int64(900)

func newTestServer(t *testing.T) (*httptest.Server, *app.Application) {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{
		Economy: config.DefaultEconomy(),
		BankID:  testBankID,
	}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	if _, err := application.Wallet.EnsureBank(context.Background(), 1_000_000_000); err != nil {
		t.Fatalf("ensure bank: %v", err)
	}
	srv := httptest.NewServer(NewHandler(application))
	t.Cleanup(srv.Close)
	return srv, application
}

func doJSON(t *testing.T, method, url string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	data := json.NewDecoder(resp.Body)
	// List endpoints return arrays; callers that need them decode manually.
	_ = data.Decode(&decoded)
	return resp, decoded
}

func registerUser(t *testing.T, srv *httptest.Server, id int64, username string) {
	t.Helper()
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/users", map[string]any{"id": id, "username": username})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}
}

func creditUser(t *testing.T, srv *httptest.Server, id int64, amount string) {
	t.Helper()
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/admin/credit", map[string]any{"user_id": id, "amount": amount})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("credit user %d: status %d", id, resp.StatusCode)
	}
}

func TestUserLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	registerUser(t, srv, 1, "alice")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/users/1", nil)
	if resp.StatusCode != http.StatusOK || body["username"] != "alice" {
		t.Fatalf("get user: %d %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/users/999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing user: status %d", resp.StatusCode)
	}

	// Bind a wallet; a malformed address is rejected.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/users/1/wallet", map[string]any{"address": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad address: status %d", resp.StatusCode)
	}
	addr := "EQ" + strings.Repeat("a", 46)
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/users/1/wallet", map[string]any{"address": addr})
	if resp.StatusCode != http.StatusOK || body["wallet_address"] != addr {
		t.Fatalf("bind wallet: %d %v", resp.StatusCode, body)
	}
}

func TestPanelPurchaseAndAccrual(t *testing.T) {
	srv, _ := newTestServer(t)
	registerUser(t, srv, 1, "alice")
	creditUser(t, srv, 1, "250.000")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/users/1/panels", map[string]any{"idempotency_key": "buy-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("purchase: %d %v", resp.StatusCode, body)
	}
	if body["daily_rate_kwh"] != "0.598" {
		t.Fatalf("daily rate = %v", body["daily_rate_kwh"])
	}

	// Same idempotency key returns the same panel without a second charge.
	resp, repeat := doJSON(t, http.MethodPost, srv.URL+"/users/1/panels", map[string]any{"idempotency_key": "buy-1"})
	if resp.StatusCode != http.StatusCreated || repeat["id"] != body["id"] {
		t.Fatalf("idempotent purchase: %d %v", resp.StatusCode, repeat)
	}

	resp, balance := doJSON(t, http.MethodGet, srv.URL+"/users/1/balance", nil)
	if resp.StatusCode != http.StatusOK || balance["main_balance"] != "150.000" {
		t.Fatalf("balance after purchase: %v", balance)
	}

	// Trigger the accrual run for a fixed date.
	resp, run := doJSON(t, http.MethodPost, srv.URL+"/admin/accrual", map[string]any{"date": "2026-08-25"})
	if resp.StatusCode != http.StatusOK || run["completed"] != true {
		t.Fatalf("accrual: %d %v", resp.StatusCode, run)
	}

	resp, balance = doJSON(t, http.MethodGet, srv.URL+"/users/1/balance", nil)
	if balance["available_kwh"] != "0.598" {
		t.Fatalf("energy after accrual: %v", balance)
	}

	// Convert the generated energy into credits.
	resp, converted := doJSON(t, http.MethodPost, srv.URL+"/users/1/convert", map[string]any{"kwh": "0.598"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("convert: %d %v", resp.StatusCode, converted)
	}
	if converted["main_balance"] != "150.598" || converted["available_kwh"] != "0.000" {
		t.Fatalf("balances after convert: %v", converted)
	}
}

func TestPurchaseWithInsufficientFunds(t *testing.T) {
	srv, _ := newTestServer(t)
	registerUser(t, srv, 1, "alice")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/users/1/panels", map[string]any{})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestTransferEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	registerUser(t, srv, 1, "alice")
	registerUser(t, srv, 2, "bob")
	creditUser(t, srv, 1, "10.000")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/users/1/transfer", map[string]any{"to": 2, "amount": "4.000", "note": "gift"})
	if resp.StatusCode != http.StatusOK || body["main_balance"] != "6.000" {
		t.Fatalf("transfer: %d %v", resp.StatusCode, body)
	}

	resp, bob := doJSON(t, http.MethodGet, srv.URL+"/users/2/balance", nil)
	if bob["main_balance"] != "4.000" {
		t.Fatalf("recipient balance: %v", bob)
	}

	// Unknown recipient and bad amounts map to 400.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/users/1/transfer", map[string]any{"to": 42, "amount": "1.000"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown recipient: status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/users/1/transfer", map[string]any{"to": 2, "amount": "1.0001"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("excess precision accepted: status %d", resp.StatusCode)
	}
}

func TestWithdrawalFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	registerUser(t, srv, 1, "alice")
	addr := "EQ" + strings.Repeat("b", 46)
	if resp, _ := doJSON(t, http.MethodPost, srv.URL+"/users/1/wallet", map[string]any{"address": addr}); resp.StatusCode != http.StatusOK {
		t.Fatalf("bind wallet: %d", resp.StatusCode)
	}
	creditUser(t, srv, 1, "50000.000")

	resp, req := doJSON(t, http.MethodPost, srv.URL+"/users/1/withdrawals", map[string]any{"amount": "12000.000"})
	if resp.StatusCode != http.StatusCreated || req["status"] != "pending" {
		t.Fatalf("create withdrawal: %d %v", resp.StatusCode, req)
	}
	id := req["id"].(string)

	// Illegal jump straight to sent.
	resp, _ = doJSON(t, http.MethodPatch, srv.URL+"/withdrawals/"+id, map[string]any{"status": "sent"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("pending->sent: status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPatch, srv.URL+"/withdrawals/"+id, map[string]any{"status": "approved", "actor_id": 9})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d", resp.StatusCode)
	}
	resp, final := doJSON(t, http.MethodPatch, srv.URL+"/withdrawals/"+id, map[string]any{"status": "failed", "note": "chain error"})
	if resp.StatusCode != http.StatusOK || final["status"] != "failed" {
		t.Fatalf("fail: %d %v", resp.StatusCode, final)
	}

	resp, balance := doJSON(t, http.MethodGet, srv.URL+"/users/1/balance", nil)
	if balance["main_balance"] != "50000.000" {
		t.Fatalf("refund missing: %v", balance)
	}
}

func TestRankingsEndpoint(t *testing.T) {
	srv, application := newTestServer(t)
	registerUser(t, srv, 1, "alice")
	registerUser(t, srv, 2, "bob")
	creditUser(t, srv, 1, "250.000")

	if resp, _ := doJSON(t, http.MethodPost, srv.URL+"/users/1/panels", nil); resp.StatusCode != http.StatusCreated {
		t.Fatal("purchase failed")
	}
	if _, err := application.Accrual.Run(context.Background(), "2026-08-25"); err != nil {
		t.Fatalf("accrual: %v", err)
	}
	if resp, _ := doJSON(t, http.MethodPost, srv.URL+"/admin/snapshots", map[string]any{"date": "2026-08-25"}); resp.StatusCode != http.StatusOK {
		t.Fatal("snapshots failed")
	}

	resp, board := doJSON(t, http.MethodGet, srv.URL+"/rankings/energy", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rankings: status %d", resp.StatusCode)
	}
	entries := board["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	top := entries[0].(map[string]any)
	if top["username"] != "alice" || top["position"] != float64(1) {
		t.Fatalf("top entry: %v", top)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/rankings/unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown board: status %d", resp.StatusCode)
	}

	resp, pos := doJSON(t, http.MethodGet, srv.URL+"/users/1/rank?kind=energy", nil)
	if resp.StatusCode != http.StatusOK || pos["ranked"] != true || pos["position"] != float64(1) {
		t.Fatalf("rank position: %d %v", resp.StatusCode, pos)
	}
	resp, pos = doJSON(t, http.MethodGet, srv.URL+"/users/99/rank?kind=referral", nil)
	if resp.StatusCode != http.StatusOK || pos["ranked"] != false {
		t.Fatalf("unranked position: %d %v", resp.StatusCode, pos)
	}
}

func TestAdminAuditTrail(t *testing.T) {
	srv, _ := newTestServer(t)
	registerUser(t, srv, 1, "alice")
	creditUser(t, srv, 1, "5.000")

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/admin/audit", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: status %d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/admin/audit", nil)
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("audit get: %v", err)
	}
	defer raw.Body.Close()
	var entries []map[string]any
	if err := json.NewDecoder(raw.Body).Decode(&entries); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(entries) != 1 || entries[0]["action"] != "credit" {
		t.Fatalf("audit entries: %v", entries)
	}
}

func TestRateLimiterThrottlesWrites(t *testing.T) {
	limited := httptest.NewServer(NewRateLimiter(30, 2, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	defer limited.Close()

	var last int
	for i := 0; i < 5; i++ {
		resp, err := http.Post(limited.URL+"/users/7/panels", "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("burst not throttled: last status %d", last)
	}

	// Reads are never throttled.
	for i := 0; i < 5; i++ {
		resp, err := http.Get(limited.URL + "/users/7/balance")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("read throttled: status %d", resp.StatusCode)
		}
	}
}

func TestLevelsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/levels", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	defer resp.Body.Close()
	var ladder []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&ladder); err != nil {
		t.Fatalf("decode ladder: %v", err)
	}
	if len(ladder) != 12 || ladder[0]["name"] != "Eco Initiate" {
		t.Fatalf("ladder: %v", ladder)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}
