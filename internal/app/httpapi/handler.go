// Package httpapi exposes the REST surface of the ledger application.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	app "github.com/EFHC-Network/ledger_core/internal/app"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/panel"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/rank"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/withdrawal"
	exchangesvc "github.com/EFHC-Network/ledger_core/internal/app/services/exchange"
	panelsvc "github.com/EFHC-Network/ledger_core/internal/app/services/panels"
	referralsvc "github.com/EFHC-Network/ledger_core/internal/app/services/referrals"
	usersvc "github.com/EFHC-Network/ledger_core/internal/app/services/users"
	walletsvc "github.com/EFHC-Network/ledger_core/internal/app/services/wallet"
	withdrawalsvc "github.com/EFHC-Network/ledger_core/internal/app/services/withdrawals"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// NewHandler returns a mux exposing the core REST API. Administrative
// actions are recorded in an in-memory audit trail, optionally mirrored to
// the JSONL file named by ADMIN_AUDIT_LOG.
func NewHandler(application *app.Application) http.Handler {
	sink, err := newFileAuditSink(os.Getenv("ADMIN_AUDIT_LOG"))
	if err != nil {
		sink = nil
	}
	h := &handler{app: application, audit: newAuditLog(200, sink)}
	mux := http.NewServeMux()
	mux.HandleFunc("/users", h.users)
	mux.HandleFunc("/users/", h.userResources)
	mux.HandleFunc("/withdrawals", h.withdrawals)
	mux.HandleFunc("/withdrawals/", h.withdrawalResources)
	mux.HandleFunc("/rankings/", h.rankings)
	mux.HandleFunc("/levels", h.levels)
	mux.HandleFunc("/admin/", h.admin)
	mux.HandleFunc("/healthz", h.health)
	return mux
}

func (h *handler) users(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			ID         int64  `json:"id"`
			Username   string `json:"username"`
			ReferrerID int64  `json:"referrer_id"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.ID == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("id is required"))
			return
		}

		u, err := h.app.Users.Register(r.Context(), payload.ID, payload.Username, payload.ReferrerID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, userView(u))

	case http.MethodGet:
		users, err := h.app.Users.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		views := make([]map[string]any, 0, len(users))
		for _, u := range users {
			views = append(views, userView(u))
		}
		writeJSON(w, http.StatusOK, views)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) userResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user id %q", parts[0]))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		u, err := h.app.Users.Get(r.Context(), userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, userView(u))
		return
	}

	switch parts[1] {
	case "wallet":
		h.userWallet(w, r, userID)
	case "balance":
		h.userBalance(w, r, userID)
	case "history":
		h.userHistory(w, r, userID)
	case "panels":
		h.userPanels(w, r, userID)
	case "convert":
		h.userConvert(w, r, userID)
	case "transfer":
		h.userTransfer(w, r, userID)
	case "referrals":
		h.userReferrals(w, r, userID)
	case "withdrawals":
		h.userWithdrawals(w, r, userID)
	case "level":
		h.userLevel(w, r, userID)
	case "rank":
		h.userRank(w, r, userID)
	case "vip":
		h.userVIP(w, r, userID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) userWallet(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Address string `json:"address"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := h.app.Users.BindWallet(r.Context(), userID, payload.Address)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(u))
}

func (h *handler) userBalance(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	u, err := h.app.Wallet.Balances(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":               u.ID,
		"main_balance":          ledger.FormatAmount(u.MainBalance),
		"bonus_balance":         ledger.FormatAmount(u.BonusBalance),
		"available_kwh":         ledger.FormatAmount(u.AvailableKWh),
		"today_generated_kwh":   ledger.FormatAmount(u.TodayGeneratedKWh),
		"total_generated_kwh":   ledger.FormatAmount(u.TotalGeneratedKWh),
		"referral_bonus_earned": ledger.FormatAmount(u.ReferralBonusEarned),
	})
}

func (h *handler) userHistory(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := parseLimit(r, 50)
	entries, err := h.app.Wallet.History(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView(e))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) userPanels(w http.ResponseWriter, r *http.Request, userID int64) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p, err := h.app.Panels.Purchase(r.Context(), userID, payload.IdempotencyKey)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, panelView(p))

	case http.MethodGet:
		includeInactive := r.URL.Query().Get("include_inactive") == "true"
		panels, err := h.app.Panels.List(r.Context(), userID, includeInactive)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]map[string]any, 0, len(panels))
		for _, p := range panels {
			views = append(views, panelView(p))
		}
		writeJSON(w, http.StatusOK, views)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) userConvert(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		KWh string `json:"kwh"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kwh, err := ledger.ParseAmount(payload.KWh)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := h.app.Exchange.Convert(r.Context(), userID, kwh)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(u))
}

func (h *handler) userTransfer(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		To     int64  `json:"to"`
		Amount string `json:"amount"`
		Note   string `json:"note"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := ledger.ParseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Wallet.Transfer(r.Context(), userID, payload.To, amount, payload.Note); err != nil {
		writeServiceError(w, err)
		return
	}
	u, err := h.app.Wallet.Balances(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(u))
}

func (h *handler) userReferrals(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.app.Referrals.Stats(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	milestones, err := h.app.Referrals.Milestones(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	milestoneViews := make([]map[string]any, 0, len(milestones))
	for _, m := range milestones {
		milestoneViews = append(milestoneViews, map[string]any{
			"threshold": m.Threshold,
			"reward":    ledger.FormatAmount(m.Reward),
			"awarded":   m.Awarded,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invited":      stats.Invited,
		"active":       stats.Active,
		"bonus_earned": ledger.FormatAmount(stats.BonusEarned),
		"milestones":   milestoneViews,
	})
}

func (h *handler) userWithdrawals(w http.ResponseWriter, r *http.Request, userID int64) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Amount string `json:"amount"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		amount, err := ledger.ParseAmount(payload.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req, err := h.app.Withdrawals.Create(r.Context(), userID, amount)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, withdrawalView(req))

	case http.MethodGet:
		limit := parseLimit(r, 50)
		reqs, err := h.app.Withdrawals.ListForUser(r.Context(), userID, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]map[string]any, 0, len(reqs))
		for _, req := range reqs {
			views = append(views, withdrawalView(req))
		}
		writeJSON(w, http.StatusOK, views)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) userLevel(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	lvl, err := h.app.Users.Level(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, levelView(lvl))
}

func (h *handler) userRank(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	kind := rank.Kind(r.URL.Query().Get("kind"))
	switch kind {
	case rank.KindEnergy, rank.KindReferral:
	case "":
		kind = rank.KindEnergy
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown ranking kind %q", kind))
		return
	}
	entry, ranked, err := h.app.Ranking.Position(r.Context(), kind, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ranked {
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "kind": kind, "ranked": false})
		return
	}
	view := map[string]any{
		"user_id":  userID,
		"kind":     kind,
		"ranked":   true,
		"position": entry.Position,
	}
	if kind == rank.KindReferral {
		view["metric"] = entry.Metric
	} else {
		view["metric"] = ledger.FormatAmount(entry.Metric)
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) userVIP(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	vip, err := h.app.VIP.Status(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "vip": vip})
}

func (h *handler) withdrawals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := withdrawal.Status(strings.ToLower(r.URL.Query().Get("status")))
	if status == "" {
		status = withdrawal.StatusPending
	}
	reqs, err := h.app.Withdrawals.ListByStatus(r.Context(), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, withdrawalView(req))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) withdrawalResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/withdrawals"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	requestID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			req, err := h.app.Withdrawals.Get(r.Context(), requestID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, withdrawalView(req))

		case http.MethodPatch:
			var payload struct {
				Status  string `json:"status"`
				ActorID int64  `json:"actor_id"`
				Note    string `json:"note"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			target := withdrawal.Status(strings.ToLower(strings.TrimSpace(payload.Status)))
			switch target {
			case withdrawal.StatusApproved, withdrawal.StatusSent, withdrawal.StatusFailed:
			default:
				writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported status %q", payload.Status))
				return
			}
			req, err := h.app.Withdrawals.Transition(r.Context(), requestID, target, payload.ActorID, payload.Note)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, withdrawalView(req))

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

func (h *handler) rankings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	kindRaw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/rankings"), "/")
	kind := rank.Kind(kindRaw)
	switch kind {
	case rank.KindEnergy, rank.KindReferral:
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown leaderboard %q", kindRaw))
		return
	}

	var snap rank.Snapshot
	var err error
	if date := r.URL.Query().Get("date"); date != "" {
		snap, err = h.app.Ranking.Snapshot(r.Context(), kind, date)
	} else {
		snap, err = h.app.Ranking.Leaderboard(r.Context(), kind, parseLimit(r, 100))
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (h *handler) levels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ladder := usersvc.Levels()
	views := make([]map[string]any, 0, len(ladder))
	for _, lvl := range ladder {
		views = append(views, levelView(lvl))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) admin(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin"), "/")
	if action == "audit" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.audit.listLimit(parseLimit(r, 50)))
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Re-readable body so the audit probe does not consume the payload.
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var probe struct {
		UserID int64  `json:"user_id"`
		Amount string `json:"amount"`
	}
	_ = json.Unmarshal(body, &probe)

	rec := &auditRecorder{ResponseWriter: w, status: http.StatusOK}
	w = rec
	defer func() {
		h.audit.add(auditEntry{
			Time:       time.Now().UTC(),
			Action:     action,
			UserID:     probe.UserID,
			Amount:     probe.Amount,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
		})
	}()

	switch action {
	case "mint", "burn":
		var payload struct {
			Amount string `json:"amount"`
			Note   string `json:"note"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		amount, err := ledger.ParseAmount(payload.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var entry ledger.Entry
		if action == "mint" {
			entry, err = h.app.Wallet.Mint(r.Context(), amount, payload.Note)
		} else {
			entry, err = h.app.Wallet.Burn(r.Context(), amount, payload.Note)
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entryView(entry))

	case "credit":
		var payload struct {
			UserID int64  `json:"user_id"`
			Amount string `json:"amount"`
			Bonus  bool   `json:"bonus"`
			Note   string `json:"note"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		amount, err := ledger.ParseAmount(payload.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		meta := ledger.Meta{Note: payload.Note}
		if payload.Bonus {
			err = h.app.Wallet.CreditBonus(r.Context(), payload.UserID, amount, ledger.KindAdminCredit, meta)
		} else {
			err = h.app.Wallet.Credit(r.Context(), payload.UserID, amount, ledger.KindAdminCredit, meta)
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		u, err := h.app.Wallet.Balances(r.Context(), payload.UserID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, userView(u))

	case "vip":
		var payload struct {
			UserID  int64 `json:"user_id"`
			Enabled bool  `json:"enabled"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		u, err := h.app.VIP.Grant(r.Context(), payload.UserID, payload.Enabled)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, userView(u))

	case "capabilities":
		var payload struct {
			UserID  int64 `json:"user_id"`
			Admin   bool  `json:"admin"`
			Shop    bool  `json:"shop"`
			Tasks   bool  `json:"tasks"`
			Lottery bool  `json:"lottery"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		u, err := h.app.Users.SetCapabilities(r.Context(), payload.UserID, user.Capabilities{
			Admin:   payload.Admin,
			Shop:    payload.Shop,
			Tasks:   payload.Tasks,
			Lottery: payload.Lottery,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, userView(u))

	case "accrual":
		var payload struct {
			Date string `json:"date"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		date := payload.Date
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}
		run, err := h.app.Accrual.Run(r.Context(), date)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":             run.Kind,
			"date":             run.Date,
			"panels_processed": run.PanelsProcessed,
			"panels_failed":    run.PanelsFailed,
			"kwh_granted":      ledger.FormatAmount(run.KWhGranted),
			"completed":        !run.CompletedAt.IsZero(),
		})

	case "snapshots":
		var payload struct {
			Date string `json:"date"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		date := payload.Date
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}
		if err := h.app.Ranking.BuildSnapshots(r.Context(), date); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"date": date})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// auditRecorder captures the final status code for the audit trail.
type auditRecorder struct {
	http.ResponseWriter
	status int
}

func (r *auditRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Views ----

func userView(u user.User) map[string]any {
	return map[string]any{
		"id":                    u.ID,
		"username":              u.Username,
		"main_balance":          ledger.FormatAmount(u.MainBalance),
		"bonus_balance":         ledger.FormatAmount(u.BonusBalance),
		"available_kwh":         ledger.FormatAmount(u.AvailableKWh),
		"today_generated_kwh":   ledger.FormatAmount(u.TodayGeneratedKWh),
		"total_generated_kwh":   ledger.FormatAmount(u.TotalGeneratedKWh),
		"referral_bonus_earned": ledger.FormatAmount(u.ReferralBonusEarned),
		"active":                u.Active,
		"vip":                   u.VIP,
		"wallet_address":        u.WalletAddress,
		"referrer_id":           u.ReferrerID,
		"capabilities": map[string]bool{
			"admin":   u.Capabilities.Admin,
			"shop":    u.Capabilities.Shop,
			"tasks":   u.Capabilities.Tasks,
			"lottery": u.Capabilities.Lottery,
		},
		"created_at": u.CreatedAt,
	}
}

func panelView(p panel.Panel) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"owner_id":        p.OwnerID,
		"purchased_at":    p.PurchasedAt,
		"lifespan_days":   p.LifespanDays,
		"remaining_days":  p.RemainingDays,
		"daily_rate_kwh":  ledger.FormatAmount(p.DailyRateKWh),
		"active":          p.Active,
		"vip_at_purchase": p.VIPAtPurchase,
		"last_accrued_on": p.LastAccruedOn,
	}
}

func entryView(e ledger.Entry) map[string]any {
	return map[string]any{
		"id":         e.ID,
		"user_id":    e.UserID,
		"kind":       string(e.Kind),
		"balance":    string(e.Balance),
		"amount":     ledger.FormatAmount(e.Amount),
		"meta":       e.Meta,
		"created_at": e.CreatedAt,
	}
}

func withdrawalView(req withdrawal.Request) map[string]any {
	history := make([]map[string]any, 0, len(req.History))
	for _, tr := range req.History {
		history = append(history, map[string]any{
			"from":     string(tr.From),
			"to":       string(tr.To),
			"actor_id": tr.ActorID,
			"note":     tr.Note,
			"at":       tr.At,
		})
	}
	return map[string]any{
		"id":         req.ID,
		"user_id":    req.UserID,
		"amount":     ledger.FormatAmount(req.Amount),
		"address":    req.Address,
		"status":     string(req.Status),
		"history":    history,
		"created_at": req.CreatedAt,
	}
}

func snapshotView(snap rank.Snapshot) map[string]any {
	entries := make([]map[string]any, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		// The referral metric is a plain count; the energy metric is
		// milli-kWh.
		var metric any = ledger.FormatAmount(e.Metric)
		if snap.Kind == rank.KindReferral {
			metric = e.Metric
		}
		entries = append(entries, map[string]any{
			"position":  e.Position,
			"user_id":   e.UserID,
			"username":  e.Username,
			"metric":    metric,
			"secondary": ledger.FormatAmount(e.Secondary),
		})
	}
	return map[string]any{
		"kind":       string(snap.Kind),
		"date":       snap.Date,
		"entries":    entries,
		"created_at": snap.CreatedAt,
	}
}

func levelView(lvl user.Level) map[string]any {
	view := map[string]any{
		"index":   lvl.Index,
		"name":    lvl.Name,
		"min_kwh": ledger.FormatAmount(lvl.MinKWh),
	}
	if lvl.NextAtKWh > 0 {
		view["next_at_kwh"] = ledger.FormatAmount(lvl.NextAtKWh)
	}
	return view
}

// Helpers ----

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return fallback
	}
	return limit
}

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, walletsvc.ErrInsufficientFunds),
		errors.Is(err, panelsvc.ErrLimitExceeded):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, withdrawalsvc.ErrInvalidTransition),
		errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, walletsvc.ErrInvalidAmount),
		errors.Is(err, walletsvc.ErrUnknownRecipient),
		errors.Is(err, exchangesvc.ErrInvalidAmount),
		errors.Is(err, withdrawalsvc.ErrInvalidAmount),
		errors.Is(err, withdrawalsvc.ErrWalletNotBound),
		errors.Is(err, usersvc.ErrInvalidAddress),
		errors.Is(err, referralsvc.ErrSelfReferral),
		errors.Is(err, ledger.ErrAmountSyntax):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
