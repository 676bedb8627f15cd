package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/job"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/panel"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/rank"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/referral"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/withdrawal"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Multi-leg
// ledger batches run inside one transaction with user rows locked in id
// order, so concurrent batches cannot deadlock or interleave partially.
type Store struct {
	db *sql.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.PanelStore = (*Store)(nil)
var _ storage.ReferralStore = (*Store)(nil)
var _ storage.WithdrawalStore = (*Store)(nil)
var _ storage.RankStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// mapErr translates driver errors into the shared sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return storage.ErrDuplicate
	}
	return err
}

// --- UserStore ---------------------------------------------------------------

const userColumns = `id, username, main_balance, bonus_balance, total_generated_kwh,
	today_generated_kwh, available_kwh, referral_bonus_earned, active, vip,
	vip_checked_at, wallet_address, referrer_id, capabilities, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == 0 {
		return user.User{}, fmt.Errorf("user id is required")
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	capsJSON, err := json.Marshal(u.Capabilities)
	if err != nil {
		return user.User{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, u.ID, u.Username, u.MainBalance, u.BonusBalance, u.TotalGeneratedKWh,
		u.TodayGeneratedKWh, u.AvailableKWh, u.ReferralBonusEarned, u.Active, u.VIP,
		toNullTime(u.VIPCheckedAt), u.WalletAddress, u.ReferrerID, capsJSON, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	u.UpdatedAt = time.Now().UTC()

	capsJSON, err := json.Marshal(u.Capabilities)
	if err != nil {
		return user.User{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET username = $2, main_balance = $3, bonus_balance = $4,
			total_generated_kwh = $5, today_generated_kwh = $6, available_kwh = $7,
			referral_bonus_earned = $8, active = $9, vip = $10, vip_checked_at = $11,
			wallet_address = $12, referrer_id = $13, capabilities = $14, updated_at = $15
		WHERE id = $1
	`, u.ID, u.Username, u.MainBalance, u.BonusBalance,
		u.TotalGeneratedKWh, u.TodayGeneratedKWh, u.AvailableKWh,
		u.ReferralBonusEarned, u.Active, u.VIP, toNullTime(u.VIPCheckedAt),
		u.WalletAddress, u.ReferrerID, capsJSON, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (user.User, error) {
	var (
		u            user.User
		vipCheckedAt sql.NullTime
		capsRaw      []byte
	)
	err := row.Scan(&u.ID, &u.Username, &u.MainBalance, &u.BonusBalance, &u.TotalGeneratedKWh,
		&u.TodayGeneratedKWh, &u.AvailableKWh, &u.ReferralBonusEarned, &u.Active, &u.VIP,
		&vipCheckedAt, &u.WalletAddress, &u.ReferrerID, &capsRaw, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err)
	}
	if vipCheckedAt.Valid {
		u.VIPCheckedAt = vipCheckedAt.Time.UTC()
	}
	if len(capsRaw) > 0 {
		_ = json.Unmarshal(capsRaw, &u.Capabilities)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM app_users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM app_users
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *Store) ResetDailyGeneration(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET today_generated_kwh = 0, updated_at = $1
		WHERE today_generated_kwh <> 0
	`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// --- LedgerStore -------------------------------------------------------------

func (s *Store) ApplyEntries(ctx context.Context, entries ...ledger.Entry) ([]ledger.Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var applied []ledger.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = s.applyEntriesTx(ctx, tx, entries)
		return err
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// applyEntriesTx locks the affected users in id order, applies every entry in
// memory and writes users and entries back. The caller owns the transaction.
func (s *Store) applyEntriesTx(ctx context.Context, tx *sql.Tx, entries []ledger.Entry) ([]ledger.Entry, error) {
	ids := make([]int64, 0, len(entries))
	seen := make(map[int64]bool, len(entries))
	for _, e := range entries {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			ids = append(ids, e.UserID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := tx.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM app_users
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	locked := make(map[int64]*user.User, len(ids))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		copied := u
		locked[u.ID] = &copied
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if locked[id] == nil {
			return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
		}
	}

	now := time.Now().UTC()
	applied := make([]ledger.Entry, 0, len(entries))
	for _, e := range entries {
		if err := storage.ApplyEntryToUser(locked[e.UserID], e); err != nil {
			return nil, err
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		applied = append(applied, e)
	}

	for _, id := range ids {
		u := locked[id]
		u.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE app_users
			SET main_balance = $2, bonus_balance = $3, total_generated_kwh = $4,
				today_generated_kwh = $5, available_kwh = $6, referral_bonus_earned = $7,
				updated_at = $8
			WHERE id = $1
		`, u.ID, u.MainBalance, u.BonusBalance, u.TotalGeneratedKWh,
			u.TodayGeneratedKWh, u.AvailableKWh, u.ReferralBonusEarned, u.UpdatedAt); err != nil {
			return nil, err
		}
	}

	for _, e := range applied {
		metaJSON, err := json.Marshal(e.Meta)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_ledger_entries (id, user_id, kind, balance, amount, meta, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.ID, e.UserID, e.Kind, e.Balance, e.Amount, metaJSON, e.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
	}
	return applied, nil
}

func (s *Store) ListEntries(ctx context.Context, userID int64, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, balance, amount, meta, created_at
		FROM app_ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Entry
	for rows.Next() {
		var (
			e       ledger.Entry
			metaRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Balance, &e.Amount, &metaRaw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &e.Meta)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- PanelStore --------------------------------------------------------------

const panelColumns = `id, owner_id, purchased_at, lifespan_days, remaining_days,
	daily_rate_kwh, active, vip_at_purchase, idempotency_key, last_accrued_on,
	created_at, updated_at`

func (s *Store) CreatePanel(ctx context.Context, p panel.Panel) (panel.Panel, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_panels (`+panelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.OwnerID, p.PurchasedAt, p.LifespanDays, p.RemainingDays,
		p.DailyRateKWh, p.Active, p.VIPAtPurchase, p.IdempotencyKey, p.LastAccruedOn,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return panel.Panel{}, mapErr(err)
	}
	return p, nil
}

// PurchasePanel charges the buyer and inserts the panel in one transaction.
// The debit locks the owner row, so the active-panel count check cannot race
// a concurrent purchase by the same owner.
func (s *Store) PurchasePanel(ctx context.Context, p panel.Panel, debit []ledger.Entry, maxActive int) (panel.Panel, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.applyEntriesTx(ctx, tx, debit); err != nil {
			return err
		}

		if maxActive > 0 {
			var count int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM app_panels WHERE owner_id = $1 AND active
			`, p.OwnerID).Scan(&count); err != nil {
				return err
			}
			if count >= maxActive {
				return storage.ErrLimitExceeded
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO app_panels (`+panelColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, p.ID, p.OwnerID, p.PurchasedAt, p.LifespanDays, p.RemainingDays,
			p.DailyRateKWh, p.Active, p.VIPAtPurchase, p.IdempotencyKey, p.LastAccruedOn,
			p.CreatedAt, p.UpdatedAt)
		return mapErr(err)
	})
	if err != nil {
		return panel.Panel{}, err
	}
	return p, nil
}

func scanPanel(row rowScanner) (panel.Panel, error) {
	var p panel.Panel
	err := row.Scan(&p.ID, &p.OwnerID, &p.PurchasedAt, &p.LifespanDays, &p.RemainingDays,
		&p.DailyRateKWh, &p.Active, &p.VIPAtPurchase, &p.IdempotencyKey, &p.LastAccruedOn,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return panel.Panel{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) GetPanel(ctx context.Context, id string) (panel.Panel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+panelColumns+`
		FROM app_panels
		WHERE id = $1
	`, id)
	return scanPanel(row)
}

func (s *Store) GetPanelByIdempotencyKey(ctx context.Context, ownerID int64, key string) (panel.Panel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+panelColumns+`
		FROM app_panels
		WHERE owner_id = $1 AND idempotency_key = $2
	`, ownerID, key)
	return scanPanel(row)
}

func (s *Store) ListPanels(ctx context.Context, ownerID int64, includeInactive bool) ([]panel.Panel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+panelColumns+`
		FROM app_panels
		WHERE owner_id = $1 AND ($2 OR active)
		ORDER BY purchased_at
	`, ownerID, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPanels(rows)
}

func (s *Store) ListActivePanels(ctx context.Context) ([]panel.Panel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+panelColumns+`
		FROM app_panels
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPanels(rows)
}

func collectPanels(rows *sql.Rows) ([]panel.Panel, error) {
	var result []panel.Panel
	for rows.Next() {
		p, err := scanPanel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) CountActivePanels(ctx context.Context, ownerID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM app_panels WHERE owner_id = $1 AND active
	`, ownerID).Scan(&count)
	return count, err
}

func (s *Store) AccruePanel(ctx context.Context, panelID, runDate string, credit ledger.Entry) (panel.Panel, bool, error) {
	var (
		p       panel.Panel
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+panelColumns+`
			FROM app_panels
			WHERE id = $1
			FOR UPDATE
		`, panelID)
		var err error
		p, err = scanPanel(row)
		if err != nil {
			return err
		}
		if !p.Active || p.RemainingDays <= 0 || p.LastAccruedOn == runDate {
			return nil
		}

		if _, err := s.applyEntriesTx(ctx, tx, []ledger.Entry{credit}); err != nil {
			return err
		}

		p.RemainingDays--
		p.LastAccruedOn = runDate
		if p.RemainingDays <= 0 {
			p.Active = false
		}
		p.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE app_panels
			SET remaining_days = $2, last_accrued_on = $3, active = $4, updated_at = $5
			WHERE id = $1
		`, p.ID, p.RemainingDays, p.LastAccruedOn, p.Active, p.UpdatedAt); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return panel.Panel{}, false, err
	}
	return p, applied, nil
}

// --- ReferralStore -----------------------------------------------------------

func (s *Store) CreateEdge(ctx context.Context, e referral.Edge) (referral.Edge, error) {
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_referral_edges (invited_id, inviter_id, active, activated_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.InvitedID, e.InviterID, e.Active, toNullTime(e.ActivatedAt), e.CreatedAt)
	if err != nil {
		return referral.Edge{}, mapErr(err)
	}
	return e, nil
}

func scanEdge(row rowScanner) (referral.Edge, error) {
	var (
		e           referral.Edge
		activatedAt sql.NullTime
	)
	if err := row.Scan(&e.InvitedID, &e.InviterID, &e.Active, &activatedAt, &e.CreatedAt); err != nil {
		return referral.Edge{}, mapErr(err)
	}
	if activatedAt.Valid {
		e.ActivatedAt = activatedAt.Time.UTC()
	}
	return e, nil
}

func (s *Store) GetEdgeByInvited(ctx context.Context, invitedID int64) (referral.Edge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT invited_id, inviter_id, active, activated_at, created_at
		FROM app_referral_edges
		WHERE invited_id = $1
	`, invitedID)
	return scanEdge(row)
}

func (s *Store) ListEdges(ctx context.Context, inviterID int64) ([]referral.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT invited_id, inviter_id, active, activated_at, created_at
		FROM app_referral_edges
		WHERE inviter_id = $1
		ORDER BY invited_id
	`, inviterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []referral.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) CountActiveEdges(ctx context.Context, inviterID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM app_referral_edges WHERE inviter_id = $1 AND active
	`, inviterID).Scan(&count)
	return count, err
}

func (s *Store) ActivateEdge(ctx context.Context, invitedID int64, at time.Time, bonus []ledger.Entry) (referral.Edge, bool, error) {
	var (
		edge    referral.Edge
		flipped bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT invited_id, inviter_id, active, activated_at, created_at
			FROM app_referral_edges
			WHERE invited_id = $1
			FOR UPDATE
		`, invitedID)
		var err error
		edge, err = scanEdge(row)
		if err != nil {
			return err
		}
		if edge.Active {
			return nil
		}

		if len(bonus) > 0 {
			if _, err := s.applyEntriesTx(ctx, tx, bonus); err != nil {
				return err
			}
		}

		edge.Active = true
		edge.ActivatedAt = at.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE app_referral_edges
			SET active = TRUE, activated_at = $2
			WHERE invited_id = $1
		`, invitedID, edge.ActivatedAt); err != nil {
			return err
		}
		flipped = true
		return nil
	})
	if err != nil {
		return referral.Edge{}, false, err
	}
	return edge, flipped, nil
}

func (s *Store) AwardMilestone(ctx context.Context, m referral.Milestone, credit []ledger.Entry) (bool, error) {
	claimed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_referral_milestones (inviter_id, threshold, reward, awarded)
			VALUES ($1, $2, $3, FALSE)
			ON CONFLICT (inviter_id, threshold) DO NOTHING
		`, m.InviterID, m.Threshold, m.Reward); err != nil {
			return err
		}

		if m.AwardedAt.IsZero() {
			m.AwardedAt = time.Now().UTC()
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE app_referral_milestones
			SET awarded = TRUE, awarded_at = $3, reward = $4
			WHERE inviter_id = $1 AND threshold = $2 AND NOT awarded
		`, m.InviterID, m.Threshold, m.AwardedAt, m.Reward)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil
		}

		if _, err := s.applyEntriesTx(ctx, tx, credit); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *Store) ListMilestones(ctx context.Context, inviterID int64) ([]referral.Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT inviter_id, threshold, reward, awarded, awarded_at
		FROM app_referral_milestones
		WHERE inviter_id = $1
		ORDER BY threshold
	`, inviterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []referral.Milestone
	for rows.Next() {
		var (
			m         referral.Milestone
			awardedAt sql.NullTime
		)
		if err := rows.Scan(&m.InviterID, &m.Threshold, &m.Reward, &m.Awarded, &awardedAt); err != nil {
			return nil, err
		}
		if awardedAt.Valid {
			m.AwardedAt = awardedAt.Time.UTC()
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// --- WithdrawalStore ---------------------------------------------------------

func (s *Store) CreateWithdrawal(ctx context.Context, req withdrawal.Request) (withdrawal.Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	historyJSON, err := json.Marshal(req.History)
	if err != nil {
		return withdrawal.Request{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_withdrawals (id, user_id, amount, address, status, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, req.ID, req.UserID, req.Amount, req.Address, req.Status, historyJSON, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return withdrawal.Request{}, mapErr(err)
	}
	return req, nil
}

func scanWithdrawal(row rowScanner) (withdrawal.Request, error) {
	var (
		req        withdrawal.Request
		historyRaw []byte
	)
	err := row.Scan(&req.ID, &req.UserID, &req.Amount, &req.Address, &req.Status, &historyRaw, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return withdrawal.Request{}, mapErr(err)
	}
	if len(historyRaw) > 0 {
		_ = json.Unmarshal(historyRaw, &req.History)
	}
	return req, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (withdrawal.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount, address, status, history, created_at, updated_at
		FROM app_withdrawals
		WHERE id = $1
	`, id)
	return scanWithdrawal(row)
}

func (s *Store) ListWithdrawals(ctx context.Context, userID int64, limit int) ([]withdrawal.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, address, status, history, created_at, updated_at
		FROM app_withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWithdrawals(rows)
}

func (s *Store) ListWithdrawalsByStatus(ctx context.Context, status withdrawal.Status) ([]withdrawal.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, address, status, history, created_at, updated_at
		FROM app_withdrawals
		WHERE status = $1
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWithdrawals(rows)
}

func collectWithdrawals(rows *sql.Rows) ([]withdrawal.Request, error) {
	var result []withdrawal.Request
	for rows.Next() {
		req, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func (s *Store) TransitionWithdrawal(ctx context.Context, id string, tr withdrawal.Transition, refund []ledger.Entry) (withdrawal.Request, error) {
	var req withdrawal.Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, user_id, amount, address, status, history, created_at, updated_at
			FROM app_withdrawals
			WHERE id = $1
			FOR UPDATE
		`, id)
		var err error
		req, err = scanWithdrawal(row)
		if err != nil {
			return err
		}
		if req.Status != tr.From {
			return storage.ErrConflict
		}

		if len(refund) > 0 {
			if _, err := s.applyEntriesTx(ctx, tx, refund); err != nil {
				return err
			}
		}

		if tr.At.IsZero() {
			tr.At = time.Now().UTC()
		}
		req.Status = tr.To
		req.History = append(req.History, tr)
		req.UpdatedAt = tr.At

		historyJSON, err := json.Marshal(req.History)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE app_withdrawals
			SET status = $2, history = $3, updated_at = $4
			WHERE id = $1
		`, req.ID, req.Status, historyJSON, req.UpdatedAt)
		return err
	})
	if err != nil {
		return withdrawal.Request{}, err
	}
	return req, nil
}

// --- RankStore ---------------------------------------------------------------

func (s *Store) SaveSnapshot(ctx context.Context, snap rank.Snapshot) (rank.Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	snap.CreatedAt = time.Now().UTC()

	entriesJSON, err := json.Marshal(snap.Entries)
	if err != nil {
		return rank.Snapshot{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_rank_snapshots (id, kind, date, entries, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, snap.ID, snap.Kind, snap.Date, entriesJSON, snap.CreatedAt)
	if err != nil {
		return rank.Snapshot{}, mapErr(err)
	}
	return snap, nil
}

func scanSnapshot(row rowScanner) (rank.Snapshot, error) {
	var (
		snap       rank.Snapshot
		entriesRaw []byte
	)
	if err := row.Scan(&snap.ID, &snap.Kind, &snap.Date, &entriesRaw, &snap.CreatedAt); err != nil {
		return rank.Snapshot{}, mapErr(err)
	}
	if len(entriesRaw) > 0 {
		_ = json.Unmarshal(entriesRaw, &snap.Entries)
	}
	return snap, nil
}

func (s *Store) GetSnapshot(ctx context.Context, kind rank.Kind, date string) (rank.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, date, entries, created_at
		FROM app_rank_snapshots
		WHERE kind = $1 AND date = $2
	`, kind, date)
	return scanSnapshot(row)
}

func (s *Store) LatestSnapshot(ctx context.Context, kind rank.Kind) (rank.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, date, entries, created_at
		FROM app_rank_snapshots
		WHERE kind = $1
		ORDER BY date DESC
		LIMIT 1
	`, kind)
	return scanSnapshot(row)
}

// --- JobStore ----------------------------------------------------------------

func (s *Store) CreateRun(ctx context.Context, run job.Run) (job.Run, error) {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_job_runs (kind, date, started_at, reset_at, completed_at, panels_processed, panels_failed, kwh_granted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.Kind, run.Date, run.StartedAt, toNullTime(run.ResetAt), toNullTime(run.CompletedAt),
		run.PanelsProcessed, run.PanelsFailed, run.KWhGranted)
	if err != nil {
		return job.Run{}, mapErr(err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, kind, date string) (job.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, date, started_at, reset_at, completed_at, panels_processed, panels_failed, kwh_granted
		FROM app_job_runs
		WHERE kind = $1 AND date = $2
	`, kind, date)

	var (
		run         job.Run
		resetAt     sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&run.Kind, &run.Date, &run.StartedAt, &resetAt, &completedAt,
		&run.PanelsProcessed, &run.PanelsFailed, &run.KWhGranted)
	if err != nil {
		return job.Run{}, mapErr(err)
	}
	if resetAt.Valid {
		run.ResetAt = resetAt.Time.UTC()
	}
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time.UTC()
	}
	return run, nil
}

func (s *Store) UpdateRun(ctx context.Context, run job.Run) (job.Run, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_job_runs
		SET reset_at = $3, completed_at = $4, panels_processed = $5, panels_failed = $6, kwh_granted = $7
		WHERE kind = $1 AND date = $2
	`, run.Kind, run.Date, toNullTime(run.ResetAt), toNullTime(run.CompletedAt),
		run.PanelsProcessed, run.PanelsFailed, run.KWhGranted)
	if err != nil {
		return job.Run{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return job.Run{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *Store) RecordGeneration(ctx context.Context, rec job.GenerationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_generation_log (user_id, date, generated_kwh, panel_count, vip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, date) DO UPDATE
		SET generated_kwh = app_generation_log.generated_kwh + EXCLUDED.generated_kwh,
			panel_count = app_generation_log.panel_count + EXCLUDED.panel_count,
			vip = EXCLUDED.vip
	`, rec.UserID, rec.Date, rec.GeneratedKWh, rec.PanelCount, rec.VIP, rec.CreatedAt)
	return err
}

func (s *Store) ListGeneration(ctx context.Context, date string) ([]job.GenerationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, date, generated_kwh, panel_count, vip, created_at
		FROM app_generation_log
		WHERE date = $1
		ORDER BY user_id
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []job.GenerationRecord
	for rows.Next() {
		var rec job.GenerationRecord
		if err := rows.Scan(&rec.UserID, &rec.Date, &rec.GeneratedKWh, &rec.PanelCount, &rec.VIP, &rec.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
