package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/job"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/panel"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/rank"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/referral"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/withdrawal"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu             sync.RWMutex
	nextID         int64
	users          map[int64]user.User
	entries        map[int64][]ledger.Entry
	panels         map[string]panel.Panel
	panelsByKey    map[string]string
	edgesByInvited map[int64]referral.Edge
	milestones     map[string]referral.Milestone
	withdrawals    map[string]withdrawal.Request
	snapshots      map[string]rank.Snapshot
	runs           map[string]job.Run
	generation     map[string]job.GenerationRecord
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.PanelStore = (*Store)(nil)
var _ storage.ReferralStore = (*Store)(nil)
var _ storage.WithdrawalStore = (*Store)(nil)
var _ storage.RankStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:         1,
		users:          make(map[int64]user.User),
		entries:        make(map[int64][]ledger.Entry),
		panels:         make(map[string]panel.Panel),
		panelsByKey:    make(map[string]string),
		edgesByInvited: make(map[int64]referral.Edge),
		milestones:     make(map[string]referral.Milestone),
		withdrawals:    make(map[string]withdrawal.Request),
		snapshots:      make(map[string]rank.Snapshot),
		runs:           make(map[string]job.Run),
		generation:     make(map[string]job.GenerationRecord),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func panelKey(ownerID int64, key string) string      { return fmt.Sprintf("%d|%s", ownerID, key) }
func milestoneKey(inviterID int64, th int) string    { return fmt.Sprintf("%d|%d", inviterID, th) }
func snapshotKey(kind rank.Kind, date string) string { return fmt.Sprintf("%s|%s", kind, date) }
func runKey(kind, date string) string                { return fmt.Sprintf("%s|%s", kind, date) }
func generationKey(userID int64, date string) string { return fmt.Sprintf("%d|%s", userID, date) }

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == 0 {
		return user.User{}, fmt.Errorf("user id is required")
	}
	if _, exists := s.users[u.ID]; exists {
		return user.User{}, storage.ErrDuplicate
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) ResetDailyGeneration(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, u := range s.users {
		if u.TodayGeneratedKWh == 0 {
			continue
		}
		u.TodayGeneratedKWh = 0
		u.UpdatedAt = time.Now().UTC()
		s.users[id] = u
		count++
	}
	return count, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) ApplyEntries(_ context.Context, entries ...ledger.Entry) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyEntriesLocked(entries)
}

// applyEntriesLocked stages the affected users, applies every entry and
// commits only when the whole batch succeeds.
func (s *Store) applyEntriesLocked(entries []ledger.Entry) ([]ledger.Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	staged := make(map[int64]*user.User)
	for _, e := range entries {
		if _, ok := staged[e.UserID]; ok {
			continue
		}
		u, ok := s.users[e.UserID]
		if !ok {
			return nil, fmt.Errorf("user %d: %w", e.UserID, storage.ErrNotFound)
		}
		copied := u
		staged[e.UserID] = &copied
	}

	now := time.Now().UTC()
	applied := make([]ledger.Entry, 0, len(entries))
	for _, e := range entries {
		if err := storage.ApplyEntryToUser(staged[e.UserID], e); err != nil {
			return nil, err
		}
		if e.ID == "" {
			e.ID = s.nextIDLocked()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		applied = append(applied, e)
	}

	for id, u := range staged {
		u.UpdatedAt = now
		s.users[id] = *u
	}
	for _, e := range applied {
		s.entries[e.UserID] = append(s.entries[e.UserID], e)
	}
	return applied, nil
}

func (s *Store) ListEntries(_ context.Context, userID int64, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[userID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	// newest first
	result := make([]ledger.Entry, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

// PanelStore implementation ---------------------------------------------------

func (s *Store) CreatePanel(_ context.Context, p panel.Panel) (panel.Panel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.panels[p.ID]; exists {
		return panel.Panel{}, storage.ErrDuplicate
	}
	if p.IdempotencyKey != "" {
		key := panelKey(p.OwnerID, p.IdempotencyKey)
		if _, exists := s.panelsByKey[key]; exists {
			return panel.Panel{}, storage.ErrDuplicate
		}
		s.panelsByKey[key] = p.ID
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.panels[p.ID] = p
	return p, nil
}

func (s *Store) PurchasePanel(_ context.Context, p panel.Panel, debit []ledger.Entry, maxActive int) (panel.Panel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.panels[p.ID]; exists {
		return panel.Panel{}, storage.ErrDuplicate
	}
	var key string
	if p.IdempotencyKey != "" {
		key = panelKey(p.OwnerID, p.IdempotencyKey)
		if _, exists := s.panelsByKey[key]; exists {
			return panel.Panel{}, storage.ErrDuplicate
		}
	}

	if maxActive > 0 {
		count := 0
		for _, existing := range s.panels {
			if existing.OwnerID == p.OwnerID && existing.Active {
				count++
			}
		}
		if count >= maxActive {
			return panel.Panel{}, storage.ErrLimitExceeded
		}
	}

	if _, err := s.applyEntriesLocked(debit); err != nil {
		return panel.Panel{}, err
	}

	if key != "" {
		s.panelsByKey[key] = p.ID
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.panels[p.ID] = p
	return p, nil
}

func (s *Store) GetPanel(_ context.Context, id string) (panel.Panel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.panels[id]
	if !ok {
		return panel.Panel{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPanelByIdempotencyKey(_ context.Context, ownerID int64, key string) (panel.Panel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.panelsByKey[panelKey(ownerID, key)]
	if !ok {
		return panel.Panel{}, storage.ErrNotFound
	}
	return s.panels[id], nil
}

func (s *Store) ListPanels(_ context.Context, ownerID int64, includeInactive bool) ([]panel.Panel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []panel.Panel
	for _, p := range s.panels {
		if p.OwnerID != ownerID {
			continue
		}
		if !includeInactive && !p.Active {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PurchasedAt.Before(result[j].PurchasedAt) })
	return result, nil
}

func (s *Store) ListActivePanels(_ context.Context) ([]panel.Panel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []panel.Panel
	for _, p := range s.panels {
		if p.Active {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) CountActivePanels(_ context.Context, ownerID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, p := range s.panels {
		if p.OwnerID == ownerID && p.Active {
			count++
		}
	}
	return count, nil
}

func (s *Store) AccruePanel(_ context.Context, panelID, runDate string, credit ledger.Entry) (panel.Panel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.panels[panelID]
	if !ok {
		return panel.Panel{}, false, storage.ErrNotFound
	}
	if !p.Active || p.RemainingDays <= 0 || p.LastAccruedOn == runDate {
		return p, false, nil
	}

	if _, err := s.applyEntriesLocked([]ledger.Entry{credit}); err != nil {
		return panel.Panel{}, false, err
	}

	p.RemainingDays--
	p.LastAccruedOn = runDate
	if p.RemainingDays <= 0 {
		p.Active = false
	}
	p.UpdatedAt = time.Now().UTC()
	s.panels[panelID] = p
	return p, true, nil
}

// ReferralStore implementation ------------------------------------------------

func (s *Store) CreateEdge(_ context.Context, e referral.Edge) (referral.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.InviterID == 0 || e.InvitedID == 0 {
		return referral.Edge{}, fmt.Errorf("edge requires inviter and invited ids")
	}
	if _, exists := s.edgesByInvited[e.InvitedID]; exists {
		return referral.Edge{}, storage.ErrDuplicate
	}
	e.CreatedAt = time.Now().UTC()
	s.edgesByInvited[e.InvitedID] = e
	return e, nil
}

func (s *Store) GetEdgeByInvited(_ context.Context, invitedID int64) (referral.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.edgesByInvited[invitedID]
	if !ok {
		return referral.Edge{}, storage.ErrNotFound
	}
	return e, nil
}

func (s *Store) ListEdges(_ context.Context, inviterID int64) ([]referral.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []referral.Edge
	for _, e := range s.edgesByInvited {
		if e.InviterID == inviterID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InvitedID < result[j].InvitedID })
	return result, nil
}

func (s *Store) CountActiveEdges(_ context.Context, inviterID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.edgesByInvited {
		if e.InviterID == inviterID && e.Active {
			count++
		}
	}
	return count, nil
}

func (s *Store) ActivateEdge(_ context.Context, invitedID int64, at time.Time, bonus []ledger.Entry) (referral.Edge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edgesByInvited[invitedID]
	if !ok {
		return referral.Edge{}, false, storage.ErrNotFound
	}
	if e.Active {
		return e, false, nil
	}

	if _, err := s.applyEntriesLocked(bonus); err != nil {
		return referral.Edge{}, false, err
	}

	e.Active = true
	e.ActivatedAt = at.UTC()
	s.edgesByInvited[invitedID] = e
	return e, true, nil
}

func (s *Store) AwardMilestone(_ context.Context, m referral.Milestone, credit []ledger.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := milestoneKey(m.InviterID, m.Threshold)
	if existing, ok := s.milestones[key]; ok && existing.Awarded {
		return false, nil
	}

	if _, err := s.applyEntriesLocked(credit); err != nil {
		return false, err
	}

	m.Awarded = true
	if m.AwardedAt.IsZero() {
		m.AwardedAt = time.Now().UTC()
	}
	s.milestones[key] = m
	return true, nil
}

func (s *Store) ListMilestones(_ context.Context, inviterID int64) ([]referral.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []referral.Milestone
	for _, m := range s.milestones {
		if m.InviterID == inviterID {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Threshold < result[j].Threshold })
	return result, nil
}

// WithdrawalStore implementation ----------------------------------------------

func (s *Store) CreateWithdrawal(_ context.Context, req withdrawal.Request) (withdrawal.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = s.nextIDLocked()
	} else if _, exists := s.withdrawals[req.ID]; exists {
		return withdrawal.Request{}, storage.ErrDuplicate
	}

	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	req.History = cloneHistory(req.History)
	s.withdrawals[req.ID] = req
	return req, nil
}

func (s *Store) GetWithdrawal(_ context.Context, id string) (withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.withdrawals[id]
	if !ok {
		return withdrawal.Request{}, storage.ErrNotFound
	}
	req.History = cloneHistory(req.History)
	return req, nil
}

func (s *Store) ListWithdrawals(_ context.Context, userID int64, limit int) ([]withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []withdrawal.Request
	for _, req := range s.withdrawals {
		if req.UserID != userID {
			continue
		}
		req.History = cloneHistory(req.History)
		result = append(result, req)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListWithdrawalsByStatus(_ context.Context, status withdrawal.Status) ([]withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []withdrawal.Request
	for _, req := range s.withdrawals {
		if req.Status != status {
			continue
		}
		req.History = cloneHistory(req.History)
		result = append(result, req)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) TransitionWithdrawal(_ context.Context, id string, tr withdrawal.Transition, refund []ledger.Entry) (withdrawal.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.withdrawals[id]
	if !ok {
		return withdrawal.Request{}, storage.ErrNotFound
	}
	if req.Status != tr.From {
		return withdrawal.Request{}, storage.ErrConflict
	}

	if _, err := s.applyEntriesLocked(refund); err != nil {
		return withdrawal.Request{}, err
	}

	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}
	req.Status = tr.To
	req.History = append(cloneHistory(req.History), tr)
	req.UpdatedAt = tr.At
	s.withdrawals[id] = req
	return req, nil
}

func cloneHistory(h []withdrawal.Transition) []withdrawal.Transition {
	if len(h) == 0 {
		return nil
	}
	out := make([]withdrawal.Transition, len(h))
	copy(out, h)
	return out
}

// RankStore implementation ----------------------------------------------------

func (s *Store) SaveSnapshot(_ context.Context, snap rank.Snapshot) (rank.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey(snap.Kind, snap.Date)
	if _, exists := s.snapshots[key]; exists {
		return rank.Snapshot{}, storage.ErrDuplicate
	}
	if snap.ID == "" {
		snap.ID = s.nextIDLocked()
	}
	snap.CreatedAt = time.Now().UTC()
	snap.Entries = cloneEntries(snap.Entries)
	s.snapshots[key] = snap
	return snap, nil
}

func (s *Store) GetSnapshot(_ context.Context, kind rank.Kind, date string) (rank.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[snapshotKey(kind, date)]
	if !ok {
		return rank.Snapshot{}, storage.ErrNotFound
	}
	snap.Entries = cloneEntries(snap.Entries)
	return snap, nil
}

func (s *Store) LatestSnapshot(_ context.Context, kind rank.Kind) (rank.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest rank.Snapshot
	found := false
	for _, snap := range s.snapshots {
		if snap.Kind != kind {
			continue
		}
		if !found || snap.Date > latest.Date {
			latest = snap
			found = true
		}
	}
	if !found {
		return rank.Snapshot{}, storage.ErrNotFound
	}
	latest.Entries = cloneEntries(latest.Entries)
	return latest, nil
}

func cloneEntries(entries []rank.Entry) []rank.Entry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]rank.Entry, len(entries))
	copy(out, entries)
	return out
}

// JobStore implementation -----------------------------------------------------

func (s *Store) CreateRun(_ context.Context, run job.Run) (job.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(run.Kind, run.Date)
	if _, exists := s.runs[key]; exists {
		return job.Run{}, storage.ErrDuplicate
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	s.runs[key] = run
	return run, nil
}

func (s *Store) GetRun(_ context.Context, kind, date string) (job.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runKey(kind, date)]
	if !ok {
		return job.Run{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *Store) UpdateRun(_ context.Context, run job.Run) (job.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(run.Kind, run.Date)
	if _, ok := s.runs[key]; !ok {
		return job.Run{}, storage.ErrNotFound
	}
	s.runs[key] = run
	return run, nil
}

func (s *Store) RecordGeneration(_ context.Context, rec job.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := generationKey(rec.UserID, rec.Date)
	existing, ok := s.generation[key]
	if !ok {
		rec.CreatedAt = time.Now().UTC()
		s.generation[key] = rec
		return nil
	}
	existing.GeneratedKWh += rec.GeneratedKWh
	existing.PanelCount += rec.PanelCount
	existing.VIP = rec.VIP
	s.generation[key] = existing
	return nil
}

func (s *Store) ListGeneration(_ context.Context, date string) ([]job.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []job.GenerationRecord
	for _, rec := range s.generation {
		if rec.Date == date {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}
