// Package ranking builds the daily leaderboards from user and referral data.
package ranking

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/rank"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// Service computes and serves leaderboard snapshots. The bank account is
// excluded from every board.
type Service struct {
	users     storage.UserStore
	referrals storage.ReferralStore
	ranks     storage.RankStore
	bankID    int64
	log       *logger.Logger
}

// New constructs the ranking service.
func New(users storage.UserStore, referrals storage.ReferralStore, ranks storage.RankStore, bankID int64, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ranking")
	}
	return &Service{users: users, referrals: referrals, ranks: ranks, bankID: bankID, log: log}
}

// BuildSnapshots computes both boards for the date. A board that already
// has a snapshot for the date is left untouched, so the call is safe to
// repeat.
func (s *Service) BuildSnapshots(ctx context.Context, date string) error {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return err
	}

	energy := make([]rank.Entry, 0, len(users))
	referral := make([]rank.Entry, 0, len(users))
	for _, u := range users {
		if u.ID == s.bankID {
			continue
		}
		// No secondary key on the energy board: equal generation orders
		// by ascending user id.
		energy = append(energy, rank.Entry{
			UserID:   u.ID,
			Username: u.Username,
			Metric:   u.TotalGeneratedKWh,
		})

		active, err := s.referrals.CountActiveEdges(ctx, u.ID)
		if err != nil {
			return err
		}
		referral = append(referral, rank.Entry{
			UserID:    u.ID,
			Username:  u.Username,
			Metric:    int64(active),
			Secondary: u.ReferralBonusEarned,
		})
	}

	if err := s.save(ctx, rank.KindEnergy, date, energy); err != nil {
		return err
	}
	return s.save(ctx, rank.KindReferral, date, referral)
}

func (s *Service) save(ctx context.Context, kind rank.Kind, date string, entries []rank.Entry) error {
	sortEntries(entries)
	for i := range entries {
		entries[i].Position = i + 1
	}

	_, err := s.ranks.SaveSnapshot(ctx, rank.Snapshot{
		ID:      uuid.NewString(),
		Kind:    kind,
		Date:    date,
		Entries: entries,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.WithField("kind", string(kind)).Infof("leaderboard snapshot for %s (%d rows)", date, len(entries))
	return nil
}

// sortEntries orders by metric, then secondary, then user id so the
// ordering is deterministic.
func sortEntries(entries []rank.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Metric != entries[j].Metric {
			return entries[i].Metric > entries[j].Metric
		}
		if entries[i].Secondary != entries[j].Secondary {
			return entries[i].Secondary > entries[j].Secondary
		}
		return entries[i].UserID < entries[j].UserID
	})
}

// Leaderboard returns the latest snapshot for the kind, truncated to limit
// rows when limit is positive.
func (s *Service) Leaderboard(ctx context.Context, kind rank.Kind, limit int) (rank.Snapshot, error) {
	snap, err := s.ranks.LatestSnapshot(ctx, kind)
	if err != nil {
		return rank.Snapshot{}, err
	}
	if limit > 0 && len(snap.Entries) > limit {
		snap.Entries = snap.Entries[:limit]
	}
	return snap, nil
}

// Snapshot returns the board for a specific date.
func (s *Service) Snapshot(ctx context.Context, kind rank.Kind, date string) (rank.Snapshot, error) {
	return s.ranks.GetSnapshot(ctx, kind, date)
}

// Position finds the user's row in the latest snapshot. The boolean is
// false when the user does not appear.
func (s *Service) Position(ctx context.Context, kind rank.Kind, userID int64) (rank.Entry, bool, error) {
	snap, err := s.ranks.LatestSnapshot(ctx, kind)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return rank.Entry{}, false, nil
		}
		return rank.Entry{}, false, err
	}
	for _, e := range snap.Entries {
		if e.UserID == userID {
			return e, true, nil
		}
	}
	return rank.Entry{}, false, nil
}
