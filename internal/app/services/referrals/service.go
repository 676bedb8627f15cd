// Package referrals manages invitation edges, activation bonuses and
// milestone rewards.
package referrals

import (
	"context"
	"errors"
	"time"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/referral"
	"github.com/EFHC-Network/ledger_core/internal/app/metrics"
	"github.com/EFHC-Network/ledger_core/internal/app/services/wallet"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// ErrSelfReferral rejects edges where inviter and invited are the same user.
var ErrSelfReferral = errors.New("cannot refer yourself")

// Service maintains the referral graph. Rewards are paid from the bank to the
// inviter's bonus balance.
type Service struct {
	users       storage.UserStore
	store       storage.ReferralStore
	wallet      *wallet.Service
	directBonus int64
	tiers       []referral.MilestoneTier
	log         *logger.Logger
}

// New constructs the referral service.
func New(users storage.UserStore, store storage.ReferralStore, walletSvc *wallet.Service, directBonus int64, tiers []referral.MilestoneTier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("referrals")
	}
	return &Service{
		users:       users,
		store:       store,
		wallet:      walletSvc,
		directBonus: directBonus,
		tiers:       tiers,
		log:         log,
	}
}

// Bind records that invited joined through inviter. Binding is idempotent:
// a repeat call returns the existing edge, and an edge registered through a
// different inviter is left untouched.
func (s *Service) Bind(ctx context.Context, inviterID, invitedID int64) (referral.Edge, error) {
	if inviterID == invitedID {
		return referral.Edge{}, ErrSelfReferral
	}
	if _, err := s.users.GetUser(ctx, inviterID); err != nil {
		return referral.Edge{}, err
	}

	edge, err := s.store.CreateEdge(ctx, referral.Edge{InviterID: inviterID, InvitedID: invitedID})
	if errors.Is(err, storage.ErrDuplicate) {
		return s.store.GetEdgeByInvited(ctx, invitedID)
	}
	return edge, err
}

// Activate marks the invited user's edge active after their first panel
// purchase, pays the direct bonus in the same atomic store step as the
// flip, and re-evaluates milestone thresholds. A failed bonus leaves the
// edge inactive so the next purchase retries the whole activation. Users
// without an inviter are a no-op.
func (s *Service) Activate(ctx context.Context, invitedID int64) error {
	edge, err := s.store.GetEdgeByInvited(ctx, invitedID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if edge.Active {
		return nil
	}

	var bonus []ledger.Entry
	if s.directBonus > 0 {
		note := "direct referral bonus"
		bonus = []ledger.Entry{
			{UserID: s.wallet.BankID(), Kind: ledger.KindReferralBonus, Balance: ledger.BalanceMain, Amount: -s.directBonus, Meta: ledger.Meta{CounterpartyID: edge.InviterID, Note: note}},
			{UserID: edge.InviterID, Kind: ledger.KindReferralBonus, Balance: ledger.BalanceBonus, Amount: s.directBonus, Meta: ledger.Meta{CounterpartyID: s.wallet.BankID(), Note: note}},
		}
	}

	edge, activated, err := s.store.ActivateEdge(ctx, invitedID, time.Now().UTC(), bonus)
	if err != nil {
		return err
	}
	if !activated {
		return nil
	}
	if len(bonus) > 0 {
		metrics.RecordLedgerEntries(string(ledger.KindReferralBonus), len(bonus))
	}

	return s.evaluateMilestones(ctx, edge.InviterID)
}

// evaluateMilestones awards every configured tier the inviter has reached.
// The store latch makes each award once-only even under concurrent
// activations.
func (s *Service) evaluateMilestones(ctx context.Context, inviterID int64) error {
	count, err := s.store.CountActiveEdges(ctx, inviterID)
	if err != nil {
		return err
	}

	for _, tier := range s.tiers {
		if count < tier.Threshold {
			continue
		}
		meta := ledger.Meta{Threshold: tier.Threshold}
		credit := []ledger.Entry{
			{UserID: s.wallet.BankID(), Kind: ledger.KindReferralBonus, Balance: ledger.BalanceMain, Amount: -tier.Reward, Meta: meta},
			{UserID: inviterID, Kind: ledger.KindReferralBonus, Balance: ledger.BalanceBonus, Amount: tier.Reward, Meta: meta},
		}
		awarded, err := s.store.AwardMilestone(ctx, referral.Milestone{
			InviterID: inviterID,
			Threshold: tier.Threshold,
			Reward:    tier.Reward,
		}, credit)
		if err != nil {
			return err
		}
		if awarded {
			s.log.WithField("inviter", inviterID).Infof("milestone %d awarded (%s)", tier.Threshold, ledger.FormatAmount(tier.Reward))
		}
	}
	return nil
}

// Stats summarises the inviter's standing in the program.
func (s *Service) Stats(ctx context.Context, inviterID int64) (referral.Stats, error) {
	u, err := s.users.GetUser(ctx, inviterID)
	if err != nil {
		return referral.Stats{}, err
	}
	edges, err := s.store.ListEdges(ctx, inviterID)
	if err != nil {
		return referral.Stats{}, err
	}
	active := 0
	for _, e := range edges {
		if e.Active {
			active++
		}
	}
	return referral.Stats{
		InviterID:   inviterID,
		Invited:     len(edges),
		Active:      active,
		BonusEarned: u.ReferralBonusEarned,
	}, nil
}

// Milestones lists every configured tier with its award state for the
// inviter.
func (s *Service) Milestones(ctx context.Context, inviterID int64) ([]referral.Milestone, error) {
	awarded, err := s.store.ListMilestones(ctx, inviterID)
	if err != nil {
		return nil, err
	}
	byThreshold := make(map[int]referral.Milestone, len(awarded))
	for _, m := range awarded {
		byThreshold[m.Threshold] = m
	}

	result := make([]referral.Milestone, 0, len(s.tiers))
	for _, tier := range s.tiers {
		if m, ok := byThreshold[tier.Threshold]; ok {
			result = append(result, m)
			continue
		}
		result = append(result, referral.Milestone{
			InviterID: inviterID,
			Threshold: tier.Threshold,
			Reward:    tier.Reward,
		})
	}
	return result, nil
}

// Edges lists the inviter's referrals.
func (s *Service) Edges(ctx context.Context, inviterID int64) ([]referral.Edge, error) {
	return s.store.ListEdges(ctx, inviterID)
}
