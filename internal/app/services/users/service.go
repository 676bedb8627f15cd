// Package users handles registration, wallet binding and progression levels.
package users

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/services/referrals"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// ErrInvalidAddress rejects wallet addresses that are not user-friendly TON
// addresses.
var ErrInvalidAddress = errors.New("invalid wallet address")

// tonAddressPattern matches the 48-character user-friendly form with the
// bounceable/non-bounceable prefixes used on mainnet and testnet.
var tonAddressPattern = regexp.MustCompile(`^(EQ|UQ|kQ|0Q)[A-Za-z0-9_-]{46}$`)

// ValidateAddress reports whether the address is acceptable for binding.
func ValidateAddress(address string) bool {
	return tonAddressPattern.MatchString(address)
}

// levels is the fixed progression ladder over lifetime generation.
var levels = []user.Level{
	{Index: 1, Name: "Eco Initiate", MinKWh: 0, NextAtKWh: 100 * ledger.Scale},
	{Index: 2, Name: "Hope Bringer", MinKWh: 100 * ledger.Scale, NextAtKWh: 300 * ledger.Scale},
	{Index: 3, Name: "Energy Seeker", MinKWh: 300 * ledger.Scale, NextAtKWh: 600 * ledger.Scale},
	{Index: 4, Name: "Nature's Voice", MinKWh: 600 * ledger.Scale, NextAtKWh: 1_000 * ledger.Scale},
	{Index: 5, Name: "Earth Ally", MinKWh: 1_000 * ledger.Scale, NextAtKWh: 2_000 * ledger.Scale},
	{Index: 6, Name: "Climate Warrior", MinKWh: 2_000 * ledger.Scale, NextAtKWh: 3_500 * ledger.Scale},
	{Index: 7, Name: "Green Sentinel", MinKWh: 3_500 * ledger.Scale, NextAtKWh: 5_000 * ledger.Scale},
	{Index: 8, Name: "Planet Defender", MinKWh: 5_000 * ledger.Scale, NextAtKWh: 7_500 * ledger.Scale},
	{Index: 9, Name: "Eco Champion", MinKWh: 7_500 * ledger.Scale, NextAtKWh: 10_000 * ledger.Scale},
	{Index: 10, Name: "Planet Saver", MinKWh: 10_000 * ledger.Scale, NextAtKWh: 15_000 * ledger.Scale},
	{Index: 11, Name: "Green Commander", MinKWh: 15_000 * ledger.Scale, NextAtKWh: 20_000 * ledger.Scale},
	{Index: 12, Name: "Guardian of Earth", MinKWh: 20_000 * ledger.Scale, NextAtKWh: 0},
}

// Service manages user records.
type Service struct {
	users     storage.UserStore
	referrals *referrals.Service
	log       *logger.Logger
}

// New constructs the user service.
func New(users storage.UserStore, referralSvc *referrals.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("users")
	}
	return &Service{users: users, referrals: referralSvc, log: log}
}

// Register creates the user on first contact and binds the referral edge
// when a valid inviter was supplied. Existing users get their username
// refreshed; the inviter of record never changes.
func (s *Service) Register(ctx context.Context, id int64, username string, referrerID int64) (user.User, error) {
	existing, err := s.users.GetUser(ctx, id)
	if err == nil {
		if username != "" && username != existing.Username {
			existing.Username = username
			return s.users.UpdateUser(ctx, existing)
		}
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return user.User{}, err
	}

	created, err := s.users.CreateUser(ctx, user.User{ID: id, Username: username, ReferrerID: referrerID})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return s.users.GetUser(ctx, id)
		}
		return user.User{}, err
	}

	if s.referrals != nil && referrerID != 0 {
		if _, err := s.referrals.Bind(ctx, referrerID, id); err != nil {
			s.log.WithError(err).Warnf("referral bind %d -> %d", referrerID, id)
		}
	}

	s.log.WithField("user", id).Info("user registered")
	return created, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id int64) (user.User, error) {
	return s.users.GetUser(ctx, id)
}

// List returns all users.
func (s *Service) List(ctx context.Context) ([]user.User, error) {
	return s.users.ListUsers(ctx)
}

// BindWallet attaches a TON address to the user. The VIP check timestamp is
// cleared so the next status read consults the indexer for the new wallet.
func (s *Service) BindWallet(ctx context.Context, id int64, address string) (user.User, error) {
	if !ValidateAddress(address) {
		return user.User{}, ErrInvalidAddress
	}
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return user.User{}, err
	}
	u.WalletAddress = address
	u.VIPCheckedAt = time.Time{}
	return s.users.UpdateUser(ctx, u)
}

// Level returns the user's current progression level.
func (s *Service) Level(ctx context.Context, id int64) (user.Level, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return user.Level{}, err
	}
	return LevelFor(u.TotalGeneratedKWh), nil
}

// LevelFor maps lifetime generation to a progression level.
func LevelFor(totalKWh int64) user.Level {
	current := levels[0]
	for _, lvl := range levels {
		if totalKWh >= lvl.MinKWh {
			current = lvl
		}
	}
	return current
}

// Levels returns the full ladder.
func Levels() []user.Level {
	out := make([]user.Level, len(levels))
	copy(out, levels)
	return out
}

// SetCapabilities is an administrative toggle for per-user feature flags.
func (s *Service) SetCapabilities(ctx context.Context, id int64, caps user.Capabilities) (user.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return user.User{}, err
	}
	u.Capabilities = caps
	return s.users.UpdateUser(ctx, u)
}
