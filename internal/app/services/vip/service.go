// Package vip tracks the VIP pass held in users' wallets. Lookups against
// the external checker are cached on the user row with a TTL so reads stay
// cheap and the indexer is consulted at most once per period.
package vip

import (
	"context"
	"time"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// Service resolves and caches VIP status.
type Service struct {
	users   storage.UserStore
	checker Checker
	ttl     time.Duration
	log     *logger.Logger
}

// New constructs the VIP service. A nil checker leaves the cached flags
// untouched, which keeps the rest of the system functional without an
// indexer.
func New(users storage.UserStore, checker Checker, ttl time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("vip")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{users: users, checker: checker, ttl: ttl, log: log}
}

// Status returns the user's VIP flag, refreshing it when the cached value
// is stale.
func (s *Service) Status(ctx context.Context, userID int64) (bool, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if s.checker == nil || time.Since(u.VIPCheckedAt) < s.ttl {
		return u.VIP, nil
	}
	u, err = s.refresh(ctx, u)
	if err != nil {
		return false, err
	}
	return u.VIP, nil
}

// refresh consults the checker and persists the result. A checker failure
// keeps the cached value rather than flapping the flag.
func (s *Service) refresh(ctx context.Context, u user.User) (user.User, error) {
	hasVIP := false
	if u.WalletAddress != "" {
		var err error
		hasVIP, err = s.checker.HasVIP(ctx, u.WalletAddress)
		if err != nil {
			s.log.WithError(err).Warnf("vip check for user %d failed, keeping cached value", u.ID)
			return u, nil
		}
	}

	changed := u.VIP != hasVIP
	u.VIP = hasVIP
	u.VIPCheckedAt = time.Now().UTC()
	updated, err := s.users.UpdateUser(ctx, u)
	if err != nil {
		return user.User{}, err
	}
	if changed {
		s.log.WithField("user", u.ID).Infof("vip status now %t", hasVIP)
	}
	return updated, nil
}

// RefreshAll re-checks every user, returning how many flags changed. Run
// daily before the accrual job so multipliers line up with the new day.
func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	if s.checker == nil {
		return 0, nil
	}
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, u := range users {
		before := u.VIP
		updated, err := s.refresh(ctx, u)
		if err != nil {
			return changed, err
		}
		if updated.VIP != before {
			changed++
		}
	}
	return changed, nil
}

// Grant is an administrative override that pins the flag until the next
// scheduled refresh.
func (s *Service) Grant(ctx context.Context, userID int64, enabled bool) (user.User, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return user.User{}, err
	}
	u.VIP = enabled
	u.VIPCheckedAt = time.Now().UTC()
	return s.users.UpdateUser(ctx, u)
}
