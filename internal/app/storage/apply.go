package storage

import (
	"fmt"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
)

// ApplyEntryToUser mutates the user's balances according to one ledger entry.
// Implementations stage users in memory, run every entry of a batch through
// this helper and persist only if all of them succeed, which keeps the
// no-partial-effect rule identical across backends.
func ApplyEntryToUser(u *user.User, e ledger.Entry) error {
	if e.UserID == 0 {
		return fmt.Errorf("ledger entry missing user id")
	}
	if e.UserID != u.ID {
		return fmt.Errorf("ledger entry user %d does not match account %d", e.UserID, u.ID)
	}
	if e.Amount == 0 {
		return fmt.Errorf("ledger entry amount must be non-zero")
	}

	switch e.Balance {
	case ledger.BalanceMain:
		if u.MainBalance+e.Amount < 0 {
			return ErrInsufficientFunds
		}
		u.MainBalance += e.Amount
	case ledger.BalanceBonus:
		if u.BonusBalance+e.Amount < 0 {
			return ErrInsufficientFunds
		}
		u.BonusBalance += e.Amount
	case ledger.BalanceEnergy:
		if u.AvailableKWh+e.Amount < 0 {
			return ErrInsufficientFunds
		}
		u.AvailableKWh += e.Amount
		if e.Amount > 0 && e.Kind == ledger.KindAccrual {
			u.TotalGeneratedKWh += e.Amount
			u.TodayGeneratedKWh += e.Amount
		}
	default:
		return fmt.Errorf("unknown balance %q", e.Balance)
	}

	if e.Kind == ledger.KindReferralBonus && e.Amount > 0 {
		u.ReferralBonusEarned += e.Amount
	}
	return nil
}
