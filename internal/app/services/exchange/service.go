// Package exchange converts generated energy into spendable credits at a
// fixed 1:1 rate.
package exchange

import (
	"context"
	"errors"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/metrics"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// ErrInvalidAmount rejects conversions below the minimum or beyond the
// user's available energy.
var ErrInvalidAmount = errors.New("invalid conversion amount")

// Service performs kWh to credit conversions against the bank.
type Service struct {
	users  storage.UserStore
	ledger storage.LedgerStore
	bankID int64
	minKWh int64
	log    *logger.Logger
}

// New constructs the exchange service.
func New(users storage.UserStore, ledgerStore storage.LedgerStore, bankID, minKWh int64, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("exchange")
	}
	return &Service{users: users, ledger: ledgerStore, bankID: bankID, minKWh: minKWh, log: log}
}

// Convert burns kwh milli-kWh of available energy and credits the same
// amount to the user's main balance. Lifetime generation counters are not
// affected.
func (s *Service) Convert(ctx context.Context, userID, kwh int64) (user.User, error) {
	if kwh < s.minKWh || kwh <= 0 {
		return user.User{}, ErrInvalidAmount
	}

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return user.User{}, err
	}
	if kwh > u.AvailableKWh {
		return user.User{}, ErrInvalidAmount
	}

	meta := ledger.Meta{Note: "energy conversion"}
	_, err = s.ledger.ApplyEntries(ctx,
		ledger.Entry{UserID: userID, Kind: ledger.KindConvert, Balance: ledger.BalanceEnergy, Amount: -kwh, Meta: meta},
		ledger.Entry{UserID: s.bankID, Kind: ledger.KindConvert, Balance: ledger.BalanceMain, Amount: -kwh, Meta: ledger.Meta{CounterpartyID: userID}},
		ledger.Entry{UserID: userID, Kind: ledger.KindConvert, Balance: ledger.BalanceMain, Amount: kwh, Meta: meta},
	)
	if err != nil {
		return user.User{}, err
	}
	metrics.RecordLedgerEntries(string(ledger.KindConvert), 3)

	s.log.WithField("user", userID).Infof("converted %s kWh", ledger.FormatAmount(kwh))
	return s.users.GetUser(ctx, userID)
}

// Minimum returns the smallest convertible amount in milli-kWh.
func (s *Service) Minimum() int64 { return s.minKWh }
