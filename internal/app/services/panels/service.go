// Package panels sells and tracks virtual solar panels.
package panels

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/panel"
	"github.com/EFHC-Network/ledger_core/internal/app/metrics"
	"github.com/EFHC-Network/ledger_core/internal/app/services/referrals"
	"github.com/EFHC-Network/ledger_core/internal/app/services/wallet"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

var (
	// ErrLimitExceeded rejects purchases beyond the active panel cap.
	ErrLimitExceeded = storage.ErrLimitExceeded
	// ErrInsufficientFunds is surfaced when the main balance cannot cover
	// the panel price.
	ErrInsufficientFunds = wallet.ErrInsufficientFunds
)

// Terms are the purchase-time economics applied to new panels.
type Terms struct {
	Price        int64
	LifespanDays int
	MaxActive    int
	BaseDailyKWh int64
	VIPBoostPct  int64
}

// Service handles panel purchases and queries. The daily generation rate is
// frozen into the panel at purchase time.
type Service struct {
	users     storage.UserStore
	panels    storage.PanelStore
	wallet    *wallet.Service
	referrals *referrals.Service
	terms     Terms
	log       *logger.Logger
}

// New constructs the panel service.
func New(users storage.UserStore, panelStore storage.PanelStore, walletSvc *wallet.Service, referralSvc *referrals.Service, terms Terms, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("panels")
	}
	return &Service{
		users:     users,
		panels:    panelStore,
		wallet:    walletSvc,
		referrals: referralSvc,
		terms:     terms,
		log:       log,
	}
}

// Purchase debits the panel price from the user's main balance and creates
// an active panel; the debit, the cap check and the insert happen in one
// atomic store step. A non-empty idempotency key makes retries return the
// already-created panel instead of charging again.
func (s *Service) Purchase(ctx context.Context, userID int64, idemKey string) (panel.Panel, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return panel.Panel{}, err
	}

	if idemKey != "" {
		existing, err := s.panels.GetPanelByIdempotencyKey(ctx, userID, idemKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return panel.Panel{}, err
		}
	}

	rate := s.terms.BaseDailyKWh
	if u.VIP {
		rate = ledger.ApplyMultiplierPct(rate, s.terms.VIPBoostPct)
	}

	p := panel.Panel{
		ID:             uuid.NewString(),
		OwnerID:        userID,
		PurchasedAt:    time.Now().UTC(),
		LifespanDays:   s.terms.LifespanDays,
		RemainingDays:  s.terms.LifespanDays,
		DailyRateKWh:   rate,
		Active:         true,
		VIPAtPurchase:  u.VIP,
		IdempotencyKey: idemKey,
	}

	bankID := s.wallet.BankID()
	debit := []ledger.Entry{
		{UserID: userID, Kind: ledger.KindPurchase, Balance: ledger.BalanceMain, Amount: -s.terms.Price, Meta: ledger.Meta{PanelID: p.ID, CounterpartyID: bankID}},
		{UserID: bankID, Kind: ledger.KindPurchase, Balance: ledger.BalanceMain, Amount: s.terms.Price, Meta: ledger.Meta{PanelID: p.ID, CounterpartyID: userID}},
	}
	created, err := s.panels.PurchasePanel(ctx, p, debit, s.terms.MaxActive)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) && idemKey != "" {
			return s.panels.GetPanelByIdempotencyKey(ctx, userID, idemKey)
		}
		return panel.Panel{}, err
	}
	metrics.RecordLedgerEntries(string(ledger.KindPurchase), 2)

	if !u.Active {
		u.Active = true
		if _, err := s.users.UpdateUser(ctx, u); err != nil {
			s.log.WithError(err).Warnf("mark user %d active", userID)
		}
	}

	if s.referrals != nil {
		if err := s.referrals.Activate(ctx, userID); err != nil {
			s.log.WithError(err).Warnf("referral activation for user %d", userID)
		}
	}

	s.log.WithField("user", userID).Infof("panel %s purchased at rate %s", created.ID, ledger.FormatAmount(rate))
	return created, nil
}

// Get returns a single panel.
func (s *Service) Get(ctx context.Context, id string) (panel.Panel, error) {
	return s.panels.GetPanel(ctx, id)
}

// List returns the user's panels, optionally including retired ones.
func (s *Service) List(ctx context.Context, userID int64, includeInactive bool) ([]panel.Panel, error) {
	return s.panels.ListPanels(ctx, userID, includeInactive)
}

// CountActive returns the number of generating panels the user owns.
func (s *Service) CountActive(ctx context.Context, userID int64) (int, error) {
	return s.panels.CountActivePanels(ctx, userID)
}
