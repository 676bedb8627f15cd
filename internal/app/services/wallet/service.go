// Package wallet implements the credit ledger around the bank account. Every
// user credit or debit is balanced against the bank, so summing all balances
// against the minted supply audits the whole economy.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/metrics"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

var (
	// ErrInsufficientFunds is surfaced when a debit would overdraw a balance.
	ErrInsufficientFunds = storage.ErrInsufficientFunds
	// ErrInvalidAmount rejects zero or negative operation amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrUnknownRecipient rejects transfers to users that do not exist.
	ErrUnknownRecipient = errors.New("unknown recipient")
)

// Service moves credits between users and the bank.
type Service struct {
	users  storage.UserStore
	ledger storage.LedgerStore
	bankID int64
	log    *logger.Logger
}

// New constructs the wallet service.
func New(users storage.UserStore, ledgerStore storage.LedgerStore, bankID int64, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("wallet")
	}
	return &Service{users: users, ledger: ledgerStore, bankID: bankID, log: log}
}

// BankID returns the id of the system emission account.
func (s *Service) BankID() int64 { return s.bankID }

// EnsureBank creates the bank account on first start and mints the initial
// supply. Subsequent calls are no-ops.
func (s *Service) EnsureBank(ctx context.Context, initialSupply int64) (user.User, error) {
	bank, err := s.users.GetUser(ctx, s.bankID)
	if err == nil {
		return bank, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return user.User{}, err
	}

	bank, err = s.users.CreateUser(ctx, user.User{
		ID:           s.bankID,
		Username:     "bank",
		Capabilities: user.Capabilities{Admin: true},
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return s.users.GetUser(ctx, s.bankID)
		}
		return user.User{}, err
	}

	if initialSupply > 0 {
		if _, err := s.Mint(ctx, initialSupply, "initial supply"); err != nil {
			return user.User{}, fmt.Errorf("mint initial supply: %w", err)
		}
		bank, err = s.users.GetUser(ctx, s.bankID)
		if err != nil {
			return user.User{}, err
		}
	}
	s.log.WithField("bank_id", s.bankID).Infof("bank account initialised with %s", ledger.FormatAmount(initialSupply))
	return bank, nil
}

// Balances returns the user with their current balances.
func (s *Service) Balances(ctx context.Context, userID int64) (user.User, error) {
	return s.users.GetUser(ctx, userID)
}

// History lists the user's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]ledger.Entry, error) {
	return s.ledger.ListEntries(ctx, userID, limit)
}

// Credit moves credits from the bank to the user's main balance.
func (s *Service) Credit(ctx context.Context, userID, amount int64, kind ledger.Kind, meta ledger.Meta) error {
	return s.creditBalance(ctx, userID, amount, kind, ledger.BalanceMain, meta)
}

// CreditBonus moves credits from the bank to the user's bonus balance.
func (s *Service) CreditBonus(ctx context.Context, userID, amount int64, kind ledger.Kind, meta ledger.Meta) error {
	return s.creditBalance(ctx, userID, amount, kind, ledger.BalanceBonus, meta)
}

func (s *Service) creditBalance(ctx context.Context, userID, amount int64, kind ledger.Kind, balance ledger.Balance, meta ledger.Meta) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	bankMeta := meta
	bankMeta.CounterpartyID = userID
	userMeta := meta
	userMeta.CounterpartyID = s.bankID
	_, err := s.ledger.ApplyEntries(ctx,
		ledger.Entry{UserID: s.bankID, Kind: kind, Balance: ledger.BalanceMain, Amount: -amount, Meta: bankMeta},
		ledger.Entry{UserID: userID, Kind: kind, Balance: balance, Amount: amount, Meta: userMeta},
	)
	if err == nil {
		metrics.RecordLedgerEntries(string(kind), 2)
	}
	return err
}

// Debit moves credits from the user's main balance back to the bank.
func (s *Service) Debit(ctx context.Context, userID, amount int64, kind ledger.Kind, meta ledger.Meta) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	userMeta := meta
	userMeta.CounterpartyID = s.bankID
	bankMeta := meta
	bankMeta.CounterpartyID = userID
	_, err := s.ledger.ApplyEntries(ctx,
		ledger.Entry{UserID: userID, Kind: kind, Balance: ledger.BalanceMain, Amount: -amount, Meta: userMeta},
		ledger.Entry{UserID: s.bankID, Kind: kind, Balance: ledger.BalanceMain, Amount: amount, Meta: bankMeta},
	)
	if err == nil {
		metrics.RecordLedgerEntries(string(kind), 2)
	}
	return err
}

// Transfer moves credits between two users' main balances.
func (s *Service) Transfer(ctx context.Context, fromID, toID, amount int64, note string) error {
	if amount <= 0 || fromID == toID {
		return ErrInvalidAmount
	}
	if _, err := s.users.GetUser(ctx, toID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownRecipient
		}
		return err
	}

	_, err := s.ledger.ApplyEntries(ctx,
		ledger.Entry{UserID: fromID, Kind: ledger.KindTransferOut, Balance: ledger.BalanceMain, Amount: -amount, Meta: ledger.Meta{CounterpartyID: toID, Note: note}},
		ledger.Entry{UserID: toID, Kind: ledger.KindTransferIn, Balance: ledger.BalanceMain, Amount: amount, Meta: ledger.Meta{CounterpartyID: fromID, Note: note}},
	)
	if err != nil {
		return err
	}
	metrics.RecordLedgerEntries(string(ledger.KindTransferOut), 2)
	s.log.WithField("from", fromID).WithField("to", toID).Infof("transferred %s", ledger.FormatAmount(amount))
	return nil
}

// Mint creates new supply on the bank's main balance.
func (s *Service) Mint(ctx context.Context, amount int64, note string) (ledger.Entry, error) {
	if amount <= 0 {
		return ledger.Entry{}, ErrInvalidAmount
	}
	applied, err := s.ledger.ApplyEntries(ctx, ledger.Entry{
		UserID: s.bankID, Kind: ledger.KindMint, Balance: ledger.BalanceMain, Amount: amount,
		Meta: ledger.Meta{Note: note},
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	metrics.RecordLedgerEntries(string(ledger.KindMint), 1)
	s.log.Infof("minted %s", ledger.FormatAmount(amount))
	return applied[0], nil
}

// Burn destroys supply held by the bank.
func (s *Service) Burn(ctx context.Context, amount int64, note string) (ledger.Entry, error) {
	if amount <= 0 {
		return ledger.Entry{}, ErrInvalidAmount
	}
	applied, err := s.ledger.ApplyEntries(ctx, ledger.Entry{
		UserID: s.bankID, Kind: ledger.KindBurn, Balance: ledger.BalanceMain, Amount: -amount,
		Meta: ledger.Meta{Note: note},
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	metrics.RecordLedgerEntries(string(ledger.KindBurn), 1)
	s.log.Infof("burned %s", ledger.FormatAmount(amount))
	return applied[0], nil
}
