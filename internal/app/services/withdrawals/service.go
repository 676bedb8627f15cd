// Package withdrawals manages on-chain payout requests. The amount is
// reserved by debiting the user when the request is created and returned
// only if the request fails.
package withdrawals

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/withdrawal"
	"github.com/EFHC-Network/ledger_core/internal/app/metrics"
	"github.com/EFHC-Network/ledger_core/internal/app/services/wallet"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

var (
	// ErrWalletNotBound rejects requests from users without a TON address.
	ErrWalletNotBound = errors.New("wallet address not bound")
	// ErrInvalidAmount rejects non-positive or below-minimum amounts.
	ErrInvalidAmount = errors.New("invalid withdrawal amount")
	// ErrInvalidTransition rejects state changes the machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInsufficientFunds is surfaced when the main balance cannot cover
	// the requested amount.
	ErrInsufficientFunds = wallet.ErrInsufficientFunds
)

// Limits bound the amount of a single request. A zero Max means unbounded.
type Limits struct {
	Min int64
	Max int64
}

// Service owns the withdrawal lifecycle.
type Service struct {
	users  storage.UserStore
	store  storage.WithdrawalStore
	wallet *wallet.Service
	limits Limits
	log    *logger.Logger
}

// New constructs the withdrawal service.
func New(users storage.UserStore, store storage.WithdrawalStore, walletSvc *wallet.Service, limits Limits, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("withdrawals")
	}
	return &Service{users: users, store: store, wallet: walletSvc, limits: limits, log: log}
}

// Create reserves the amount and files a pending request for the user's
// bound wallet.
func (s *Service) Create(ctx context.Context, userID, amount int64) (withdrawal.Request, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return withdrawal.Request{}, err
	}
	if u.WalletAddress == "" {
		return withdrawal.Request{}, ErrWalletNotBound
	}
	if amount <= 0 || amount < s.limits.Min {
		return withdrawal.Request{}, ErrInvalidAmount
	}
	if s.limits.Max > 0 && amount > s.limits.Max {
		return withdrawal.Request{}, ErrInvalidAmount
	}

	id := uuid.NewString()
	if err := s.wallet.Debit(ctx, userID, amount, ledger.KindWithdraw, ledger.Meta{RequestID: id}); err != nil {
		return withdrawal.Request{}, err
	}

	now := time.Now().UTC()
	req, err := s.store.CreateWithdrawal(ctx, withdrawal.Request{
		ID:      id,
		UserID:  userID,
		Amount:  amount,
		Address: u.WalletAddress,
		Status:  withdrawal.StatusPending,
		History: []withdrawal.Transition{{To: withdrawal.StatusPending, At: now}},
	})
	if err != nil {
		if refundErr := s.wallet.Credit(ctx, userID, amount, ledger.KindWithdrawRefund, ledger.Meta{RequestID: id, Note: "create rollback"}); refundErr != nil {
			s.log.WithError(refundErr).Errorf("refund after failed withdrawal create for user %d", userID)
		}
		return withdrawal.Request{}, err
	}

	s.log.WithField("user", userID).Infof("withdrawal %s created for %s", req.ID, ledger.FormatAmount(amount))
	return req, nil
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id string) (withdrawal.Request, error) {
	return s.store.GetWithdrawal(ctx, id)
}

// ListForUser returns the user's requests, newest first.
func (s *Service) ListForUser(ctx context.Context, userID int64, limit int) ([]withdrawal.Request, error) {
	return s.store.ListWithdrawals(ctx, userID, limit)
}

// ListByStatus returns requests in the given state, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status withdrawal.Status) ([]withdrawal.Request, error) {
	return s.store.ListWithdrawalsByStatus(ctx, status)
}

// Transition moves a request to the target state. Moving to failed refunds
// the reserved amount in the same atomic step.
func (s *Service) Transition(ctx context.Context, id string, to withdrawal.Status, actorID int64, note string) (withdrawal.Request, error) {
	req, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return withdrawal.Request{}, err
	}
	if !withdrawal.CanTransition(req.Status, to) {
		return withdrawal.Request{}, ErrInvalidTransition
	}

	var refund []ledger.Entry
	if to == withdrawal.StatusFailed {
		meta := ledger.Meta{RequestID: req.ID, Note: note}
		refund = []ledger.Entry{
			{UserID: s.wallet.BankID(), Kind: ledger.KindWithdrawRefund, Balance: ledger.BalanceMain, Amount: -req.Amount, Meta: ledger.Meta{RequestID: req.ID, CounterpartyID: req.UserID}},
			{UserID: req.UserID, Kind: ledger.KindWithdrawRefund, Balance: ledger.BalanceMain, Amount: req.Amount, Meta: meta},
		}
	}

	tr := withdrawal.Transition{
		From:    req.Status,
		To:      to,
		ActorID: actorID,
		Note:    note,
		At:      time.Now().UTC(),
	}
	updated, err := s.store.TransitionWithdrawal(ctx, id, tr, refund)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return withdrawal.Request{}, ErrInvalidTransition
		}
		return withdrawal.Request{}, err
	}

	metrics.RecordWithdrawalTransition(string(to))
	s.log.WithField("request", id).Infof("withdrawal %s -> %s", tr.From, tr.To)
	return updated, nil
}
