package storage

import (
	"context"
	"errors"
	"time"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/job"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/panel"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/rank"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/referral"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/user"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/withdrawal"
)

// Sentinel errors shared by every store implementation.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrConflict          = errors.New("conflicting update")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrLimitExceeded     = errors.New("active panel limit reached")
)

// UserStore persists user accounts and their balances.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id int64) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)

	// ResetDailyGeneration zeroes every user's daily counter and returns the
	// number of users touched.
	ResetDailyGeneration(ctx context.Context) (int, error)
}

// LedgerStore persists balance movements. ApplyEntries applies the whole
// batch atomically: balances are updated and entries recorded together, or
// nothing changes and the error reports why (ErrInsufficientFunds when a
// debit would drive a balance negative).
type LedgerStore interface {
	ApplyEntries(ctx context.Context, entries ...ledger.Entry) ([]ledger.Entry, error)
	ListEntries(ctx context.Context, userID int64, limit int) ([]ledger.Entry, error)
}

// PanelStore persists panels and performs the per-panel accrual step.
type PanelStore interface {
	CreatePanel(ctx context.Context, p panel.Panel) (panel.Panel, error)

	// PurchasePanel applies the purchase debit and creates the panel in one
	// atomic step: either the buyer is charged and owns the panel, or
	// nothing changed. When maxActive is positive the owner's active-panel
	// count is checked under the same lock and exceeding it fails with
	// ErrLimitExceeded.
	PurchasePanel(ctx context.Context, p panel.Panel, debit []ledger.Entry, maxActive int) (panel.Panel, error)
	GetPanel(ctx context.Context, id string) (panel.Panel, error)
	GetPanelByIdempotencyKey(ctx context.Context, ownerID int64, key string) (panel.Panel, error)
	ListPanels(ctx context.Context, ownerID int64, includeInactive bool) ([]panel.Panel, error)
	ListActivePanels(ctx context.Context) ([]panel.Panel, error)
	CountActivePanels(ctx context.Context, ownerID int64) (int, error)

	// AccruePanel credits one day of generation for the panel: it applies the
	// energy entry, decrements the remaining lifespan and stamps the run
	// date, all atomically. It returns false without error when the panel
	// was already credited for runDate or is no longer active.
	AccruePanel(ctx context.Context, panelID, runDate string, credit ledger.Entry) (panel.Panel, bool, error)
}

// ReferralStore persists invitation edges and milestone latches.
type ReferralStore interface {
	CreateEdge(ctx context.Context, e referral.Edge) (referral.Edge, error)
	GetEdgeByInvited(ctx context.Context, invitedID int64) (referral.Edge, error)
	ListEdges(ctx context.Context, inviterID int64) ([]referral.Edge, error)
	CountActiveEdges(ctx context.Context, inviterID int64) (int, error)

	// ActivateEdge flips the invited user's edge to active and applies the
	// bonus entries in the same atomic step. The boolean is true only for
	// the call that performed the flip; repeat calls apply nothing.
	ActivateEdge(ctx context.Context, invitedID int64, at time.Time, bonus []ledger.Entry) (referral.Edge, bool, error)

	// AwardMilestone claims the (inviter, threshold) latch and applies the
	// reward entries in the same atomic step. It returns false without
	// error when the milestone was already awarded.
	AwardMilestone(ctx context.Context, m referral.Milestone, credit []ledger.Entry) (bool, error)
	ListMilestones(ctx context.Context, inviterID int64) ([]referral.Milestone, error)
}

// WithdrawalStore persists payout requests.
type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, req withdrawal.Request) (withdrawal.Request, error)
	GetWithdrawal(ctx context.Context, id string) (withdrawal.Request, error)
	ListWithdrawals(ctx context.Context, userID int64, limit int) ([]withdrawal.Request, error)
	ListWithdrawalsByStatus(ctx context.Context, status withdrawal.Status) ([]withdrawal.Request, error)

	// TransitionWithdrawal moves the request from tr.From to tr.To, appends
	// the audit record and applies any refund entries atomically. It returns
	// ErrConflict when the stored status no longer matches tr.From.
	TransitionWithdrawal(ctx context.Context, id string, tr withdrawal.Transition, refund []ledger.Entry) (withdrawal.Request, error)
}

// RankStore persists leaderboard snapshots.
type RankStore interface {
	// SaveSnapshot stores an immutable snapshot; a second snapshot for the
	// same kind and date fails with ErrDuplicate.
	SaveSnapshot(ctx context.Context, s rank.Snapshot) (rank.Snapshot, error)
	GetSnapshot(ctx context.Context, kind rank.Kind, date string) (rank.Snapshot, error)
	LatestSnapshot(ctx context.Context, kind rank.Kind) (rank.Snapshot, error)
}

// JobStore persists scheduled-job bookkeeping.
type JobStore interface {
	CreateRun(ctx context.Context, run job.Run) (job.Run, error)
	GetRun(ctx context.Context, kind, date string) (job.Run, error)
	UpdateRun(ctx context.Context, run job.Run) (job.Run, error)

	// RecordGeneration accumulates credited energy into the per-user daily
	// log, inserting the row on first use.
	RecordGeneration(ctx context.Context, rec job.GenerationRecord) error
	ListGeneration(ctx context.Context, date string) ([]job.GenerationRecord, error)
}
