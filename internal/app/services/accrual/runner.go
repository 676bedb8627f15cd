package accrual

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/EFHC-Network/ledger_core/internal/app/system"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// VIPRefresher re-checks VIP flags before the day's accrual.
type VIPRefresher interface {
	RefreshAll(ctx context.Context) (int, error)
}

// SnapshotBuilder freezes the leaderboards after the day's accrual.
type SnapshotBuilder interface {
	BuildSnapshots(ctx context.Context, date string) error
}

// Runner drives the daily schedule: VIP refresh first, then the accrual run
// and leaderboard snapshots. All schedules are evaluated in UTC.
type Runner struct {
	service   *Service
	vip       VIPRefresher
	snapshots SnapshotBuilder
	vipSpec   string
	runSpec   string
	log       *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Runner)(nil)

// NewRunner constructs the scheduler. The vip and snapshot hooks may be nil.
func NewRunner(service *Service, vipRefresher VIPRefresher, snapshots SnapshotBuilder, vipSpec, runSpec string, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("accrual-runner")
	}
	if vipSpec == "" {
		vipSpec = "0 0 * * *"
	}
	if runSpec == "" {
		runSpec = "30 0 * * *"
	}
	return &Runner{
		service:   service,
		vip:       vipRefresher,
		snapshots: snapshots,
		vipSpec:   vipSpec,
		runSpec:   runSpec,
		log:       log,
	}
}

func (r *Runner) Name() string { return "accrual-runner" }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if r.vip != nil {
		if _, err := c.AddFunc(r.vipSpec, func() { r.refreshVIP(context.Background()) }); err != nil {
			return fmt.Errorf("vip schedule %q: %w", r.vipSpec, err)
		}
	}
	if _, err := c.AddFunc(r.runSpec, func() { r.runOnce(context.Background()) }); err != nil {
		return fmt.Errorf("accrual schedule %q: %w", r.runSpec, err)
	}

	c.Start()
	r.cron = c
	r.running = true
	r.log.Infof("accrual scheduler started (vip %q, run %q)", r.vipSpec, r.runSpec)
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.running = false
	r.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) refreshVIP(ctx context.Context) {
	changed, err := r.vip.RefreshAll(ctx)
	if err != nil {
		r.log.WithError(err).Warn("scheduled vip refresh failed")
		return
	}
	r.log.Infof("scheduled vip refresh changed %d users", changed)
}

// runOnce executes the accrual for today and, when it completes, freezes
// the day's leaderboards.
func (r *Runner) runOnce(ctx context.Context) {
	date := Today()
	run, err := r.service.Run(ctx, date)
	if err != nil {
		r.log.WithError(err).Warnf("scheduled accrual for %s failed", date)
		return
	}
	if run.CompletedAt.IsZero() {
		r.log.Warnf("accrual for %s left %d panels unfinished", date, run.PanelsFailed)
		return
	}
	if r.snapshots != nil {
		if err := r.snapshots.BuildSnapshots(ctx, date); err != nil {
			r.log.WithError(err).Warnf("leaderboard snapshots for %s failed", date)
		}
	}
}
