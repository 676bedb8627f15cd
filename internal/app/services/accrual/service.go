// Package accrual runs the daily generation job: each active panel credits
// its frozen daily rate to its owner's energy balance exactly once per
// accrual date.
package accrual

import (
	"context"
	"errors"
	"time"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/job"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/metrics"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// DateFormat is the accrual day key, always UTC.
const DateFormat = "2006-01-02"

// Service executes dated accrual runs. Runs are resumable: a rerun for the
// same date skips panels that were already credited and only finishes the
// stragglers.
type Service struct {
	users  storage.UserStore
	panels storage.PanelStore
	jobs   storage.JobStore
	log    *logger.Logger
}

// New constructs the accrual service.
func New(users storage.UserStore, panels storage.PanelStore, jobs storage.JobStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accrual")
	}
	return &Service{users: users, panels: panels, jobs: jobs, log: log}
}

// Today returns the current accrual date.
func Today() string {
	return time.Now().UTC().Format(DateFormat)
}

// Run performs the accrual for one date. Completed runs return immediately;
// unfinished runs resume where they stopped. The daily counters are reset
// exactly once per date, before the first credit.
func (s *Service) Run(ctx context.Context, date string) (job.Run, error) {
	if _, err := time.Parse(DateFormat, date); err != nil {
		return job.Run{}, err
	}

	run, err := s.jobs.GetRun(ctx, job.KindAccrual, date)
	if errors.Is(err, storage.ErrNotFound) {
		run, err = s.jobs.CreateRun(ctx, job.Run{
			Kind:      job.KindAccrual,
			Date:      date,
			StartedAt: time.Now().UTC(),
		})
	}
	if err != nil {
		return job.Run{}, err
	}
	if !run.CompletedAt.IsZero() {
		return run, nil
	}

	if run.ResetAt.IsZero() {
		count, err := s.users.ResetDailyGeneration(ctx)
		if err != nil {
			return run, err
		}
		run.ResetAt = time.Now().UTC()
		if run, err = s.jobs.UpdateRun(ctx, run); err != nil {
			return run, err
		}
		s.log.WithField("date", date).Infof("daily counters reset for %d users", count)
	}

	panels, err := s.panels.ListActivePanels(ctx)
	if err != nil {
		return run, err
	}

	started := time.Now()
	processed, failed := 0, 0
	var granted int64
	for _, p := range panels {
		if p.LastAccruedOn == date {
			continue
		}

		credit := ledger.Entry{
			UserID:  p.OwnerID,
			Kind:    ledger.KindAccrual,
			Balance: ledger.BalanceEnergy,
			Amount:  p.DailyRateKWh,
			Meta:    ledger.Meta{PanelID: p.ID, RunDate: date},
		}
		updated, credited, err := s.panels.AccruePanel(ctx, p.ID, date, credit)
		if err != nil {
			failed++
			s.log.WithError(err).Warnf("accrue panel %s", p.ID)
			continue
		}
		if !credited {
			continue
		}

		processed++
		granted += p.DailyRateKWh
		if err := s.jobs.RecordGeneration(ctx, job.GenerationRecord{
			UserID:       p.OwnerID,
			Date:         date,
			GeneratedKWh: p.DailyRateKWh,
			PanelCount:   1,
			VIP:          updated.VIPAtPurchase,
		}); err != nil {
			s.log.WithError(err).Warnf("record generation for user %d", p.OwnerID)
		}
	}

	run.PanelsProcessed += processed
	run.PanelsFailed = failed // failures of this pass only
	run.KWhGranted += granted
	if failed == 0 {
		run.CompletedAt = time.Now().UTC()
	}
	run, err = s.jobs.UpdateRun(ctx, run)
	if err != nil {
		return run, err
	}
	metrics.RecordAccrualRun(time.Since(started), processed, failed, !run.CompletedAt.IsZero())

	s.log.WithField("date", date).Infof("accrual processed %d panels (%d failed), granted %s kWh",
		processed, failed, ledger.FormatAmount(granted))
	return run, nil
}

// Status returns the bookkeeping record for a date.
func (s *Service) Status(ctx context.Context, date string) (job.Run, error) {
	return s.jobs.GetRun(ctx, job.KindAccrual, date)
}

// Generation returns the per-user generation log for a date.
func (s *Service) Generation(ctx context.Context, date string) ([]job.GenerationRecord, error) {
	return s.jobs.ListGeneration(ctx, date)
}
