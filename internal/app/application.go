package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/EFHC-Network/ledger_core/internal/app/services/accrual"
	exchangesvc "github.com/EFHC-Network/ledger_core/internal/app/services/exchange"
	panelsvc "github.com/EFHC-Network/ledger_core/internal/app/services/panels"
	"github.com/EFHC-Network/ledger_core/internal/app/services/ranking"
	referralsvc "github.com/EFHC-Network/ledger_core/internal/app/services/referrals"
	usersvc "github.com/EFHC-Network/ledger_core/internal/app/services/users"
	vipsvc "github.com/EFHC-Network/ledger_core/internal/app/services/vip"
	walletsvc "github.com/EFHC-Network/ledger_core/internal/app/services/wallet"
	withdrawalsvc "github.com/EFHC-Network/ledger_core/internal/app/services/withdrawals"
	"github.com/EFHC-Network/ledger_core/internal/app/storage"
	"github.com/EFHC-Network/ledger_core/internal/app/storage/memory"
	"github.com/EFHC-Network/ledger_core/internal/app/system"
	"github.com/EFHC-Network/ledger_core/internal/config"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users       storage.UserStore
	Ledger      storage.LedgerStore
	Panels      storage.PanelStore
	Referrals   storage.ReferralStore
	Withdrawals storage.WithdrawalStore
	Ranks       storage.RankStore
	Jobs        storage.JobStore
}

// Options tunes application construction beyond the stores.
type Options struct {
	Economy  config.Economy
	BankID   int64
	Schedule config.ScheduleConfig

	// VIPChecker overrides the env-configured HTTP checker, mainly for
	// tests.
	VIPChecker vipsvc.Checker
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Economy config.Economy

	Wallet      *walletsvc.Service
	Users       *usersvc.Service
	Panels      *panelsvc.Service
	Exchange    *exchangesvc.Service
	Referrals   *referralsvc.Service
	Withdrawals *withdrawalsvc.Service
	VIP         *vipsvc.Service
	Ranking     *ranking.Service
	Accrual     *accrual.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if opts.Economy.PanelPrice == 0 {
		opts.Economy = config.DefaultEconomy()
	}
	if opts.BankID == 0 {
		opts.BankID = 362746228
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Panels == nil {
		stores.Panels = mem
	}
	if stores.Referrals == nil {
		stores.Referrals = mem
	}
	if stores.Withdrawals == nil {
		stores.Withdrawals = mem
	}
	if stores.Ranks == nil {
		stores.Ranks = mem
	}
	if stores.Jobs == nil {
		stores.Jobs = mem
	}

	manager := system.NewManager()
	httpClient := &http.Client{Timeout: 10 * time.Second}
	eco := opts.Economy

	walletService := walletsvc.New(stores.Users, stores.Ledger, opts.BankID, log)
	referralService := referralsvc.New(stores.Users, stores.Referrals, walletService, eco.DirectReferralBonus, eco.Milestones, log)
	userService := usersvc.New(stores.Users, referralService, log)
	panelService := panelsvc.New(stores.Users, stores.Panels, walletService, referralService, panelsvc.Terms{
		Price:        eco.PanelPrice,
		LifespanDays: eco.PanelLifespanDays,
		MaxActive:    eco.MaxActivePanels,
		BaseDailyKWh: eco.BaseDailyKWh,
		VIPBoostPct:  eco.VIPBoostPct,
	}, log)
	exchangeService := exchangesvc.New(stores.Users, stores.Ledger, opts.BankID, eco.MinConvertKWh, log)
	withdrawalService := withdrawalsvc.New(stores.Users, stores.Withdrawals, walletService, withdrawalsvc.Limits{Min: eco.MinWithdraw, Max: eco.MaxWithdraw}, log)
	rankingService := ranking.New(stores.Users, stores.Referrals, stores.Ranks, opts.BankID, log)
	accrualService := accrual.New(stores.Users, stores.Panels, stores.Jobs, log)

	checker := opts.VIPChecker
	if checker == nil {
		if endpoint := strings.TrimSpace(os.Getenv("VIP_CHECKER_URL")); endpoint != "" {
			httpChecker, err := vipsvc.NewHTTPChecker(httpClient, endpoint, os.Getenv("VIP_CHECKER_KEY"), log)
			if err != nil {
				log.WithError(err).Warn("configure vip checker")
			} else {
				checker = httpChecker
			}
		} else {
			log.Warn("VIP_CHECKER_URL not set; vip flags are served from cache only")
		}
	}
	vipService := vipsvc.New(stores.Users, checker, eco.VIPRecheckTTL, log)

	for _, name := range []string{"wallet", "users", "panels", "exchange"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	runner := accrual.NewRunner(accrualService, vipService, rankingService, opts.Schedule.VIPRefreshCron, opts.Schedule.AccrualCron, log)

	var settlement system.Service
	if endpoint := strings.TrimSpace(os.Getenv("WITHDRAWAL_RESOLVER_URL")); endpoint != "" {
		resolver := withdrawalsvc.NewHTTPPayoutResolver(endpoint, os.Getenv("WITHDRAWAL_RESOLVER_KEY"), httpClient)
		settlement = withdrawalsvc.NewSettlementPoller(withdrawalService, resolver, opts.BankID, log)
	} else {
		log.Warn("WITHDRAWAL_RESOLVER_URL not set; withdrawal settlement disabled")
	}

	services := []system.Service{runner}
	if settlement != nil {
		services = append(services, settlement)
	}
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:     manager,
		log:         log,
		Economy:     eco,
		Wallet:      walletService,
		Users:       userService,
		Panels:      panelService,
		Exchange:    exchangeService,
		Referrals:   referralService,
		Withdrawals: withdrawalService,
		VIP:         vipService,
		Ranking:     rankingService,
		Accrual:     accrualService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
