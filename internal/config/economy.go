package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/referral"
)

// Economy bundles the tunable constants of the credit and energy economy.
// Monetary fields are milli-units.
type Economy struct {
	PanelPrice          int64
	PanelLifespanDays   int
	MaxActivePanels     int
	BaseDailyKWh        int64
	VIPBoostPct         int64
	MinConvertKWh       int64
	MinWithdraw         int64
	MaxWithdraw         int64
	DirectReferralBonus int64
	VIPRecheckTTL       time.Duration
	Milestones          []referral.MilestoneTier
}

// economyFile is the YAML shape; amounts are decimal strings so the file
// stays human-editable without floating point surprises.
type economyFile struct {
	PanelPrice          string `yaml:"panel_price"`
	PanelLifespanDays   int    `yaml:"panel_lifespan_days"`
	MaxActivePanels     int    `yaml:"max_active_panels"`
	BaseDailyKWh        string `yaml:"base_daily_kwh"`
	VIPBoostPct         int64  `yaml:"vip_boost_pct"`
	MinConvertKWh       string `yaml:"min_convert_kwh"`
	MinWithdraw         string `yaml:"min_withdraw"`
	MaxWithdraw         string `yaml:"max_withdraw"`
	DirectReferralBonus string `yaml:"direct_referral_bonus"`
	VIPRecheckTTL       string `yaml:"vip_recheck_ttl"`
	Milestones          []struct {
		Threshold int    `yaml:"threshold"`
		Reward    string `yaml:"reward"`
	} `yaml:"milestones"`
}

// DefaultEconomy returns the production constants.
func DefaultEconomy() Economy {
	return Economy{
		PanelPrice:          100_000, // 100 EFHC
		PanelLifespanDays:   180,
		MaxActivePanels:     1000,
		BaseDailyKWh:        598, // 0.598 kWh
		VIPBoostPct:         7,
		MinConvertKWh:       1,     // 0.001 kWh
		MinWithdraw:         1_000, // 1 EFHC
		MaxWithdraw:         1_000_000_000,
		DirectReferralBonus: 100, // 0.1 EFHC
		VIPRecheckTTL:       24 * time.Hour,
		Milestones: []referral.MilestoneTier{
			{Threshold: 10, Reward: 1_000},
			{Threshold: 50, Reward: 5_000},
			{Threshold: 100, Reward: 10_000},
			{Threshold: 500, Reward: 50_000},
			{Threshold: 1000, Reward: 100_000},
			{Threshold: 10000, Reward: 1_000_000},
		},
	}
}

// LoadEconomyFromPath reads and validates an economy file.
func LoadEconomyFromPath(path string) (Economy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Economy{}, fmt.Errorf("read economy config: %w", err)
	}

	var file economyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Economy{}, fmt.Errorf("parse economy config: %w", err)
	}

	eco := DefaultEconomy()
	if file.PanelPrice != "" {
		if eco.PanelPrice, err = ledger.ParseAmount(file.PanelPrice); err != nil {
			return Economy{}, fmt.Errorf("panel_price: %w", err)
		}
	}
	if file.PanelLifespanDays > 0 {
		eco.PanelLifespanDays = file.PanelLifespanDays
	}
	if file.MaxActivePanels > 0 {
		eco.MaxActivePanels = file.MaxActivePanels
	}
	if file.BaseDailyKWh != "" {
		if eco.BaseDailyKWh, err = ledger.ParseAmount(file.BaseDailyKWh); err != nil {
			return Economy{}, fmt.Errorf("base_daily_kwh: %w", err)
		}
	}
	if file.VIPBoostPct > 0 {
		eco.VIPBoostPct = file.VIPBoostPct
	}
	if file.MinConvertKWh != "" {
		if eco.MinConvertKWh, err = ledger.ParseAmount(file.MinConvertKWh); err != nil {
			return Economy{}, fmt.Errorf("min_convert_kwh: %w", err)
		}
	}
	if file.MinWithdraw != "" {
		if eco.MinWithdraw, err = ledger.ParseAmount(file.MinWithdraw); err != nil {
			return Economy{}, fmt.Errorf("min_withdraw: %w", err)
		}
	}
	if file.MaxWithdraw != "" {
		if eco.MaxWithdraw, err = ledger.ParseAmount(file.MaxWithdraw); err != nil {
			return Economy{}, fmt.Errorf("max_withdraw: %w", err)
		}
	}
	if file.DirectReferralBonus != "" {
		if eco.DirectReferralBonus, err = ledger.ParseAmount(file.DirectReferralBonus); err != nil {
			return Economy{}, fmt.Errorf("direct_referral_bonus: %w", err)
		}
	}
	if file.VIPRecheckTTL != "" {
		ttl, err := time.ParseDuration(file.VIPRecheckTTL)
		if err != nil {
			return Economy{}, fmt.Errorf("vip_recheck_ttl: %w", err)
		}
		eco.VIPRecheckTTL = ttl
	}
	if len(file.Milestones) > 0 {
		tiers := make([]referral.MilestoneTier, 0, len(file.Milestones))
		for _, m := range file.Milestones {
			if m.Threshold <= 0 {
				return Economy{}, fmt.Errorf("milestone threshold must be positive")
			}
			reward, err := ledger.ParseAmount(m.Reward)
			if err != nil {
				return Economy{}, fmt.Errorf("milestone %d reward: %w", m.Threshold, err)
			}
			tiers = append(tiers, referral.MilestoneTier{Threshold: m.Threshold, Reward: reward})
		}
		eco.Milestones = tiers
	}
	return eco, nil
}

// LoadEconomyOrDefault loads the file when a path is configured and falls
// back to defaults otherwise.
func LoadEconomyOrDefault(path string) (Economy, error) {
	if path == "" {
		return DefaultEconomy(), nil
	}
	return LoadEconomyFromPath(path)
}
