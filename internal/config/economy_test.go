package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultEconomy(t *testing.T) {
	eco := DefaultEconomy()
	require.Equal(t, int64(100_000), eco.PanelPrice)
	require.Equal(t, 180, eco.PanelLifespanDays)
	require.Equal(t, int64(598), eco.BaseDailyKWh)
	require.Len(t, eco.Milestones, 6)
	require.Equal(t, 10, eco.Milestones[0].Threshold)
	require.Equal(t, int64(1_000), eco.Milestones[0].Reward)
}

func TestLoadEconomyFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "economy.yaml")
	content := `
panel_price: "50.000"
panel_lifespan_days: 90
base_daily_kwh: "1.000"
milestones:
  - threshold: 5
    reward: "0.500"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	eco, err := LoadEconomyFromPath(path)
	require.NoError(t, err)
	require.Equal(t, int64(50_000), eco.PanelPrice)
	require.Equal(t, 90, eco.PanelLifespanDays)
	require.Equal(t, int64(1_000), eco.BaseDailyKWh)
	require.Len(t, eco.Milestones, 1)
	require.Equal(t, int64(500), eco.Milestones[0].Reward)

	// unset fields fall back to defaults
	require.Equal(t, int64(7), eco.VIPBoostPct)
}

func TestLoadEconomyRejectsBadAmount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "economy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`panel_price: "abc"`), 0o644))

	_, err := LoadEconomyFromPath(path)
	require.Error(t, err)
}

func TestLoadEconomyOrDefaultEmptyPath(t *testing.T) {
	eco, err := LoadEconomyOrDefault("")
	require.NoError(t, err)
	require.Equal(t, DefaultEconomy(), eco)
}
