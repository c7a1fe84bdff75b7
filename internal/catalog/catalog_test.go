package catalog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/config"
	"missioncontrol/internal/money"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(config.Default())
	require.NoError(t, err)
	return c
}

func TestCostFromTokens(t *testing.T) {
	c := newCatalog(t)
	kimi, err := c.Price("moonshot/kimi-2.5")
	require.NoError(t, err)
	assert.Equal(t, money.FromFloat(1.5), CostFromTokens(kimi, 1_000_000, 0))
	assert.Equal(t, money.FromFloat(4.5), CostFromTokens(kimi, 1_000_000, 1_000_000))

	auto, err := c.Price("openrouter/auto")
	require.NoError(t, err)
	// 263*0.10/1e6 + 518*0.20/1e6 = 0.0001299
	assert.Equal(t, money.Amount(1), CostFromTokens(auto, 263, 518))
	// 0.00015 rounds half away from zero
	assert.Equal(t, money.Amount(2), CostFromTokens(auto, 1500, 0))
	assert.Equal(t, money.Amount(0), CostFromTokens(auto, 0, 0))
}

func TestPriceUnknownModel(t *testing.T) {
	c := newCatalog(t)
	_, err := c.Price("acme/unknown")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPricingNotFound))
}

func TestWorkTypeFallsBackToDefault(t *testing.T) {
	c := newCatalog(t)
	wt, ok := c.WorkType("lead_scoring")
	require.True(t, ok)
	assert.Equal(t, int64(450), wt.MaxOutputTokens)
	assert.Equal(t, money.FromFloat(0.08), wt.CostCap)
	assert.Equal(t, TierCheap, wt.Tier)
	assert.Equal(t, 1, wt.ExpectedTurns)
	assert.Equal(t, 1, wt.MaxTurns)

	wt, ok = c.WorkType("intake_triage")
	assert.False(t, ok)
	assert.Equal(t, config.DefaultWorkType, wt.Name)
	assert.Equal(t, int64(1000), wt.MaxOutputTokens)
}

func TestMaxTurnsClampedToExpected(t *testing.T) {
	cfg := config.Default()
	wt := cfg.WorkTypes["content_draft"]
	wt.ExpectedTurns = 3
	wt.MaxTurns = 2
	cfg.WorkTypes["content_draft"] = wt
	c, err := New(cfg)
	require.NoError(t, err)
	limits, _ := c.WorkType("content_draft")
	assert.Equal(t, 3, limits.MaxTurns)
}

func TestRoutingAndBudgets(t *testing.T) {
	c := newCatalog(t)
	model, err := c.ModelForTier(TierPremium)
	require.NoError(t, err)
	assert.Equal(t, "moonshot/kimi-2.5", model)
	_, err = c.ModelForTier("gold")
	assert.Error(t, err)

	assert.Equal(t, money.FromFloat(5), c.Budgets.DailyCap)
	assert.Equal(t, money.FromFloat(0.25), c.Budgets.PerWorkOrderCap)
	assert.Equal(t, money.FromFloat(1), c.Budgets.PerAgentCap)
	assert.Equal(t, "2026-03-01", c.Budgets.Day(time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)))
}
