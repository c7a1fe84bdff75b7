// Package catalog turns the pricing, routing, work type and budget sections of
// the configuration into typed lookups. It holds no mutable state.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"missioncontrol/internal/config"
	"missioncontrol/internal/money"
)

var ErrPricingNotFound = errors.New("pricing not found")

const (
	TierCheap   = "cheap"
	TierPremium = "premium"
)

// microPerUnit is micro-USD per money.Amount unit.
const microPerUnit = 1_000_000 / money.Scale

// Price is the cost of one million tokens in micro-USD.
type Price struct {
	Model            string
	Provider         string
	InputPerMillion  int64
	OutputPerMillion int64
}

type WorkTypeLimits struct {
	Name             string
	MaxOutputTokens  int64
	CostCap          money.Amount
	Tier             string
	RequiresApproval bool
	ExpectedTurns    int
	MaxTurns         int
	ReviewRequired   bool
	InputSchema      string
}

type PromptPack struct {
	SystemPrompt       string
	UserPromptTemplate string
}

type Budgets struct {
	DailyCap         money.Amount
	PerWorkOrderCap  money.Amount
	PerAgentCap      money.Amount
	WarningThreshold float64
	Location         *time.Location
}

// Day returns the budget day key for t.
func (b Budgets) Day(t time.Time) string {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

type Catalog struct {
	Budgets   Budgets
	prices    map[string]Price
	routing   map[string]string
	workTypes map[string]WorkTypeLimits
	packs     map[string]PromptPack
}

// New builds a catalog from a validated config.
func New(cfg *config.Config) (*Catalog, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	c := &Catalog{
		prices:    make(map[string]Price, len(cfg.Pricing)),
		routing:   make(map[string]string, len(cfg.Routing)),
		workTypes: make(map[string]WorkTypeLimits, len(cfg.WorkTypes)),
		packs:     make(map[string]PromptPack, len(cfg.PromptPacks)),
		Budgets: Budgets{
			DailyCap:         money.FromFloat(cfg.Budgets.DailyCapUSD),
			PerWorkOrderCap:  money.FromFloat(cfg.Budgets.PerWorkOrderCapUSD),
			PerAgentCap:      money.FromFloat(cfg.Budgets.PerAgentCapUSD),
			WarningThreshold: cfg.Budgets.WarningThreshold,
			Location:         cfg.Location(),
		},
	}
	for model, p := range cfg.Pricing {
		c.prices[model] = Price{
			Model:            model,
			Provider:         p.Provider,
			InputPerMillion:  int64(math.Round(p.InputPerMillion * 1_000_000)),
			OutputPerMillion: int64(math.Round(p.OutputPerMillion * 1_000_000)),
		}
	}
	for tier, model := range cfg.Routing {
		c.routing[tier] = model
	}
	for name, wt := range cfg.WorkTypes {
		expected := wt.ExpectedTurns
		if expected <= 0 {
			expected = 1
		}
		maxTurns := wt.MaxTurns
		if maxTurns < expected {
			maxTurns = expected
		}
		c.workTypes[name] = WorkTypeLimits{
			Name:             name,
			MaxOutputTokens:  wt.MaxOutputTokens,
			CostCap:          money.FromFloat(wt.CostCapUSD),
			Tier:             wt.Tier,
			RequiresApproval: wt.RequiresApproval,
			ExpectedTurns:    expected,
			MaxTurns:         maxTurns,
			ReviewRequired:   wt.ReviewRequired,
			InputSchema:      wt.InputSchema,
		}
	}
	for name, p := range cfg.PromptPacks {
		c.packs[name] = PromptPack{SystemPrompt: p.SystemPrompt, UserPromptTemplate: p.UserPromptTemplate}
	}
	return c, nil
}

// Price returns pricing for a model. There is no fallback price.
func (c *Catalog) Price(model string) (Price, error) {
	p, ok := c.prices[model]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrPricingNotFound, model)
	}
	return p, nil
}

// Prices lists every priced model sorted by id.
func (c *Catalog) Prices() []Price {
	out := make([]Price, 0, len(c.prices))
	for _, p := range c.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// ModelForTier resolves the routed model for a tier.
func (c *Catalog) ModelForTier(tier string) (string, error) {
	model, ok := c.routing[tier]
	if !ok {
		return "", fmt.Errorf("no model routed for tier %q", tier)
	}
	return model, nil
}

// WorkType returns the limits for name, falling back to the default entry.
// The boolean reports whether name itself is configured.
func (c *Catalog) WorkType(name string) (WorkTypeLimits, bool) {
	if wt, ok := c.workTypes[name]; ok {
		return wt, true
	}
	wt := c.workTypes[config.DefaultWorkType]
	return wt, false
}

// PromptPack returns the prompt pack registered for a work type.
func (c *Catalog) PromptPack(workType string) (PromptPack, bool) {
	p, ok := c.packs[workType]
	return p, ok
}

// CostFromTokens prices a token count pair. It is the only place token counts
// become money: the product is computed in micro-USD and rounded half away
// from zero to four decimals.
func CostFromTokens(p Price, inputTokens, outputTokens int64) money.Amount {
	micro := inputTokens*p.InputPerMillion + outputTokens*p.OutputPerMillion
	const div = 1_000_000 * microPerUnit
	q, r := micro/div, micro%div
	if r*2 >= div {
		q++
	} else if r*2 <= -div {
		q--
	}
	return money.Amount(q)
}
