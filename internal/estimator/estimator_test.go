package estimator

import (
	"errors"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/catalog"
	"missioncontrol/internal/config"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/money"
)

func newEstimator(t *testing.T) Estimator {
	t.Helper()
	cfg := config.Default()
	cat, err := catalog.New(cfg)
	require.NoError(t, err)
	return New(cat, NewRegistry(cfg.Estimation.CharsPerToken, map[string]float64{"anthropic": 4.0}), cfg.Estimation.SafetyMargin)
}

func TestLeadScoringScenario(t *testing.T) {
	e := newEstimator(t)
	// "USER:\n" is six runes, so the assembled prompt is exactly 800.
	user := strings.Repeat("x", 794)
	est, err := e.Estimate("", user, "openrouter/auto", Options{MaxOutputTokens: 450})
	require.NoError(t, err)

	assert.Equal(t, 800, est.PromptChars)
	assert.Equal(t, int64(229), est.RawInputTokens)
	assert.Equal(t, int64(263), est.InputTokens)
	assert.Equal(t, int64(450), est.MaxOutputTokens)
	assert.Equal(t, int64(518), est.OutputTokens)
	assert.Equal(t, int64(781), est.TotalTokens)
	assert.Equal(t, money.Amount(1), est.Cost)
	assert.Equal(t, est.Cost, est.WorstCaseCost)
	assert.Equal(t, "chars/3.5", est.Tokenizer)
}

func TestWorstCaseKeptSeparate(t *testing.T) {
	e := newEstimator(t)
	est, err := e.Estimate("system", "user", "moonshot/kimi-2.5", Options{MaxOutputTokens: 1800, ExpectedTurns: 1, MaxTurns: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2070), est.OutputTokens)
	assert.Equal(t, int64(6210), est.WorstCaseOutputTokens)
	assert.Less(t, int64(est.Cost), int64(est.WorstCaseCost))
}

func TestUnknownModel(t *testing.T) {
	e := newEstimator(t)
	_, err := e.Estimate("", "hello", "acme/none", Options{MaxOutputTokens: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, catalog.ErrPricingNotFound))
}

func TestTokenizerPerFamily(t *testing.T) {
	e := newEstimator(t)
	assert.Equal(t, "chars/4", e.Tokenizers.For("anthropic/claude-3-haiku").Name())
	assert.Equal(t, "chars/3.5", e.Tokenizers.For("openai/gpt-3.5-turbo").Name())

	e.Tokenizers.Register("openai", CharHeuristic{CharsPerToken: 2})
	est, err := e.Estimate("", strings.Repeat("y", 94), "openai/gpt-3.5-turbo", Options{MaxOutputTokens: 1, SafetyMargin: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(50), est.InputTokens)
}

func TestEmptyPromptCountsZero(t *testing.T) {
	assert.Equal(t, 0.0, CharHeuristic{CharsPerToken: 3.5}.Count(""))
}

func TestRenderUserPrompt(t *testing.T) {
	input := map[string]any{"source": "web", "score": 12, "tags": []any{"a", "b"}}
	assert.Equal(t, "web/12/[\"a\",\"b\"]", RenderUserPrompt("{{source}}/{{ score }}/{{tags}}", "lead_scoring", input))
	assert.True(t, strings.HasPrefix(RenderUserPrompt("", "ops_summary", input), "Task: ops_summary\n\nInput:\n{"))
	assert.True(t, strings.HasPrefix(RenderUserPrompt("{{nope}}", "ops_summary", input), "Task: ops_summary"))
}

func TestAssemblePromptGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	full := AssemblePrompt(
		"You score leads.",
		"Matter: Acme LLC\nPractice Area: estate_planning",
		RenderUserPrompt("Lead source: {{source}}\nSummary: {{summary}}", "lead_scoring",
			map[string]any{"source": "web", "summary": "Needs a will"}),
	)
	g.Assert(t, "prompt_full", []byte(full))

	fallback := AssemblePrompt("", "", RenderUserPrompt("Lead: {{missing}}", "lead_scoring",
		map[string]any{"budget": 1500, "source": "web"}))
	g.Assert(t, "prompt_fallback", []byte(fallback))
}

func TestCheckBudgetReportsEveryCap(t *testing.T) {
	l := Limits{
		DailyCap:     money.FromFloat(5),
		DailySpent:   money.FromFloat(4.9),
		WorkOrderCap: money.FromFloat(0.25),
		AgentCap:     money.FromFloat(1),
		AgentSpent:   money.FromFloat(0.9),
	}
	res := CheckBudget(money.FromFloat(0.30), l)
	require.False(t, res.CanProceed)
	assert.True(t, res.DailyBlocked)
	require.Len(t, res.Reasons, 3)
	assert.Equal(t, domain.ReasonDailyCap, res.Reasons[0].Code)
	assert.Equal(t, domain.ReasonWorkOrderCap, res.Reasons[1].Code)
	assert.Equal(t, domain.ReasonAgentCap, res.Reasons[2].Code)
	assert.Equal(t, "Daily budget exceeded: $0.3000 estimated but only $0.1000 remaining of $5.0000 daily cap", res.Reasons[0].Message)
	assert.Equal(t, "Work order cap exceeded: $0.3000 estimated but cap is $0.2500 (requires approval)", res.Reasons[1].Message)
}

func TestCheckBudgetApprovalBypass(t *testing.T) {
	l := Limits{
		DailyCap:     money.FromFloat(5),
		WorkOrderCap: money.FromFloat(0.25),
		AgentCap:     money.FromFloat(1),
	}
	res := CheckBudget(money.FromFloat(0.30), l)
	assert.False(t, res.CanProceed)

	l.Approved = true
	res = CheckBudget(money.FromFloat(0.30), l)
	assert.True(t, res.CanProceed)

	res = CheckBudget(money.FromFloat(6), l)
	assert.False(t, res.CanProceed)
	assert.True(t, res.DailyBlocked)
	require.Len(t, res.Reasons, 1)
}

func TestStatusThresholds(t *testing.T) {
	limit := money.FromFloat(5)
	cases := []struct {
		spent float64
		want  string
	}{
		{3.99, domain.BudgetHealthy},
		{4.00, domain.BudgetWarning},
		{5.00, domain.BudgetExceeded},
		{5.01, domain.BudgetExceeded},
		{0, domain.BudgetHealthy},
	}
	for _, tc := range cases {
		got, _ := Status(money.FromFloat(tc.spent), limit, 0.80)
		assert.Equal(t, tc.want, got, "spent %.2f", tc.spent)
	}
	msg := WarningMessage(money.FromFloat(4), limit, 0.80)
	require.NotNil(t, msg)
	assert.Equal(t, "Daily budget at 80.0% ($4.0000 of $5.0000)", *msg)
	assert.Nil(t, WarningMessage(money.FromFloat(1), limit, 0.80))
}
