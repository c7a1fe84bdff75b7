package estimator

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"missioncontrol/internal/catalog"
	"missioncontrol/internal/money"
)

func TestEstimateNeverExceedsWorstCase(t *testing.T) {
	e := newEstimator(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	models := []string{"moonshot/kimi-2.5", "openrouter/auto", "anthropic/claude-3-haiku", "openai/gpt-3.5-turbo"}

	properties.Property("estimated cost <= worst case cost", prop.ForAll(
		func(chars int, maxOut int64, expected, extra int, model int) bool {
			est, err := e.Estimate("", strings.Repeat("a", chars), models[model], Options{
				MaxOutputTokens: maxOut,
				ExpectedTurns:   expected,
				MaxTurns:        expected + extra,
			})
			if err != nil {
				return false
			}
			return est.Cost <= est.WorstCaseCost && est.OutputTokens <= est.WorstCaseOutputTokens
		},
		gen.IntRange(0, 20000),
		gen.Int64Range(0, 8000),
		gen.IntRange(1, 4),
		gen.IntRange(0, 4),
		gen.IntRange(0, len(models)-1),
	))

	properties.Property("estimate cost matches the shared pricing function", prop.ForAll(
		func(chars int, maxOut int64) bool {
			est, err := e.Estimate("sys", strings.Repeat("b", chars), "moonshot/kimi-2.5", Options{MaxOutputTokens: maxOut})
			if err != nil {
				return false
			}
			price, _ := e.Catalog.Price("moonshot/kimi-2.5")
			return est.Cost == catalog.CostFromTokens(price, est.InputTokens, est.OutputTokens)
		},
		gen.IntRange(0, 20000),
		gen.Int64Range(0, 8000),
	))

	properties.Property("margined counts never undercut raw counts", prop.ForAll(
		func(chars int) bool {
			est, err := e.Estimate("", strings.Repeat("c", chars), "openrouter/auto", Options{MaxOutputTokens: 1})
			if err != nil {
				return false
			}
			return est.InputTokens >= est.RawInputTokens && est.Cost >= money.Amount(0)
		},
		gen.IntRange(0, 50000),
	))

	properties.TestingRun(t)
}
