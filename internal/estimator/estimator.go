// Package estimator assembles prompts, estimates token counts and prices
// them against the catalog. Output tokens are never predicted from text: the
// work type's max_output_tokens is the bound and is margined upward.
package estimator

import (
	"fmt"
	"math"

	"missioncontrol/internal/catalog"
	"missioncontrol/internal/money"
)

// Options tune a single estimate.
type Options struct {
	ContextSnippet  string
	MaxOutputTokens int64
	ExpectedTurns   int
	MaxTurns        int
	SafetyMargin    float64
}

// Estimate is the full breakdown for one prompt against one model.
type Estimate struct {
	Model                 string
	Tokenizer             string
	Prompt                string
	PromptChars           int
	RawInputTokens        int64
	InputTokens           int64
	OutputTokens          int64
	TotalTokens           int64
	MaxOutputTokens       int64
	ExpectedTurns         int
	MaxTurns              int
	SafetyMargin          float64
	Cost                  money.Amount
	WorstCaseOutputTokens int64
	WorstCaseCost         money.Amount
}

type Estimator struct {
	Catalog      *catalog.Catalog
	Tokenizers   *Registry
	SafetyMargin float64
}

func New(cat *catalog.Catalog, tokenizers *Registry, margin float64) Estimator {
	return Estimator{Catalog: cat, Tokenizers: tokenizers, SafetyMargin: margin}
}

// Estimate prices the assembled prompt for model. An unpriced model fails
// with catalog.ErrPricingNotFound.
func (e Estimator) Estimate(system, user, model string, opts Options) (Estimate, error) {
	price, err := e.Catalog.Price(model)
	if err != nil {
		return Estimate{}, err
	}
	if opts.MaxOutputTokens < 0 {
		return Estimate{}, fmt.Errorf("max output tokens must not be negative")
	}
	margin := opts.SafetyMargin
	if margin == 0 {
		margin = e.SafetyMargin
	}
	if margin < 1 {
		margin = 1
	}
	expected := opts.ExpectedTurns
	if expected <= 0 {
		expected = 1
	}
	maxTurns := opts.MaxTurns
	if maxTurns < expected {
		maxTurns = expected
	}

	prompt := AssemblePrompt(system, opts.ContextSnippet, user)
	tok := e.Tokenizers.For(model)
	raw := tok.Count(prompt)

	est := Estimate{
		Model:           model,
		Tokenizer:       tok.Name(),
		Prompt:          prompt,
		PromptChars:     len([]rune(prompt)),
		RawInputTokens:  ceilTokens(raw),
		InputTokens:     ceilTokens(raw * margin),
		MaxOutputTokens: opts.MaxOutputTokens,
		ExpectedTurns:   expected,
		MaxTurns:        maxTurns,
		SafetyMargin:    margin,
	}
	est.OutputTokens = ceilTokens(float64(opts.MaxOutputTokens*int64(expected)) * margin)
	est.TotalTokens = est.InputTokens + est.OutputTokens
	est.Cost = catalog.CostFromTokens(price, est.InputTokens, est.OutputTokens)
	est.WorstCaseOutputTokens = ceilTokens(float64(opts.MaxOutputTokens*int64(maxTurns)) * margin)
	est.WorstCaseCost = catalog.CostFromTokens(price, est.InputTokens, est.WorstCaseOutputTokens)
	return est, nil
}

// ceilTokens rounds up, ignoring float noise below 1e-9 of a token.
func ceilTokens(v float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(math.Ceil(v - 1e-9))
}
