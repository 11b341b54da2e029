// Package cost estimates the USD cost of one research attempt.
package cost

import (
	"github.com/sells-group/lead-research/internal/config"
	"github.com/sells-group/lead-research/pkg/anthropic"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate
	Perplexity PerplexityRate
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64
	Output        float64
	CacheWriteMul float64
	CacheReadMul  float64
}

// PerplexityRate holds Perplexity pricing.
type PerplexityRate struct {
	PerQuery float64
}

// Usage is what one research attempt consumed.
type Usage struct {
	AgentModel      string
	AgentTokens     anthropic.TokenUsage
	NormalizeModel  string
	NormalizeTokens anthropic.TokenUsage
	SearchCalls     int
}

// Breakdown is the estimated cost of one attempt, split by capability.
type Breakdown struct {
	Reasoning float64 `json:"reasoning_usd"`
	Normalize float64 `json:"normalize_usd"`
	Search    float64 `json:"search_usd"`
	Total     float64 `json:"total_usd"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of a Claude token usage. Unknown models cost 0.
func (c *Calculator) Claude(model string, u anthropic.TokenUsage) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(u.InputTokens) / 1e6) * rate.Input
	outCost := (float64(u.OutputTokens) / 1e6) * rate.Output
	cwCost := (float64(u.CacheCreationInputTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheReadInputTokens) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// PerplexityQueries returns the flat cost of n Perplexity queries.
func (c *Calculator) PerplexityQueries(n int) float64 {
	return float64(n) * c.rates.Perplexity.PerQuery
}

// Attempt prices a whole research attempt.
func (c *Calculator) Attempt(u Usage) Breakdown {
	b := Breakdown{
		Reasoning: c.Claude(u.AgentModel, u.AgentTokens),
		Normalize: c.Claude(u.NormalizeModel, u.NormalizeTokens),
		Search:    c.PerplexityQueries(u.SearchCalls),
	}
	b.Total = b.Reasoning + b.Normalize + b.Search
	return b
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-1-20250805": {
				Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Perplexity: PerplexityRate{PerQuery: 0.005},
	}
}

// RatesFromConfig overlays configured pricing on DefaultRates.
func RatesFromConfig(cfg config.PricingConfig) Rates {
	rates := DefaultRates()
	for model, p := range cfg.Anthropic {
		rates.Anthropic[model] = ModelRate{
			Input:         p.Input,
			Output:        p.Output,
			CacheWriteMul: p.CacheWriteMul,
			CacheReadMul:  p.CacheReadMul,
		}
	}
	if cfg.Perplexity.PerQuery > 0 {
		rates.Perplexity.PerQuery = cfg.Perplexity.PerQuery
	}
	return rates
}
