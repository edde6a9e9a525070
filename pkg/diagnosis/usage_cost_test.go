package diagnosis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dietary/diagnosis-pipeline/pkg/config"
	"github.com/dietary/diagnosis-pipeline/pkg/llmoracle"
)

func TestCalculateCostCents_NonCachedCachedOutputSplit(t *testing.T) {
	a := &UsageAccountant{cost: config.CostConfig{
		SonnetInputCostPer1K:  3.0,
		SonnetOutputCostPer1K: 15.0,
	}}

	usage := llmoracle.Usage{InputTokens: 2000, CachedTokens: 500, OutputTokens: 1000}
	got := a.calculateCostCents("any-model", usage)

	// non-cached: 1500 input tokens @ 3.0/1K = 4.5
	// cached: 500 tokens @ 3.0/1K * 0.1 discount = 0.15
	// output: 1000 tokens @ 15.0/1K = 15.0
	want := 4.5 + 0.15 + 15.0
	assert.InDelta(t, want, got, 0.0001)
}

func TestCalculateCostCents_ZeroUsage(t *testing.T) {
	a := &UsageAccountant{cost: config.CostConfig{SonnetInputCostPer1K: 3.0, SonnetOutputCostPer1K: 15.0}}
	got := a.calculateCostCents("any-model", llmoracle.Usage{})
	assert.Zero(t, got)
}

func TestCalculateCostCents_AllCachedDiscountsFully(t *testing.T) {
	a := &UsageAccountant{cost: config.CostConfig{SonnetInputCostPer1K: 10.0, SonnetOutputCostPer1K: 0}}
	got := a.calculateCostCents("any-model", llmoracle.Usage{InputTokens: 1000, CachedTokens: 1000})
	// all cached: 1000 tokens @ 10.0/1K * 0.1 = 1.0
	assert.InDelta(t, 1.0, got, 0.0001)
}
