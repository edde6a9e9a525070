package diagnosis

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dietary/diagnosis-pipeline/pkg/config"
	"github.com/dietary/diagnosis-pipeline/pkg/domain"
	"github.com/dietary/diagnosis-pipeline/pkg/llmoracle"
	"github.com/dietary/diagnosis-pipeline/pkg/store"
)

// UsageAccountant is C8: it prices every LLM call against the configured
// per-1K-token rates and appends an AIUsageLog row. Cached input tokens are
// billed at 10% of the input rate (§4.8), mirroring the original's prompt
// caching discount.
type UsageAccountant struct {
	store *store.Store
	cost  config.CostConfig
}

// NewUsageAccountant builds a UsageAccountant over the given cost rates.
func NewUsageAccountant(st *store.Store, cost config.CostConfig) *UsageAccountant {
	return &UsageAccountant{store: st, cost: cost}
}

// Record prices usage per §4.8's formula and persists it. errMsg is the
// failure reason for a transport error; pass "" for a successful call.
func (a *UsageAccountant) Record(ctx context.Context, userID uuid.UUID, serviceType, model string, usage llmoracle.Usage, requestID, requestType string, webSearchEnabled, success bool, errMsg string) error {
	costCents := a.calculateCostCents(model, usage)

	_, err := a.store.RecordUsage(ctx, domain.AIUsageLog{
		UserID:             &userID,
		ServiceType:        serviceType,
		Model:              model,
		InputTokens:        usage.InputTokens,
		OutputTokens:       usage.OutputTokens,
		CachedTokens:       usage.CachedTokens,
		EstimatedCostCents: costCents,
		RequestID:          requestID,
		RequestType:        requestType,
		WebSearchEnabled:   webSearchEnabled,
		Success:            success,
		ErrorMessage:       errMsg,
	})
	return err
}

// calculateCostCents applies the non_cached/cached/output split from §4.8,
// using an exact decimal type so repeated summation across many calls in a
// run can't drift the way float64 accumulation would.
func (a *UsageAccountant) calculateCostCents(model string, usage llmoracle.Usage) float64 {
	inputRate := decimal.NewFromFloat(a.cost.SonnetInputCostPer1K)
	outputRate := decimal.NewFromFloat(a.cost.SonnetOutputCostPer1K)

	nonCachedInput := decimal.NewFromInt(int64(usage.InputTokens - usage.CachedTokens))
	cached := decimal.NewFromInt(int64(usage.CachedTokens))
	output := decimal.NewFromInt(int64(usage.OutputTokens))
	perThousand := decimal.NewFromInt(1000)
	cacheDiscount := decimal.NewFromFloat(0.1)

	nonCachedCost := nonCachedInput.Div(perThousand).Mul(inputRate)
	cachedCost := cached.Div(perThousand).Mul(inputRate).Mul(cacheDiscount)
	outputCost := output.Div(perThousand).Mul(outputRate)

	total := nonCachedCost.Add(cachedCost).Add(outputCost).Round(4)
	f, _ := total.Float64()
	return f
}
