package correlation

import (
	"sort"
	"strconv"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// AggregatedCorrelation is one (ingredient, state) record after folding the
// per-tag rows from TagCorrelations (§4.1 "Aggregation by ingredient").
type AggregatedCorrelation struct {
	IngredientID       int64
	IngredientName     string
	State              domain.IngredientState
	TimesEaten         int
	SymptomOccurrences int
	Immediate          int
	Delayed            int
	Cumulative         int
	AvgSeverity        float64
	AssociatedSymptoms []domain.AssociatedSymptom
}

// Aggregate folds per-tag correlation rows and consumption counts into one
// record per (ingredient, state), preserving the per-tag breakdown in
// AssociatedSymptoms, ordered by descending frequency per §4.1's
// tie-breaking rule.
func Aggregate(tags []TagCorrelation, consumption []IngredientConsumption) []AggregatedCorrelation {
	eaten := make(map[string]int, len(consumption))
	for _, c := range consumption {
		eaten[consumptionKey(c.IngredientID, c.State)] = c.TimesEaten
	}

	order := make([]string, 0)
	byKey := make(map[string]*AggregatedCorrelation)

	for _, t := range tags {
		key := consumptionKey(t.IngredientID, t.State)
		agg, ok := byKey[key]
		if !ok {
			agg = &AggregatedCorrelation{
				IngredientID:   t.IngredientID,
				IngredientName: t.IngredientName,
				State:          t.State,
				TimesEaten:     eaten[key],
			}
			byKey[key] = agg
			order = append(order, key)
		}

		agg.Immediate += t.Immediate
		agg.Delayed += t.Delayed
		agg.Cumulative += t.Cumulative
		agg.SymptomOccurrences += t.Occurrences

		lagHours := 0.0
		if t.Occurrences > 0 {
			lagHours = t.AvgLagHours
		}
		agg.AssociatedSymptoms = append(agg.AssociatedSymptoms, domain.AssociatedSymptom{
			Name:        t.TagName,
			SeverityAvg: t.AvgSeverity,
			Frequency:   t.Occurrences,
			AvgLagHours: lagHours,
		})
	}

	out := make([]AggregatedCorrelation, 0, len(order))
	for _, key := range order {
		agg := byKey[key]

		sort.Slice(agg.AssociatedSymptoms, func(i, j int) bool {
			return agg.AssociatedSymptoms[i].Frequency > agg.AssociatedSymptoms[j].Frequency
		})

		var weightedSeverity, totalWeight float64
		for _, s := range agg.AssociatedSymptoms {
			weightedSeverity += s.SeverityAvg * float64(s.Frequency)
			totalWeight += float64(s.Frequency)
		}
		if totalWeight > 0 {
			agg.AvgSeverity = weightedSeverity / totalWeight
		}

		out = append(out, *agg)
	}
	return out
}

func consumptionKey(ingredientID int64, state domain.IngredientState) string {
	return strconv.FormatInt(ingredientID, 10) + "|" + string(state)
}
