package correlation

import (
	"math"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// Score is the result of the §4.1 confidence scoring formula for one
// (ingredient, state) record.
type Score struct {
	Confidence float64
	Level      domain.ConfidenceLevel
	Sufficient bool
}

// ScoreCorrelation applies the confidence formula to an aggregated
// correlation record. Rows below the meal/symptom thresholds score
// insufficient_data and should be dropped by the caller (§4.3 step 3).
func ScoreCorrelation(agg AggregatedCorrelation, minMeals, minSymptomOccurrences int) Score {
	if agg.TimesEaten < minMeals || agg.SymptomOccurrences < minSymptomOccurrences {
		return Score{Confidence: 0, Level: domain.ConfidenceInsufficientData}
	}

	correlationStrength := float64(agg.SymptomOccurrences) / float64(agg.TimesEaten)
	dataPenalty := math.Min(1, math.Sqrt(float64(agg.TimesEaten)/10))
	statistical := correlationStrength * dataPenalty

	totalBand := agg.Immediate + agg.Delayed + agg.Cumulative
	maxBand := agg.Immediate
	if agg.Delayed > maxBand {
		maxBand = agg.Delayed
	}
	if agg.Cumulative > maxBand {
		maxBand = agg.Cumulative
	}
	temporalSpecificity := 0.0
	if totalBand > 0 {
		temporalSpecificity = float64(maxBand) / float64(totalBand)
	}

	severityWeight := math.Min(agg.AvgSeverity/10, 1)

	confidence := 0.5*statistical + 0.3*temporalSpecificity + 0.2*severityWeight
	confidence = math.Round(confidence*1000) / 1000

	var level domain.ConfidenceLevel
	switch {
	case confidence >= 0.7:
		level = domain.ConfidenceHigh
	case confidence >= 0.4:
		level = domain.ConfidenceMedium
	default:
		level = domain.ConfidenceLow
	}

	return Score{Confidence: confidence, Level: level, Sufficient: true}
}
