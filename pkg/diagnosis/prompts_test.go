package diagnosis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dietary/diagnosis-pipeline/pkg/correlation"
	"github.com/dietary/diagnosis-pipeline/pkg/domain"
	"github.com/dietary/diagnosis-pipeline/pkg/llmoracle"
	"github.com/dietary/diagnosis-pipeline/pkg/store"
)

func TestResearchPrompt_IncludesCoreStats(t *testing.T) {
	payload := TaskPayload{
		IngredientName:     "garlic",
		State:              domain.IngredientStateCooked,
		TimesEaten:         12,
		SymptomOccurrences: 9,
		Immediate:          5,
		Delayed:            3,
		Cumulative:         1,
		ConfidenceScore:    0.82,
		ConfidenceLevel:    domain.ConfidenceHigh,
		AssociatedSymptoms: []domain.AssociatedSymptom{
			{Name: "bloating", SeverityAvg: 6.5, Frequency: 7, AvgLagHours: 2.5},
		},
	}

	got := researchPrompt(payload)

	assert.Contains(t, got, "garlic")
	assert.Contains(t, got, "Eaten 12 times")
	assert.Contains(t, got, "9 of those times")
	assert.Contains(t, got, "5 immediate, 3 delayed, 1 cumulative-window")
	assert.Contains(t, got, "bloating: avg severity 6.5")
}

func TestResearchPrompt_OmitsSymptomSectionWhenEmpty(t *testing.T) {
	payload := TaskPayload{IngredientName: "onion"}
	got := researchPrompt(payload)
	assert.NotContains(t, got, "Associated symptoms")
}

func TestClassifyRootCausePrompt_NoPartnersNotesThreshold(t *testing.T) {
	payload := TaskPayload{IngredientName: "garlic"}
	research := llmoracle.ResearchIngredientResult{RiskLevel: "moderate", MedicalAssessment: "plausible trigger"}

	got := classifyRootCausePrompt(payload, research, nil)

	assert.Contains(t, got, "none meeting the co-occurrence threshold")
	assert.Contains(t, got, "plausible trigger")
}

func TestClassifyRootCausePrompt_ListsPartnerStats(t *testing.T) {
	payload := TaskPayload{IngredientName: "garlic"}
	research := llmoracle.ResearchIngredientResult{RiskLevel: "moderate"}
	partners := []correlation.Partner{
		{PartnerName: "onion", Conditional: 0.9, Reverse: 0.4, Lift: 1.8, MealsBoth: 11, HighCooccurrence: true},
	}

	got := classifyRootCausePrompt(payload, research, partners)

	assert.Contains(t, got, "onion: P(partner|candidate)=0.90")
	assert.Contains(t, got, "high-cooccurrence=true")
}

func TestAdaptToPlainEnglishPrompt_ListsRecentMeals(t *testing.T) {
	payload := TaskPayload{IngredientName: "garlic"}
	research := llmoracle.ResearchIngredientResult{MedicalAssessment: "assessment text"}
	history := []store.MealWithIngredients{
		{Meal: domain.Meal{ID: 42, Name: "pasta"}},
	}

	got := adaptToPlainEnglishPrompt(payload, research, history)

	assert.Contains(t, got, "garlic")
	assert.Contains(t, got, "assessment text")
	assert.Contains(t, got, "meal 42: pasta")
}

func TestValueOfPtr(t *testing.T) {
	assert.Equal(t, "", valueOfPtr(nil))
	s := "confounded"
	assert.Equal(t, "confounded", valueOfPtr(&s))
}

func TestValueOr(t *testing.T) {
	assert.Equal(t, 5, valueOr(5, 10))
	assert.Equal(t, 10, valueOr(0, 10))
	assert.Equal(t, 10, valueOr(-1, 10))
}
