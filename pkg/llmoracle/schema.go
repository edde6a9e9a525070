package llmoracle

// CitationResult is one source citation returned by a schema call.
type CitationResult struct {
	URL        string  `json:"url" validate:"required"`
	Title      string  `json:"title"`
	SourceType string  `json:"source_type"`
	Snippet    string  `json:"snippet"`
	Relevance  float64 `json:"relevance" validate:"gte=0,lte=1"`
}

// ResearchIngredientResult is the schema for the research_ingredient call
// (§4.5 step 1): a technical, citation-backed medical assessment with no
// user-facing language yet.
type ResearchIngredientResult struct {
	MedicalAssessment     string            `json:"medical_assessment" validate:"required"`
	KnownTriggerCategories []string         `json:"known_trigger_categories"`
	RiskLevel              string           `json:"risk_level" validate:"required,oneof=low medium high unknown"`
	Citations              []CitationResult `json:"citations"`
}

// ClassifyRootCauseResult is the schema for the classify_root_cause call
// (§4.5 step 2): judges whether the ingredient is a true trigger or a
// confounder riding alongside a more plausible co-occurring ingredient.
type ClassifyRootCauseResult struct {
	RootCause            bool    `json:"root_cause"`
	DiscardJustification *string `json:"discard_justification,omitempty"`
	ConfoundedBy         *string `json:"confounded_by,omitempty"`
	MedicalReasoning     string  `json:"medical_reasoning" validate:"required"`
}

// ProcessingSuggestionsResult mirrors domain.ProcessingSuggestions for the
// adapt_to_plain_english schema.
type ProcessingSuggestionsResult struct {
	CookedVsRaw  *string  `json:"cooked_vs_raw,omitempty"`
	Alternatives []string `json:"alternatives"`
}

// AlternativeMealResult mirrors domain.AlternativeMeal for the
// adapt_to_plain_english schema.
type AlternativeMealResult struct {
	MealID int64  `json:"meal_id" validate:"required"`
	Name   string `json:"name" validate:"required"`
	Reason string `json:"reason"`
}

// AdaptToPlainEnglishResult is the schema for the adapt_to_plain_english
// call (§4.5 step 3): the user-facing summary, recommendations, and
// alternative meal picks.
type AdaptToPlainEnglishResult struct {
	DiagnosisSummary       string                       `json:"diagnosis_summary" validate:"required"`
	RecommendationsSummary string                       `json:"recommendations_summary" validate:"required"`
	ProcessingSuggestions  *ProcessingSuggestionsResult `json:"processing_suggestions,omitempty"`
	AlternativeMeals       []AlternativeMealResult      `json:"alternative_meals"`
	Citations              []CitationResult             `json:"citations"`
}
