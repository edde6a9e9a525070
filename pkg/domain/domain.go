// Package domain defines the entity types shared by every layer of the
// diagnosis pipeline: the repository (pkg/store), the correlation engine
// (pkg/correlation), the worker pool (pkg/queue), and the HTTP API
// (pkg/api). Storage types live in pkg/store; these are the semantic
// shapes the rest of the pipeline passes around.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// MealStatus is the lifecycle state of a Meal.
type MealStatus string

const (
	MealStatusDraft     MealStatus = "draft"
	MealStatusPublished MealStatus = "published"
)

// IngredientState is the preparation state of a MealIngredient.
type IngredientState string

const (
	IngredientStateRaw       IngredientState = "raw"
	IngredientStateCooked    IngredientState = "cooked"
	IngredientStateProcessed IngredientState = "processed"
)

// IngredientSource marks how a MealIngredient row was produced.
type IngredientSource string

const (
	IngredientSourceHuman IngredientSource = "human"
	IngredientSourceLLM   IngredientSource = "llm"
	IngredientSourceCopy  IngredientSource = "copy"
)

// RunStatus is the lifecycle state of a DiagnosisRun.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// ConfidenceLevel buckets a confidence score for display.
type ConfidenceLevel string

const (
	ConfidenceInsufficientData ConfidenceLevel = "insufficient_data"
	ConfidenceLow              ConfidenceLevel = "low"
	ConfidenceMedium           ConfidenceLevel = "medium"
	ConfidenceHigh             ConfidenceLevel = "high"
)

// Ingredient is the immutable canonical food token referenced by
// MealIngredient, DiagnosisResult, and DiscountedIngredient.
type Ingredient struct {
	ID             int64
	Name           string
	NormalizedName string
	CreatedAt      time.Time
}

// NormalizeIngredientName canonicalizes a user- or LLM-supplied ingredient
// name for deduplication matching.
func NormalizeIngredientName(name string) string {
	out := make([]rune, 0, len(name))
	lastWasSep := false
	for _, r := range []rune(name) {
		switch {
		case r == ' ' || r == '-' || r == '\t' || r == '\n':
			if !lastWasSep {
				out = append(out, '_')
				lastWasSep = true
			}
		default:
			out = append(out, toLower(r))
			lastWasSep = false
		}
	}
	trimmed := trimUnderscores(string(out))
	return trimmed
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func trimUnderscores(s string) string {
	start, end := 0, len(s)
	for start < end && s[start] == '_' {
		start++
	}
	for end > start && s[end-1] == '_' {
		end--
	}
	return s[start:end]
}

// Meal is a user's consumption event at a point in time.
type Meal struct {
	ID           int64
	UserID       uuid.UUID
	Name         string
	NameSource   string
	Status       MealStatus
	OccurredAt   time.Time
	LocalTZ      string
	CopiedFromID *int64
	CreatedAt    time.Time
}

// MealIngredient associates a Meal with an Ingredient in a given state.
type MealIngredient struct {
	ID                  int64
	MealID              int64
	IngredientID        int64
	State               IngredientState
	QuantityDescription string
	Confidence          *float64
	Source              IngredientSource
}

// SymptomTag is one tagged facet of a Symptom episode.
type SymptomTag struct {
	Name     string `json:"name"`
	Severity int    `json:"severity"`
}

// Symptom is a user-reported episode with one or more tags.
type Symptom struct {
	ID              int64
	UserID          uuid.UUID
	StartedAt       time.Time
	EndedAt         *time.Time
	RawDescription  string
	Tags            []SymptomTag
	Notes           string
	CreatedAt       time.Time
}

// AssociatedSymptom summarizes one symptom tag's relationship to an
// ingredient inside a DiagnosisResult or DiscountedIngredient.
type AssociatedSymptom struct {
	Name         string  `json:"name"`
	SeverityAvg  float64 `json:"severity_avg"`
	Frequency    int     `json:"frequency"`
	AvgLagHours  float64 `json:"avg_lag_hours"`
}

// DiagnosisRun is one invocation of the pipeline.
type DiagnosisRun struct {
	ID                   int64
	UserID               uuid.UUID
	RunTimestamp         time.Time
	Status               RunStatus
	TotalIngredients      int
	CompletedIngredients  int
	MealsAnalyzed        int
	SymptomsAnalyzed     int
	DateRangeStart       time.Time
	DateRangeEnd         time.Time
	SufficientData       bool
	WebSearchEnabled     bool
	LLMModel             string
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ErrorMessage         string
	CreatedAt            time.Time
}

// ProcessingSuggestions is the optional LLM-produced cooking guidance for a
// DiagnosisResult.
type ProcessingSuggestions struct {
	CookedVsRaw  string   `json:"cooked_vs_raw,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// AlternativeMeal is one LLM-suggested substitute meal for a DiagnosisResult.
type AlternativeMeal struct {
	MealID int64  `json:"meal_id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Citation is a supporting source attached to a DiagnosisResult.
type Citation struct {
	ID             int64   `json:"id,omitempty"`
	URL            string  `json:"url"`
	Title          string  `json:"title"`
	SourceType     string  `json:"source_type"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score"`
}

// DiagnosisResult is one retained ingredient finding under a run.
type DiagnosisResult struct {
	ID                       int64
	RunID                    int64
	IngredientID             int64
	IngredientName           string
	ConfidenceScore          float64
	ConfidenceLevel          ConfidenceLevel
	ImmediateCorrelation     int
	DelayedCorrelation       int
	CumulativeCorrelation    int
	TimesEaten               int
	TimesFollowedBySymptoms  int
	AssociatedSymptoms       []AssociatedSymptom
	DiagnosisSummary         string
	RecommendationsSummary   string
	ProcessingSuggestions    *ProcessingSuggestions
	AlternativeMeals         []AlternativeMeal
	RawLLMText               string
	Citations                []Citation
	CreatedAt                time.Time
}

// DiscountedIngredient is an ingredient that passed statistical thresholds
// but was ruled out as a confounder.
type DiscountedIngredient struct {
	ID                         int64
	RunID                      int64
	IngredientID               int64
	IngredientName             string
	ConfoundedByIngredientID   *int64
	ConfoundedByIngredientName string
	DiscardJustification       string
	OriginalConfidenceScore    float64
	OriginalConfidenceLevel    ConfidenceLevel
	TimesEaten                 int
	TimesFollowedBySymptoms    int
	ImmediateCorrelation       int
	DelayedCorrelation         int
	CumulativeCorrelation      int
	AssociatedSymptoms         []AssociatedSymptom
	ConditionalProbability     float64
	ReverseProbability         float64
	Lift                       float64
	CooccurrenceMealsCount     int
	MedicalGroundingSummary    string
	CreatedAt                  time.Time
}

// AIUsageLog is an append-only per-LLM-call accounting record.
type AIUsageLog struct {
	ID                 int64
	UserID             *uuid.UUID
	OccurredAt         time.Time
	ServiceType        string
	Model              string
	InputTokens        int
	OutputTokens       int
	CachedTokens       int
	EstimatedCostCents float64
	RequestID          string
	RequestType        string
	WebSearchEnabled   bool
	Success            bool
	ErrorMessage       string
}
