package events

import "github.com/dietary/diagnosis-pipeline/pkg/domain"

// ProgressPayload is the "progress" event data (§4.6).
type ProgressPayload struct {
	Completed  int    `json:"completed"`
	Total      int    `json:"total"`
	Ingredient string `json:"ingredient"`
}

// ResultPayload is the "result" event data: the full persisted
// DiagnosisResult, citations and associated symptoms included.
type ResultPayload struct {
	domain.DiagnosisResult
}

// DiscountedPayload is the "discounted" event data: the full persisted
// DiscountedIngredient.
type DiscountedPayload struct {
	domain.DiscountedIngredient
}

// CompletePayload is the "complete" event data, fired exactly once per run
// when completed reaches total.
type CompletePayload struct {
	RunID        int64 `json:"run_id"`
	TotalResults int   `json:"total_results"`
}

// ErrorPayload is the "error" event data.
type ErrorPayload struct {
	Message string `json:"message"`
}
