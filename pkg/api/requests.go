package api

import "time"

// AnalyzeRequest is the HTTP request body for POST /api/v1/diagnosis/analyze.
type AnalyzeRequest struct {
	DateRangeStart        *time.Time `json:"date_range_start,omitempty"`
	DateRangeEnd          *time.Time `json:"date_range_end,omitempty"`
	MinMeals              int        `json:"min_meals,omitempty"`
	MinSymptomOccurrences int        `json:"min_symptom_occurrences,omitempty"`
	WebSearchEnabled      *bool      `json:"web_search_enabled,omitempty"`
	AsyncMode             *bool      `json:"async_mode,omitempty"`
}
