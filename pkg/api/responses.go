package api

import (
	"time"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
	"github.com/dietary/diagnosis-pipeline/pkg/queue"
	"github.com/dietary/diagnosis-pipeline/pkg/store"
)

// AnalyzeResponse is returned by POST /api/v1/diagnosis/analyze (§6.1).
type AnalyzeResponse struct {
	RunID            int64            `json:"run_id"`
	Status           domain.RunStatus `json:"status"`
	SufficientData   bool             `json:"sufficient_data"`
	MealsAnalyzed    int              `json:"meals_analyzed"`
	SymptomsAnalyzed int              `json:"symptoms_analyzed"`
	TotalIngredients int              `json:"total_ingredients"`
	Message          string           `json:"message"`
}

// StatusResponse is returned by GET /api/v1/diagnosis/status/:run_id (§4.7).
type StatusResponse struct {
	ID           int64            `json:"id"`
	Status       domain.RunStatus `json:"status"`
	Total        int              `json:"total"`
	Completed    int              `json:"completed"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ResultsCount int              `json:"results_count"`
}

// UsageSummaryResponse is returned by GET /api/v1/diagnosis/usage-summary.
type UsageSummaryResponse struct {
	WindowDays int                     `json:"window_days"`
	Rows       []store.UsageSummaryRow `json:"rows"`
}

// ClustersResponse is returned by GET /api/v1/diagnosis/clusters.
type ClustersResponse struct {
	Clusters []ClusterView `json:"clusters"`
}

// ClusterView mirrors correlation.Cluster over the wire.
type ClusterView struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Tags         []string  `json:"tags"`
	PeakSeverity int       `json:"peak_severity"`
	EpisodeCount int       `json:"episode_count"`
}

// ResetResponse is returned by POST /api/v1/diagnosis/reset.
type ResetResponse struct {
	Message string `json:"message"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Database   any               `json:"database"`
	WorkerPool *queue.PoolHealth `json:"worker_pool,omitempty"`
}
